// Package certs loads the certificate and key a server identifies itself with,
// generating a self-signed pair on first use.
package certs

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.brendoncarroll.net/stdctx/logctx"

	shoalcrypto "go.shoal.dev/shoal/src/internal/crypto"
)

const (
	DefaultCertPath   = "cert.der"
	DefaultKeyPath    = "key.der"
	DefaultServerName = "localhost"

	validity = 10 * 365 * 24 * time.Hour
)

// Credentials are a DER encoded certificate and its private key.
type Credentials struct {
	Certificate []byte
	PrivateKey  ed25519.PrivateKey
}

// Leaf parses the certificate.
func (c *Credentials) Leaf() (*x509.Certificate, error) {
	return x509.ParseCertificate(c.Certificate)
}

// Fingerprint identifies the certificate.
func (c *Credentials) Fingerprint() string {
	return Fingerprint(c.Certificate)
}

// Fingerprint returns a short hex digest of a DER encoded certificate.
func Fingerprint(der []byte) string {
	sum := shoalcrypto.Sum256(nil, der)
	return hex.EncodeToString(sum[:16])
}

// Generate creates a self-signed certificate valid for names.
func Generate(names ...string) (*Credentials, error) {
	if len(names) == 0 {
		names = []string{DefaultServerName}
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: names[0]},
		DNSNames:              names,
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, errors.Wrap(err, "creating certificate")
	}
	return &Credentials{Certificate: der, PrivateKey: priv}, nil
}

// Load reads a DER certificate and a DER PKCS#8 Ed25519 key.
func Load(certPath, keyPath string) (*Credentials, error) {
	certDER, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyDER, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return Parse(certDER, keyDER)
}

// Parse checks that a certificate and key belong together.
func Parse(certDER, keyDER []byte) (*Credentials, error) {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, errors.Wrap(err, "parsing certificate")
	}
	key, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return nil, errors.Wrap(err, "parsing private key")
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.Errorf("unsupported private key type %T", key)
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok || !pub.Equal(priv.Public()) {
		return nil, errors.New("private key does not match certificate")
	}
	return &Credentials{Certificate: certDER, PrivateKey: priv}, nil
}

// Save writes the certificate and key, creating parent directories.
func Save(creds *Credentials, certPath, keyPath string) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(creds.PrivateKey)
	if err != nil {
		return err
	}
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(certPath, creds.Certificate, 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyPath, keyDER, 0o600)
}

// LoadOrGenerate loads the credentials at certPath and keyPath.
// If either file does not exist, a certificate for localhost is generated and saved there.
// Any other error reading the files is returned.
func LoadOrGenerate(ctx context.Context, certPath, keyPath string) (*Credentials, error) {
	creds, err := Load(certPath, keyPath)
	if err == nil {
		return creds, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(err, "loading credentials from %s and %s", certPath, keyPath)
	}
	logctx.Infof(ctx, "generating self-signed certificate at %s", certPath)
	creds, err = Generate(DefaultServerName)
	if err != nil {
		return nil, err
	}
	if err := Save(creds, certPath, keyPath); err != nil {
		return nil, errors.Wrap(err, "saving credentials")
	}
	return creds, nil
}

// LoadRoots returns a pool trusting the DER certificate at certPath.
func LoadRoots(certPath string) (*x509.CertPool, error) {
	der, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", certPath)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return pool, nil
}
