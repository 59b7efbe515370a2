package certs

import (
	"context"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"
)

func testContext(t testing.TB) context.Context {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return logctx.NewContext(context.Background(), l)
}

func TestLoadOrGenerate(t *testing.T) {
	ctx := testContext(t)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.der")
	keyPath := filepath.Join(dir, "key.der")

	c1, err := LoadOrGenerate(ctx, certPath, keyPath)
	require.NoError(t, err)
	require.FileExists(t, certPath)
	require.FileExists(t, keyPath)

	c2, err := LoadOrGenerate(ctx, certPath, keyPath)
	require.NoError(t, err)
	require.Equal(t, c1.Certificate, c2.Certificate)
	require.Equal(t, c1.PrivateKey, c2.PrivateKey)
	require.Equal(t, c1.Fingerprint(), c2.Fingerprint())

	leaf, err := c1.Leaf()
	require.NoError(t, err)
	require.NoError(t, leaf.VerifyHostname("localhost"))
}

func TestLoadOrGenerateCorrupt(t *testing.T) {
	ctx := testContext(t)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.der")
	keyPath := filepath.Join(dir, "key.der")
	require.NoError(t, os.WriteFile(certPath, []byte("not a certificate"), 0o644))
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0o600))

	_, err := LoadOrGenerate(ctx, certPath, keyPath)
	require.Error(t, err)
	// nothing is overwritten.
	data, err := os.ReadFile(certPath)
	require.NoError(t, err)
	require.Equal(t, "not a certificate", string(data))
}

func TestParseMismatchedKey(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, Save(&Credentials{Certificate: a.Certificate, PrivateKey: b.PrivateKey},
		filepath.Join(dir, "c"), filepath.Join(dir, "k")))
	_, err = Load(filepath.Join(dir, "c"), filepath.Join(dir, "k"))
	require.Error(t, err)
}

func TestLoadRoots(t *testing.T) {
	creds, err := Generate("localhost")
	require.NoError(t, err)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.der")
	require.NoError(t, Save(creds, certPath, filepath.Join(dir, "key.der")))

	roots, err := LoadRoots(certPath)
	require.NoError(t, err)
	leaf, err := creds.Leaf()
	require.NoError(t, err)
	_, err = leaf.Verify(x509VerifyOptions(roots))
	require.NoError(t, err)
}

func x509VerifyOptions(roots *x509.CertPool) x509.VerifyOptions {
	return x509.VerifyOptions{DNSName: "localhost", Roots: roots}
}
