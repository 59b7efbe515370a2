package shoalproto

import (
	stded25519 "crypto/ed25519"
	"crypto/x509"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/flynn/noise"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	shoalcrypto "go.shoal.dev/shoal/src/internal/crypto"
)

// The handshake is Noise NX: the client sends an ephemeral key, the server answers with its ephemeral
// and static keys. The server's second message carries a ServerHello proving that the holder of the
// certificate key chose the Noise static key for this connection.

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

var proofSigCtx = shoalcrypto.SigCtxString("shoal/server-proof")

var cborEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

type prologue struct {
	Protocol string `cbor:"1,keyasint"`
	Version  uint64 `cbor:"2,keyasint"`
	CID      []byte `cbor:"3,keyasint"`
}

type transportParams struct {
	IdleTimeoutMillis uint64 `cbor:"1,keyasint,omitempty"`
	MaxStreamData     uint64 `cbor:"2,keyasint,omitempty"`
	MaxAckDelayMillis uint64 `cbor:"3,keyasint,omitempty"`
}

func encodeParams(p Params) transportParams {
	return transportParams{
		IdleTimeoutMillis: uint64(p.IdleTimeout / time.Millisecond),
		MaxStreamData:     p.MaxStreamData,
		MaxAckDelayMillis: uint64(p.MaxAckDelay / time.Millisecond),
	}
}

func (tp transportParams) decode() Params {
	return Params{
		IdleTimeout:   time.Duration(tp.IdleTimeoutMillis) * time.Millisecond,
		MaxStreamData: tp.MaxStreamData,
		MaxAckDelay:   time.Duration(tp.MaxAckDelayMillis) * time.Millisecond,
	}.withDefaults()
}

type serverHello struct {
	Cert   [][]byte        `cbor:"1,keyasint"`
	Sig    []byte          `cbor:"2,keyasint"`
	Params transportParams `cbor:"3,keyasint"`
}

// sessionKeys protect Short packets in each direction.
type sessionKeys struct {
	send, recv aead
}

func newHandshakeState(initiator bool, static noise.DHKey, cid CID) (*noise.HandshakeState, error) {
	pro, err := cborEnc.Marshal(prologue{Protocol: "shoal", Version: Version, CID: cid[:]})
	if err != nil {
		return nil, err
	}
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeNX,
		Initiator:     initiator,
		Prologue:      pro,
		StaticKeypair: static,
	})
}

// proofMessage is what the certificate key signs.
func proofMessage(serverStatic, clientEphemeral []byte, cid CID) []byte {
	t := shoalcrypto.Transcript(nil, serverStatic, clientEphemeral, cid[:])
	return t[:]
}

// clientHello starts a handshake and returns the first message.
func clientHello(cid CID) (*noise.HandshakeState, []byte, error) {
	hs, err := newHandshakeState(true, noise.DHKey{}, cid)
	if err != nil {
		return nil, nil, err
	}
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return hs, msg, nil
}

// serverRespond processes the client's first message and produces the second.
func serverRespond(static noise.DHKey, creds Credentials, params Params, cid CID, msg1 []byte) ([]byte, sessionKeys, error) {
	hs, err := newHandshakeState(false, static, cid)
	if err != nil {
		return nil, sessionKeys{}, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, sessionKeys{}, errors.Wrap(err, "reading client hello")
	}
	sig := shoalcrypto.Sign(&proofSigCtx, creds.PrivateKey, proofMessage(static.Public, hs.PeerEphemeral(), cid))
	payload, err := cborEnc.Marshal(serverHello{
		Cert:   creds.Chain,
		Sig:    sig,
		Params: encodeParams(params),
	})
	if err != nil {
		return nil, sessionKeys{}, err
	}
	msg2, toServer, toClient, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, sessionKeys{}, err
	}
	if toServer == nil || toClient == nil {
		return nil, sessionKeys{}, errors.New("handshake did not complete")
	}
	return msg2, sessionKeys{send: toClient.Cipher(), recv: toServer.Cipher()}, nil
}

// clientFinish processes the server's message, checks its proof, and returns the keys and
// the server's transport parameters.
func clientFinish(hs *noise.HandshakeState, cfg ClientConfig, now time.Time, cid CID, msg2 []byte) (sessionKeys, Params, error) {
	payload, toServer, toClient, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return sessionKeys{}, Params{}, errors.Wrap(err, "reading server hello")
	}
	if toServer == nil || toClient == nil {
		return sessionKeys{}, Params{}, errors.New("handshake did not complete")
	}
	var hello serverHello
	if err := cbor.Unmarshal(payload, &hello); err != nil {
		return sessionKeys{}, Params{}, errors.Wrap(err, "decoding server hello")
	}
	pub, err := verifyChain(cfg, now, hello.Cert)
	if err != nil {
		return sessionKeys{}, Params{}, err
	}
	msg := proofMessage(hs.PeerStatic(), hs.LocalEphemeral().Public, cid)
	if !shoalcrypto.Verify(&proofSigCtx, pub, msg, hello.Sig) {
		return sessionKeys{}, Params{}, errors.Wrap(ErrBadCertificate, "invalid proof signature")
	}
	return sessionKeys{send: toServer.Cipher(), recv: toClient.Cipher()}, hello.Params.decode(), nil
}

// verifyChain checks the certificate chain and returns the Ed25519 key of the leaf.
func verifyChain(cfg ClientConfig, now time.Time, chain [][]byte) (ed25519.PublicKey, error) {
	if len(chain) == 0 {
		return nil, errors.Wrap(ErrBadCertificate, "empty certificate chain")
	}
	certs := make([]*x509.Certificate, len(chain))
	for i, der := range chain {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, errors.Wrap(ErrBadCertificate, err.Error())
		}
		certs[i] = c
	}
	leaf := certs[0]
	if !cfg.InsecureSkipVerify {
		if cfg.Roots == nil {
			return nil, errors.Wrap(ErrBadCertificate, "no roots configured")
		}
		inter := x509.NewCertPool()
		for _, c := range certs[1:] {
			inter.AddCert(c)
		}
		if _, err := leaf.Verify(x509.VerifyOptions{
			DNSName:       cfg.ServerName,
			Roots:         cfg.Roots,
			Intermediates: inter,
			CurrentTime:   now,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		}); err != nil {
			return nil, errors.Wrap(ErrBadCertificate, err.Error())
		}
	}
	pub, ok := leaf.PublicKey.(stded25519.PublicKey)
	if !ok {
		return nil, errors.Wrapf(ErrBadCertificate, "unsupported key type %T", leaf.PublicKey)
	}
	return ed25519.PublicKey(pub), nil
}
