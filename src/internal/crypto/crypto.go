package shoalcrypto

import (
	"encoding/binary"
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"
	"golang.org/x/crypto/sha3"
)

// ME256 is a maximum-entropy (meaning all possible values of this type are equally likely)
// value containing 256 bits.
type ME256 [32]byte

// XOF is an extensible output function.
// If salt is not nil, cSHAKE256 customized with salt is used.
func XOF(salt *ME256, in []byte, out []byte) {
	if salt == nil {
		sha3.ShakeSum256(out, in)
		return
	}
	h := sha3.NewCShake256(nil, salt[:])
	h.Write(in)
	if n, err := h.Read(out); err != nil {
		panic(err)
	} else if n != len(out) {
		panic(fmt.Sprintf("short read from CSHAKE256 n=%d", n))
	}
}

// Sum256 calls XOF and read 256 bits of output.
func Sum256(salt *ME256, in []byte) (ret ME256) {
	XOF(salt, in, ret[:])
	return ret
}

// Transcript hashes a sequence of byte strings.
// Each part is length prefixed, so different splits of the same bytes hash differently.
func Transcript(salt *ME256, parts ...[]byte) ME256 {
	var buf []byte
	for _, p := range parts {
		buf = binary.AppendUvarint(buf, uint64(len(p)))
		buf = append(buf, p...)
	}
	return Sum256(salt, buf)
}

// SigCtx separates the signatures made by one key for different purposes.
type SigCtx ME256

// SigCtxString creates a new signature context from a string.
// Create one for each kind of message signed, once at startup.
func SigCtxString(x string) SigCtx {
	return SigCtx(Sum256(nil, []byte(x)))
}

// sigDomain is the Ed25519ctx context string for every signature made by this package.
const sigDomain = "shoal"

// Sign signs msg in the context sigCtx.
func Sign(sigCtx *SigCtx, priv ed25519.PrivateKey, msg []byte) []byte {
	if sigCtx == nil {
		panic("sigCtx cannot be nil")
	}
	var input [64]byte
	XOF((*ME256)(sigCtx), msg, input[:])
	return ed25519.SignWithCtx(priv, input[:], sigDomain)
}

// Verify checks a signature made by Sign.
func Verify(sigCtx *SigCtx, pub ed25519.PublicKey, msg, sig []byte) bool {
	if sigCtx == nil {
		panic("sigCtx cannot be nil")
	}
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	var input [64]byte
	XOF((*ME256)(sigCtx), msg, input[:])
	return ed25519.VerifyWithCtx(pub, input[:], sig, sigDomain)
}
