package security

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/tcriess/lightspeed-lan/types"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const envelopeInfo = "lightspeed-lan frame key"

var ErrEnvelopeShort = errors.New("sealed frame too short")

// Envelope seals frames as nonce ‖ ciphertext ‖ tag with XChaCha20-Poly1305. The key is derived from the shared
// secret, so both ends of a connection build the same envelope independently.
type Envelope struct {
	aead cipher.AEAD
}

func NewEnvelope(secret []byte) (*Envelope, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(envelopeInfo)), key); err != nil {
		return nil, fmt.Errorf("could not derive frame key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Envelope{aead: aead}, nil
}

func (e *Envelope) Seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plain)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, &types.CryptoError{Op: "seal", Err: err}
	}
	return e.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open authenticates and decrypts a sealed frame. Any tampering yields a CryptoError and no plaintext.
func (e *Envelope) Open(sealed []byte) ([]byte, error) {
	ns := e.aead.NonceSize()
	if len(sealed) < ns+e.aead.Overhead() {
		return nil, &types.CryptoError{Op: "open", Err: ErrEnvelopeShort}
	}
	plain, err := e.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, &types.CryptoError{Op: "open", Err: err}
	}
	return plain, nil
}

// Overhead is the number of bytes Seal adds.
func (e *Envelope) Overhead() int {
	return e.aead.NonceSize() + e.aead.Overhead()
}
