package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tcriess/lightspeed-lan/types"
)

const BeaconKeyFile = "beacon.key"

var ErrBadSignature = errors.New("bad signature")

// BeaconSigner signs discovery payloads with an Ed25519 key.
type BeaconSigner struct {
	priv ed25519.PrivateKey
}

func NewBeaconSigner(priv ed25519.PrivateKey) *BeaconSigner {
	return &BeaconSigner{priv: priv}
}

// GenerateBeaconSigner creates a signer with a fresh, unsaved key.
func GenerateBeaconSigner() (*BeaconSigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &BeaconSigner{priv: priv}, nil
}

// LoadOrCreateBeaconSigner reads the PKCS#8 key at path, generating and storing one if it does not exist.
func LoadOrCreateBeaconSigner(path string) (*BeaconSigner, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("invalid beacon key pem in %s", path)
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("beacon key in %s is not ed25519", path)
		}
		return &BeaconSigner{priv: priv}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	s, err := GenerateBeaconSigner()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(s.priv)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BeaconSigner) Sign(payload []byte) []byte {
	return ed25519.Sign(s.priv, payload)
}

func (s *BeaconSigner) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// PublicKeyString is the base64 form used in beacons and in the trusted_keys setting.
func (s *BeaconSigner) PublicKeyString() string {
	return base64.StdEncoding.EncodeToString(s.PublicKey())
}

// ParsePublicKey decodes a base64 Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// VerifyBeacon fails closed on any signature mismatch.
func VerifyBeacon(pub ed25519.PublicKey, payload, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return &types.CryptoError{Op: "verify beacon", Err: ErrBadSignature}
	}
	if !ed25519.Verify(pub, payload, sig) {
		return &types.CryptoError{Op: "verify beacon", Err: ErrBadSignature}
	}
	return nil
}
