package discovery

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tcriess/lightspeed-lan/security"
)

// Wire layout: magic(4) ‖ version(1) ‖ flags(1) ‖ payload_len(2, big endian) ‖ payload ‖ signature(64, if signed).
// The signature covers everything before it.
const (
	Magic         = "LSLB"
	PacketVersion = 1
	headerLen     = 8
	flagSigned    = 0x01

	// MaxPacketLen keeps a beacon inside a single unfragmented datagram.
	MaxPacketLen = 1200
)

var (
	ErrBadMagic   = errors.New("not a beacon packet")
	ErrBadVersion = errors.New("unsupported beacon version")
	ErrTruncated  = errors.New("truncated beacon packet")
)

// Announcement is the JSON payload of a beacon.
type Announcement struct {
	Name  string `json:"name"`
	Port  int    `json:"port"`
	Rooms int    `json:"rooms"`
	Seq   uint64 `json:"seq"`
	Nonce string `json:"nonce"`
	Key   string `json:"key,omitempty"` // base64 Ed25519 public key of the signer
}

// Packet is a decoded beacon.
type Packet struct {
	Announcement
	Signed    bool
	Signature []byte
	signed    []byte // header ‖ payload
}

func newNonce() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// EncodePacket serialises the announcement and, with a signer, appends its signature. The signer's public key is
// embedded into the payload.
func EncodePacket(a Announcement, signer *security.BeaconSigner) ([]byte, error) {
	var flags byte
	if signer != nil {
		a.Key = signer.PublicKeyString()
		flags |= flagSigned
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	if headerLen+len(payload)+ed25519.SignatureSize > MaxPacketLen {
		return nil, fmt.Errorf("beacon payload too large (%d bytes)", len(payload))
	}
	buf := bytes.NewBuffer(make([]byte, 0, headerLen+len(payload)+ed25519.SignatureSize))
	buf.WriteString(Magic)
	buf.WriteByte(PacketVersion)
	buf.WriteByte(flags)
	_ = binary.Write(buf, binary.BigEndian, uint16(len(payload)))
	buf.Write(payload)
	if signer != nil {
		buf.Write(signer.Sign(buf.Bytes()))
	}
	return buf.Bytes(), nil
}

// DecodePacket parses a datagram. It does not verify the signature, see Packet.Verify.
func DecodePacket(raw []byte) (*Packet, error) {
	if len(raw) < headerLen || string(raw[:4]) != Magic {
		return nil, ErrBadMagic
	}
	if raw[4] != PacketVersion {
		return nil, ErrBadVersion
	}
	flags := raw[5]
	payloadLen := int(binary.BigEndian.Uint16(raw[6:8]))
	end := headerLen + payloadLen
	if len(raw) < end {
		return nil, ErrTruncated
	}
	p := &Packet{signed: raw[:end]}
	if err := json.Unmarshal(raw[headerLen:end], &p.Announcement); err != nil {
		return nil, fmt.Errorf("invalid beacon payload: %w", err)
	}
	if flags&flagSigned != 0 {
		if len(raw) != end+ed25519.SignatureSize {
			return nil, ErrTruncated
		}
		p.Signed = true
		p.Signature = raw[end:]
	}
	return p, nil
}

// Verify checks the signature against the embedded key.
func (p *Packet) Verify() error {
	pub, err := security.ParsePublicKey(p.Key)
	if err != nil {
		return fmt.Errorf("invalid beacon key: %w", err)
	}
	return security.VerifyBeacon(pub, p.signed, p.Signature)
}
