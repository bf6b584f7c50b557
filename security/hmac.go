package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/tcriess/lightspeed-lan/types"
)

const challengeLen = 32

// NewChallenge returns a random hex encoded handshake challenge.
func NewChallenge() (string, error) {
	b := make([]byte, challengeLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("could not generate challenge: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ChallengeResponse computes hex(HMAC-SHA256(secret, challenge)).
func ChallengeResponse(secret []byte, challenge string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyChallengeResponse compares the response in constant time.
func VerifyChallengeResponse(secret []byte, challenge, response string) error {
	got, err := hex.DecodeString(response)
	if err != nil {
		return &types.AuthError{Reason: "malformed response", Err: err}
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(challenge))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return &types.AuthError{Reason: "challenge response mismatch"}
	}
	return nil
}

var (
	ErrTokenMalformed = errors.New("malformed token")
	ErrTokenInvalid   = errors.New("token signature mismatch")
	ErrTokenExpired   = errors.New("token outside validity window")
)

// MintToken returns base64(ts ‖ HMAC-SHA256(secret, ts)), ts being the unix time in milliseconds as 8 bytes big endian.
func MintToken(secret []byte, now time.Time) string {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(now.UnixMilli()))
	mac := hmac.New(sha256.New, secret)
	mac.Write(ts)
	return base64.StdEncoding.EncodeToString(append(ts, mac.Sum(nil)...))
}

// VerifyToken checks the token integrity and that it was minted no more than ttl+skew ago and no more than skew in
// the future.
func VerifyToken(secret []byte, token string, now time.Time, ttl, skew time.Duration) error {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil || len(raw) != 8+sha256.Size {
		return &types.CryptoError{Op: "verify token", Err: ErrTokenMalformed}
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw[:8])
	if !hmac.Equal(raw[8:], mac.Sum(nil)) {
		return &types.CryptoError{Op: "verify token", Err: ErrTokenInvalid}
	}
	minted := time.UnixMilli(int64(binary.BigEndian.Uint64(raw[:8])))
	age := now.Sub(minted)
	if age < -skew || age > ttl+skew {
		return &types.CryptoError{Op: "verify token", Err: ErrTokenExpired}
	}
	return nil
}
