package collab

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const (
	// ChallengeSize is the length in bytes of an authentication challenge.
	ChallengeSize = 32

	// ResponseSize is the length of an HMAC-MD5 response.
	ResponseSize = md5.Size

	globalIDSize = 32
)

// NewChallenge returns a fresh random challenge.
func NewChallenge() ([]byte, error) {
	b := make([]byte, ChallengeSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating challenge: %w", err)
	}
	return b, nil
}

// NewGlobalID returns a random 64-character hex project id.
func NewGlobalID() (string, error) {
	b := make([]byte, globalIDSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating global id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ValidGlobalID reports whether s has the shape of a global project id.
func ValidGlobalID(s string) bool {
	if len(s) != globalIDSize*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// HashPassword returns the stored form of a password: hex MD5. Clients
// derive the same key locally before computing their response.
func HashPassword(password string) string {
	sum := md5.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}

// ComputeResponse returns HMAC-MD5(challenge) keyed by the decoded password hash.
func ComputeResponse(passwordHash string, challenge []byte) ([]byte, error) {
	key, err := hex.DecodeString(passwordHash)
	if err != nil {
		return nil, fmt.Errorf("decoding password hash: %w", err)
	}
	mac := hmac.New(md5.New, key)
	mac.Write(challenge)
	return mac.Sum(nil), nil
}

// VerifyResponse checks a client's response against the stored password hash.
func VerifyResponse(passwordHash string, challenge, response []byte) error {
	if len(response) != ResponseSize {
		return ErrAuthInvalidProtocol
	}
	expected, err := ComputeResponse(passwordHash, challenge)
	if err != nil {
		return fmt.Errorf("verifying response: %w", err)
	}
	if !hmac.Equal(expected, response) {
		return ErrAuthInvalidUser
	}
	return nil
}
