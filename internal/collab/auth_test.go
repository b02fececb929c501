package collab

import (
	"bytes"
	"errors"
	"testing"
)

func TestVerifyResponse(t *testing.T) {
	hash := HashPassword("secret")
	challenge := bytes.Repeat([]byte{0x5a}, ChallengeSize)

	good, err := ComputeResponse(hash, challenge)
	if err != nil {
		t.Fatalf("ComputeResponse() error = %v", err)
	}
	wrong, _ := ComputeResponse(HashPassword("guess"), challenge)

	tests := []struct {
		name     string
		response []byte
		want     error
	}{
		{"correct", good, nil},
		{"wrong password", wrong, ErrAuthInvalidUser},
		{"short", good[:8], ErrAuthInvalidProtocol},
		{"empty", nil, ErrAuthInvalidProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := VerifyResponse(hash, challenge, tt.response); !errors.Is(err, tt.want) {
				t.Errorf("VerifyResponse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHashPassword(t *testing.T) {
	// MD5 of the empty string.
	if got := HashPassword(""); got != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("HashPassword(\"\") = %s", got)
	}
}

func TestGlobalID(t *testing.T) {
	a, err := NewGlobalID()
	if err != nil {
		t.Fatalf("NewGlobalID() error = %v", err)
	}
	b, _ := NewGlobalID()
	if a == b {
		t.Error("NewGlobalID() returned the same id twice")
	}
	if !ValidGlobalID(a) {
		t.Errorf("ValidGlobalID(%q) = false", a)
	}

	for _, bad := range []string{"", "abc", a[:63] + "g", a + "00"} {
		if ValidGlobalID(bad) {
			t.Errorf("ValidGlobalID(%q) = true", bad)
		}
	}
}

func TestNewChallenge(t *testing.T) {
	a, err := NewChallenge()
	if err != nil {
		t.Fatalf("NewChallenge() error = %v", err)
	}
	b, _ := NewChallenge()
	if len(a) != ChallengeSize || bytes.Equal(a, b) {
		t.Errorf("NewChallenge() = %x, %x, want distinct %d-byte values", a, b, ChallengeSize)
	}
}
