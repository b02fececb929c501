package collab

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrArchiveNotFound is returned when a named export does not exist.
var ErrArchiveNotFound = errors.New("export not found")

// Archive stores project exports by name. Payloads stream through
// io.Reader and io.Writer so large projects never sit fully in memory.
type Archive interface {
	// Put stores the export read from r under name, replacing any previous one.
	Put(ctx context.Context, name string, r io.Reader) error

	// Get writes the named export to w, or returns ErrArchiveNotFound.
	Get(ctx context.Context, name string, w io.Writer) error

	// List returns the stored export names in lexical order.
	List(ctx context.Context) ([]string, error)

	// ValidateSetup verifies that the archive is reachable and writable.
	ValidateSetup(ctx context.Context) error
}

// ValidArchiveName reports whether name can be used as an export name.
// Names are single path elements so every backend maps them the same way.
func ValidArchiveName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// Encryptor seals export streams. Sealing needs only the public key;
// opening requires unlocking the private key with a passphrase.
type Encryptor interface {
	// Setup generates a key pair and protects the private key with passphrase.
	Setup(passphrase string) error

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock returns a DecryptionContext, or an error for a wrong passphrase.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether keys exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
