package testutil

import (
	"collabd/internal/archive"
	"collabd/internal/collab"
	"collabd/internal/encryption"
)

// NewTestEncryptor returns a keyless encryptor that marks sealed data.
func NewTestEncryptor() collab.Encryptor {
	return encryption.NewTestEncryptor()
}

// NewTestArchive returns an empty in-memory archive.
func NewTestArchive() *archive.MemoryArchive {
	return archive.NewMemoryArchive()
}
