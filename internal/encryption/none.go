package encryption

import (
	"bytes"
	"fmt"
	"io"

	"collabd/internal/collab"
)

// NoneEncryptor stores exports unsealed. Unlock accepts any passphrase.
type NoneEncryptor struct{}

var _ collab.Encryptor = NoneEncryptor{}

func (NoneEncryptor) Setup(string) error { return nil }

func (NoneEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (NoneEncryptor) Unlock(string) (collab.DecryptionContext, error) {
	return passthrough{}, nil
}

func (NoneEncryptor) IsConfigured() bool { return true }

type passthrough struct{}

func (passthrough) Decrypt(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

// testHeader marks data sealed by TestEncryptor.
var testHeader = []byte("CDENC\x00\x00\x01")

// TestEncryptor is a deterministic stand-in for tests: it prefixes a fixed
// header when sealing and requires it when opening, so unsealed data is
// caught without any key material.
type TestEncryptor struct {
	setupCalled bool
}

var _ collab.Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	return NoneEncryptor{}.Encrypt(r, w)
}

func (e *TestEncryptor) Unlock(string) (collab.DecryptionContext, error) {
	return testOpener{}, nil
}

func (e *TestEncryptor) IsConfigured() bool { return true }

type testOpener struct{}

func (testOpener) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	return passthrough{}.Decrypt(r, w)
}
