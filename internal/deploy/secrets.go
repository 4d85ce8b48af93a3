package deploy

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"filippo.io/age"
	"github.com/awnumar/memguard"
)

// decryptBundle decrypts an age scrypt bundle with the passphrase stored in
// passFile. Both the passphrase and the plaintext only live in locked
// memory; the caller destroys the returned buffer.
func decryptBundle(bundle, passFile string) (*memguard.LockedBuffer, error) {
	raw, err := os.ReadFile(filepath.Clean(passFile))
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	trimmed := bytes.TrimRight(raw, "\r\n")
	if len(trimmed) == 0 {
		memguard.WipeBytes(raw)
		return nil, errors.New("empty passphrase")
	}
	// NewBufferFromBytes wipes the heap copy.
	pass := memguard.NewBufferFromBytes(trimmed)
	memguard.WipeBytes(raw)
	defer pass.Destroy()

	identity, err := age.NewScryptIdentity(pass.String())
	if err != nil {
		return nil, fmt.Errorf("passphrase: %w", err)
	}

	f, err := os.Open(filepath.Clean(bundle))
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer func() { _ = f.Close() }()

	r, err := age.Decrypt(f, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	plain, err := memguard.NewBufferFromEntireReader(r)
	if err != nil {
		return nil, fmt.Errorf("read plaintext: %w", err)
	}
	return plain, nil
}
