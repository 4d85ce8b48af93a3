// Package state persists the deploy daemon's memory of what it deployed,
// what it last attempted, which changeset is vetoed and which range still
// awaits the safety check. Each value lives in
// its own single-line file so a crash mid-write never leaves a torn value.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	lastDeployedFile  = "last_deployed"
	lastAttemptedFile = "last_attempted"
	vetoedFile        = "vetoed"
	pendingFile       = "pending"
)

// State is the deploy attempt record.
type State struct {
	LastDeployed  string
	LastAttempted string
	Vetoed        string // earliest changeset of a pending veto, "" when none
	Pending       string // first changeset of a pulled range not yet checked
}

// Store reads and writes State under a directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore returns a Store rooted at dir, creating it when needed.
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state: empty directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("state: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

// Load reads all values. Missing files read as empty.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st State
	var err error
	if st.LastDeployed, err = s.read(lastDeployedFile); err != nil {
		return State{}, err
	}
	if st.LastAttempted, err = s.read(lastAttemptedFile); err != nil {
		return State{}, err
	}
	if st.Vetoed, err = s.read(vetoedFile); err != nil {
		return State{}, err
	}
	if st.Pending, err = s.read(pendingFile); err != nil {
		return State{}, err
	}
	return st, nil
}

func (s *Store) SetLastDeployed(id string) error  { return s.write(lastDeployedFile, id) }
func (s *Store) SetLastAttempted(id string) error { return s.write(lastAttemptedFile, id) }
func (s *Store) SetVetoed(id string) error        { return s.write(vetoedFile, id) }
func (s *Store) SetPending(id string) error       { return s.write(pendingFile, id) }

// ClearVetoed removes a pending veto.
func (s *Store) ClearVetoed() error { return s.remove(vetoedFile) }

// ClearPending marks the pulled range as checked.
func (s *Store) ClearPending() error { return s.remove(pendingFile) }

func (s *Store) remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("state: clear %s: %w", name, err)
	}
	return syncDir(s.dir)
}

func (s *Store) read(name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("state: read %s: %w", name, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// write replaces name atomically: temp file in the same directory, fsync,
// rename, fsync of the directory.
func (s *Store) write(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("state: write %s: %w", name, err)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()
	if _, err := f.WriteString(value + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("state: write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("state: sync %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("state: close %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("state: rename %s: %w", name, err)
	}
	return syncDir(s.dir)
}

// syncDir flushes directory entries so a rename survives power loss.
func syncDir(dir string) error {
	d, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return fmt.Errorf("state: open dir: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("state: sync dir: %w", err)
	}
	return nil
}
