// Package filestore keeps uploaded document bytes on disk, sealed with the
// vault when one is configured.
package filestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/mtzanidakis/docpipe/internal/vault"
)

var ErrOutsideRoot = errors.New("path outside upload dir")

type Store struct {
	root  string
	vault *vault.Vault
}

// New creates the upload dir. v may be nil to store files as-is.
func New(root string, v *vault.Vault) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	return &Store{root: abs, vault: v}, nil
}

func (s *Store) Root() string { return s.root }

// Save writes data under a unique name derived from filename and returns the
// stored path.
func (s *Store) Save(filename string, data []byte) (string, error) {
	name := uuid.New().String() + "_" + sanitize(filename)
	path := filepath.Join(s.root, name)

	if s.vault != nil {
		sealed, err := s.vault.Seal(data)
		if err != nil {
			return "", fmt.Errorf("seal %s: %w", filename, err)
		}
		data = sealed
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return path, nil
}

// Read returns the plaintext content stored at path.
func (s *Store) Read(path string) ([]byte, error) {
	if err := s.check(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if vault.IsSealed(data) {
		if s.vault == nil {
			return nil, fmt.Errorf("read %s: sealed file and no vault passphrase configured", filepath.Base(path))
		}
		return s.vault.Open(data)
	}
	return data, nil
}

func (s *Store) Delete(path string) error {
	if err := s.check(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Store) check(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return nil
}

func sanitize(name string) string {
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}

// SealAll seals every plaintext file under the root in place. It needs a
// vault and reports how many files it sealed and how many were already
// sealed.
func (s *Store) SealAll() (sealed, skipped int, err error) {
	if s.vault == nil {
		return 0, 0, fmt.Errorf("seal uploads: no vault configured")
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, 0, fmt.Errorf("list uploads: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(s.root, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return sealed, skipped, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		if vault.IsSealed(data) {
			skipped++
			continue
		}
		out, err := s.vault.Seal(data)
		if err != nil {
			return sealed, skipped, fmt.Errorf("seal %s: %w", e.Name(), err)
		}
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return sealed, skipped, fmt.Errorf("write %s: %w", e.Name(), err)
		}
		sealed++
	}
	return sealed, skipped, nil
}
