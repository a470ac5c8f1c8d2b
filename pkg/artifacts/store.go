package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Store is the contract every artifact backend satisfies: put blob,
// get blob, check presence. Blobs are keyed by the hex hash of their
// content, so writes are idempotent and identical contents share one blob.
type Store interface {
	// Put stores the blob under hash. It returns true when a new blob was
	// written and false when the hash was already present.
	Put(hash string, content []byte) (bool, error)
	// Has reports whether a blob with the given hash exists.
	Has(hash string) (bool, error)
	// Get reads a stored blob back out.
	Get(hash string) ([]byte, error)
}

// Sum returns the hex SHA-256 of content, the store's canonical key.
func Sum(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// FSStore is a filesystem-backed content-addressed store. Blobs live at
// <dir>/<hash[:2]>/<hash> so a directory never collects millions of entries.
type FSStore struct {
	dir string
}

// NewFSStore creates the store directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) blobPath(hash string) (string, error) {
	if len(hash) < 3 {
		return "", fmt.Errorf("invalid artifact hash %q", hash)
	}
	return filepath.Join(s.dir, hash[:2], hash), nil
}

// Put writes the blob atomically: a temp file in the same directory is
// renamed into place, so concurrent writers of the same hash converge on
// a single blob and readers never observe partial content.
func (s *FSStore) Put(hash string, content []byte) (bool, error) {
	path, err := s.blobPath(hash)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return false, fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false, fmt.Errorf("failed to close blob: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return false, fmt.Errorf("failed to commit blob: %w", err)
	}
	return true, nil
}

// Has reports whether the blob exists on disk.
func (s *FSStore) Has(hash string) (bool, error) {
	path, err := s.blobPath(hash)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get reads the blob content.
func (s *FSStore) Get(hash string) ([]byte, error) {
	path, err := s.blobPath(hash)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact not found: %s", hash)
		}
		return nil, err
	}
	return content, nil
}
