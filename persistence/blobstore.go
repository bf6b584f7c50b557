package persistence

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tcriess/lightspeed-lan/types"
)

var hashRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// BlobStore keeps uploaded file contents under their SHA-256, so identical content is stored once no matter how
// often or in which room it was uploaded. Declared names are never used for placement.
type BlobStore struct {
	dir string
}

func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, storageErr("create blob dir", err)
	}
	return &BlobStore{dir: dir}, nil
}

// IsValidHash checks that s is a lowercase hex SHA-256 digest.
func IsValidHash(s string) bool {
	return hashRe.MatchString(s)
}

func (b *BlobStore) path(hash string) string {
	return filepath.Join(b.dir, hash[:2], hash)
}

// Staging returns a new temporary file inside the store directory. Callers write the upload into it and hand it
// to Commit or Discard.
func (b *BlobStore) Staging() (*os.File, error) {
	f, err := os.CreateTemp(b.dir, "upload-*.part")
	if err != nil {
		return nil, storageErr("create staging file", err)
	}
	return f, nil
}

// Commit hashes the staged file and moves it into place. If the content already exists the staged copy is removed.
// The staged file is closed in any case.
func (b *BlobStore) Commit(staged *os.File) (string, int64, error) {
	defer os.Remove(staged.Name())
	if _, err := staged.Seek(0, io.SeekStart); err != nil {
		staged.Close()
		return "", 0, storageErr("commit blob", err)
	}
	h := sha256.New()
	size, err := io.Copy(h, staged)
	if err != nil {
		staged.Close()
		return "", 0, storageErr("commit blob", err)
	}
	if err := staged.Close(); err != nil {
		return "", 0, storageErr("commit blob", err)
	}
	hash := hex.EncodeToString(h.Sum(nil))
	target := b.path(hash)
	if _, err := os.Stat(target); err == nil {
		return hash, size, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return "", 0, storageErr("commit blob", err)
	}
	if err := os.Rename(staged.Name(), target); err != nil {
		return "", 0, storageErr("commit blob", err)
	}
	return hash, size, nil
}

// Discard drops a staged upload.
func (b *BlobStore) Discard(staged *os.File) {
	staged.Close()
	_ = os.Remove(staged.Name())
}

// Open returns the stored content for hash.
func (b *BlobStore) Open(hash string) (*os.File, error) {
	if !IsValidHash(hash) {
		return nil, types.ErrFileNotFound
	}
	f, err := os.Open(b.path(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, types.ErrFileNotFound
	}
	if err != nil {
		return nil, storageErr("open blob", err)
	}
	return f, nil
}

// Count returns the number of stored objects.
func (b *BlobStore) Count() (int, error) {
	matches, err := filepath.Glob(filepath.Join(b.dir, "*", "*"))
	if err != nil {
		return 0, fmt.Errorf("count blobs: %w", err)
	}
	n := 0
	for _, m := range matches {
		if IsValidHash(filepath.Base(m)) {
			n++
		}
	}
	return n, nil
}
