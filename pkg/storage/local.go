package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Object describes a blob written to the local store.
type Object struct {
	Key    string
	SHA256 string
	Size   int64
}

// LocalStore persists evidence files and rendered certificates on disk.
// Blobs written through Put are content addressed: the key is derived from their sha256.
type LocalStore struct {
	baseDir string
}

// NewLocalStore ensures the base directory exists and returns a handle.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if baseDir == "" {
		baseDir = "./evidence"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

// Put streams r into the store, hashing it on the way, and returns the content-addressed key.
// maxBytes <= 0 disables the size check.
func (s *LocalStore) Put(r io.Reader, ext string, maxBytes int64) (*Object, error) {
	tmp, err := os.CreateTemp(s.baseDir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	hasher := sha256.New()
	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	size, err := io.Copy(io.MultiWriter(tmp, hasher), src)
	closeErr := tmp.Close()
	if err != nil {
		return nil, fmt.Errorf("write upload stream: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close upload stream: %w", closeErr)
	}
	if maxBytes > 0 && size > maxBytes {
		return nil, ErrTooLarge
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	key := filepath.ToSlash(filepath.Join(sum[:2], sum+normaliseExt(ext)))
	dest := s.resolve(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("prepare storage directory: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return nil, fmt.Errorf("commit upload: %w", err)
	}
	return &Object{Key: key, SHA256: sum, Size: size}, nil
}

// Save writes data under an explicit key, replacing any previous content.
func (s *LocalStore) Save(key string, data []byte) (string, error) {
	path := s.resolve(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare storage directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return key, nil
}

// Open returns a read-only handle for the stored file.
func (s *LocalStore) Open(key string) (*os.File, error) {
	file, err := os.Open(s.resolve(key))
	if err != nil {
		return nil, fmt.Errorf("open stored file: %w", err)
	}
	return file, nil
}

// Exists reports whether key is present.
func (s *LocalStore) Exists(key string) bool {
	_, err := os.Stat(s.resolve(key))
	return err == nil
}

// Delete removes a stored file if present.
func (s *LocalStore) Delete(key string) error {
	if err := os.Remove(s.resolve(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete stored file: %w", err)
	}
	return nil
}

func (s *LocalStore) resolve(key string) string {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	return filepath.Join(s.baseDir, clean)
}

func normaliseExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
