// Package files stores upload payload files (torrent/nzb blobs) on local
// disk, one directory per tenant. Paths handed out are relative to the
// tenant directory and are what the jobs table records in file_path.
package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("payload file not found")

// FileInfo describes one stored payload file.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Storage is the payload file access interface.
type Storage interface {
	Save(tenantID uuid.UUID, name string, data []byte) (string, error)
	Exists(tenantID uuid.UUID, path string) bool
	Read(tenantID uuid.UUID, path string) ([]byte, error)
	Delete(tenantID uuid.UUID, path string) error
	List(tenantID uuid.UUID) ([]FileInfo, error)
	TotalSize(tenantID uuid.UUID) (int64, error)
}

// LocalStorage implements Storage on a local directory tree.
type LocalStorage struct {
	root string
}

func NewLocalStorage(root string) (*LocalStorage, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &LocalStorage{root: root}, nil
}

func (s *LocalStorage) tenantDir(tenantID uuid.UUID) string {
	return filepath.Join(s.root, tenantID.String())
}

// resolve joins a stored relative path to the tenant directory, rejecting
// anything that would escape it.
func (s *LocalStorage) resolve(tenantID uuid.UUID, path string) (string, error) {
	dir := s.tenantDir(tenantID)
	full := filepath.Join(dir, filepath.Clean("/"+path))
	if full == dir {
		return "", fmt.Errorf("invalid payload path %q", path)
	}
	return full, nil
}

func (s *LocalStorage) Save(tenantID uuid.UUID, name string, data []byte) (string, error) {
	dir := s.tenantDir(tenantID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create tenant dir: %w", err)
	}
	// Prefix with a fresh UUID so colliding upload names never overwrite.
	rel := uuid.NewString() + "_" + filepath.Base(name)
	if err := os.WriteFile(filepath.Join(dir, rel), data, 0o640); err != nil {
		return "", fmt.Errorf("write payload: %w", err)
	}
	return rel, nil
}

func (s *LocalStorage) Exists(tenantID uuid.UUID, path string) bool {
	full, err := s.resolve(tenantID, path)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

func (s *LocalStorage) Read(tenantID uuid.UUID, path string) ([]byte, error) {
	full, err := s.resolve(tenantID, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

func (s *LocalStorage) Delete(tenantID uuid.UUID, path string) error {
	full, err := s.resolve(tenantID, path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete payload: %w", err)
	}
	return nil
}

func (s *LocalStorage) List(tenantID uuid.UUID) ([]FileInfo, error) {
	entries, err := os.ReadDir(s.tenantDir(tenantID))
	if errors.Is(err, fs.ErrNotExist) {
		return []FileInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list payloads: %w", err)
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, FileInfo{Path: e.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
	}
	return infos, nil
}

func (s *LocalStorage) TotalSize(tenantID uuid.UUID) (int64, error) {
	infos, err := s.List(tenantID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, fi := range infos {
		total += fi.Size
	}
	return total, nil
}

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)
