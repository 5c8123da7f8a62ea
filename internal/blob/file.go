package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	fileBlocksDir = ".blocks"
	fileLeasesDir = ".leases"
)

// FileStore keeps each blob as a file under root. Block counts live in a
// sidecar tree so they survive restarts; leases are advisory file locks.
type FileStore struct {
	root   string
	limits Limits
	mu     sync.Mutex
}

func NewFileStore(root string, limits Limits) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{root: root, limits: limits.withDefaults()}, nil
}

func (s *FileStore) Limits() Limits { return s.limits }

func (s *FileStore) path(name string) (string, string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", "", err
	}
	if strings.HasPrefix(name, fileBlocksDir) || strings.HasPrefix(name, fileLeasesDir) {
		return "", "", fmt.Errorf("%w: reserved blob name %q", ErrInvalidInput, name)
	}
	return filepath.Join(s.root, filepath.FromSlash(name)), filepath.Join(s.root, fileBlocksDir, filepath.FromSlash(name)), nil
}

func (s *FileStore) Read(_ context.Context, name string) ([]byte, error) {
	p, _, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, err
}

func (s *FileStore) Stat(_ context.Context, name string) (Info, error) {
	p, meta, err := s.path(name)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return statLocked(p, meta, name)
}

func statLocked(p, meta, name string) (Info, error) {
	st, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Info{}, err
	}
	return Info{Size: st.Size(), Blocks: readBlockCount(meta)}, nil
}

func (s *FileStore) Append(_ context.Context, name string, data []byte) (Info, error) {
	p, meta, err := s.path(name)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := statLocked(p, meta, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Info{}, err
	}
	if err := checkAppend(s.limits, current, data); err != nil {
		return Info{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Info{}, err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Info{}, err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return Info{}, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return Info{}, err
	}
	if err := f.Close(); err != nil {
		return Info{}, err
	}
	next := Info{Size: current.Size + int64(len(data)), Blocks: current.Blocks + 1}
	if err := writeFileAtomic(meta, []byte(strconv.Itoa(next.Blocks))); err != nil {
		return Info{}, err
	}
	return next, nil
}

func (s *FileStore) Replace(_ context.Context, name string, data []byte) error {
	p, meta, err := s.path(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(p, data); err != nil {
		return err
	}
	return writeFileAtomic(meta, []byte("1"))
}

func (s *FileStore) Rename(_ context.Context, from, to string) error {
	fromPath, fromMeta, err := s.path(from)
	if err != nil {
		return err
	}
	toPath, toMeta, err := s.path(to)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	blocks := readBlockCount(fromMeta)
	if err := os.MkdirAll(filepath.Dir(toPath), 0o755); err != nil {
		return err
	}
	if err := os.Rename(fromPath, toPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, from)
		}
		return err
	}
	_ = os.Remove(fromMeta)
	return writeFileAtomic(toMeta, []byte(strconv.Itoa(blocks)))
}

func (s *FileStore) Delete(_ context.Context, name string) error {
	p, meta, err := s.path(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(meta); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// AcquireLease takes an exclusive advisory lock that lasts until Release
// or process exit; ttl is not used.
func (s *FileStore) AcquireLease(_ context.Context, name string, _ time.Duration) (Lease, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	p := filepath.Join(s.root, fileLeasesDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	return lockFile(p, name)
}

func (s *FileStore) DelegatedURL(_ context.Context, name string, _ Permission, _ time.Duration) (string, error) {
	p, _, err := s.path(name)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func (s *FileStore) Close() error { return nil }

func readBlockCount(meta string) int {
	raw, err := os.ReadFile(meta)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0
	}
	return n
}

func writeFileAtomic(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}
