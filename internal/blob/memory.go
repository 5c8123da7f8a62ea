package blob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryBlob struct {
	data   []byte
	blocks int
}

type memoryLease struct {
	id      string
	expires time.Time
}

// MemoryStore keeps blobs in process memory. Leases expire on their TTL.
type MemoryStore struct {
	limits Limits
	now    func() time.Time

	mu     sync.Mutex
	blobs  map[string]*memoryBlob
	leases map[string]memoryLease
}

func NewMemoryStore(limits Limits) *MemoryStore {
	return &MemoryStore{
		limits: limits.withDefaults(),
		now:    time.Now,
		blobs:  map[string]*memoryBlob{},
		leases: map[string]memoryLease{},
	}
}

func (s *MemoryStore) Limits() Limits { return s.limits }

func (s *MemoryStore) Read(_ context.Context, name string) ([]byte, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return append([]byte(nil), b.data...), nil
}

func (s *MemoryStore) Stat(_ context.Context, name string) (Info, error) {
	name, err := cleanName(name)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[name]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return Info{Size: int64(len(b.data)), Blocks: b.blocks}, nil
}

func (s *MemoryStore) Append(_ context.Context, name string, data []byte) (Info, error) {
	name, err := cleanName(name)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[name]
	if !ok {
		b = &memoryBlob{}
	}
	if err := checkAppend(s.limits, Info{Size: int64(len(b.data)), Blocks: b.blocks}, data); err != nil {
		return Info{}, err
	}
	b.data = append(b.data, data...)
	b.blocks++
	s.blobs[name] = b
	return Info{Size: int64(len(b.data)), Blocks: b.blocks}, nil
}

func (s *MemoryStore) Replace(_ context.Context, name string, data []byte) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[name] = &memoryBlob{data: append([]byte(nil), data...), blocks: 1}
	return nil
}

func (s *MemoryStore) Rename(_ context.Context, from, to string) error {
	from, err := cleanName(from)
	if err != nil {
		return err
	}
	to, err = cleanName(to)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, from)
	}
	delete(s.blobs, from)
	s.blobs[to] = b
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, name)
	return nil
}

func (s *MemoryStore) AcquireLease(_ context.Context, name string, ttl time.Duration) (Lease, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.leases[name]; ok && s.now().Before(held.expires) {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, name)
	}
	id := uuid.NewString()
	s.leases[name] = memoryLease{id: id, expires: s.now().Add(ttl)}
	return &memoryStoreLease{store: s, name: name, id: id, ttl: ttl}, nil
}

func (s *MemoryStore) DelegatedURL(_ context.Context, name string, perm Permission, ttl time.Duration) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("memory:///%s?perm=%s&ttl=%s", name, perm, ttl), nil
}

func (s *MemoryStore) Close() error { return nil }

type memoryStoreLease struct {
	store *MemoryStore
	name  string
	id    string
	ttl   time.Duration
}

func (l *memoryStoreLease) ID() string { return l.id }

func (l *memoryStoreLease) Renew(context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	held, ok := l.store.leases[l.name]
	if !ok || held.id != l.id {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.name)
	}
	held.expires = l.store.now().Add(l.ttl)
	l.store.leases[l.name] = held
	return nil
}

func (l *memoryStoreLease) Release(context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if held, ok := l.store.leases[l.name]; ok && held.id == l.id {
		delete(l.store.leases, l.name)
	}
	return nil
}
