package blob

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// BadgerStore keeps each appended block under its own key so an append is a
// single small write. Leases are TTL keys.
type BadgerStore struct {
	db     *badger.DB
	limits Limits
	mu     sync.Mutex
}

func NewBadgerStore(dir string, limits Limits) (*BadgerStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	return openBadger(badger.DefaultOptions(dir).WithLogger(nil), limits)
}

// NewInMemoryBadgerStore is a badger store that never touches disk.
func NewInMemoryBadgerStore(limits Limits) (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil), limits)
}

func openBadger(opts badger.Options, limits Limits) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, limits: limits.withDefaults()}, nil
}

func (s *BadgerStore) Limits() Limits { return s.limits }

func badgerChunkPrefix(name string) []byte { return []byte("blob/" + name + "\x00") }

func badgerChunkKey(name string, seq int) []byte {
	key := badgerChunkPrefix(name)
	return binary.BigEndian.AppendUint32(key, uint32(seq))
}

func badgerLeaseKey(name string) []byte { return []byte("lease/" + name) }

type badgerChunk struct {
	key  []byte
	data []byte
}

func badgerChunks(txn *badger.Txn, name string, withValues bool) ([]badgerChunk, error) {
	prefix := badgerChunkPrefix(name)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = withValues
	it := txn.NewIterator(opts)
	defer it.Close()
	var chunks []badgerChunk
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		chunk := badgerChunk{key: item.KeyCopy(nil)}
		if withValues {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return nil, err
			}
			chunk.data = v
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func (s *BadgerStore) Read(_ context.Context, name string) ([]byte, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	found := false
	err = s.db.View(func(txn *badger.Txn) error {
		chunks, err := badgerChunks(txn, name, true)
		if err != nil {
			return err
		}
		found = len(chunks) > 0
		for _, c := range chunks {
			out.Write(c.data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return out.Bytes(), nil
}

func (s *BadgerStore) Stat(_ context.Context, name string) (Info, error) {
	name, err := cleanName(name)
	if err != nil {
		return Info{}, err
	}
	var info Info
	err = s.db.View(func(txn *badger.Txn) error {
		info, err = badgerStat(txn, name)
		return err
	})
	if err != nil {
		return Info{}, err
	}
	if info.Blocks == 0 {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return info, nil
}

func badgerStat(txn *badger.Txn, name string) (Info, error) {
	chunks, err := badgerChunks(txn, name, true)
	if err != nil {
		return Info{}, err
	}
	info := Info{Blocks: len(chunks)}
	for _, c := range chunks {
		info.Size += int64(len(c.data))
	}
	return info, nil
}

func (s *BadgerStore) Append(_ context.Context, name string, data []byte) (Info, error) {
	name, err := cleanName(name)
	if err != nil {
		return Info{}, err
	}
	var next Info
	err = s.update(func(txn *badger.Txn) error {
		current, err := badgerStat(txn, name)
		if err != nil {
			return err
		}
		if err := checkAppend(s.limits, current, data); err != nil {
			return err
		}
		if err := txn.Set(badgerChunkKey(name, current.Blocks), data); err != nil {
			return err
		}
		next = Info{Size: current.Size + int64(len(data)), Blocks: current.Blocks + 1}
		return nil
	})
	return next, err
}

func (s *BadgerStore) Replace(_ context.Context, name string, data []byte) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		if err := badgerDeleteChunks(txn, name); err != nil {
			return err
		}
		return txn.Set(badgerChunkKey(name, 0), data)
	})
}

func (s *BadgerStore) Rename(_ context.Context, from, to string) error {
	from, err := cleanName(from)
	if err != nil {
		return err
	}
	to, err = cleanName(to)
	if err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		chunks, err := badgerChunks(txn, from, true)
		if err != nil {
			return err
		}
		if len(chunks) == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, from)
		}
		if err := badgerDeleteChunks(txn, to); err != nil {
			return err
		}
		for i, c := range chunks {
			if err := txn.Set(badgerChunkKey(to, i), c.data); err != nil {
				return err
			}
			if err := txn.Delete(c.key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Delete(_ context.Context, name string) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		return badgerDeleteChunks(txn, name)
	})
}

func badgerDeleteChunks(txn *badger.Txn, name string) error {
	chunks, err := badgerChunks(txn, name, false)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := txn.Delete(c.key); err != nil {
			return err
		}
	}
	return nil
}

// update serializes local writers and retries transactions that lost an
// optimistic conflict.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *BadgerStore) AcquireLease(_ context.Context, name string, ttl time.Duration) (Lease, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerLeaseKey(name))
		if err == nil {
			return fmt.Errorf("%w: %s", ErrLeaseHeld, name)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.SetEntry(badger.NewEntry(badgerLeaseKey(name), []byte(id)).WithTTL(ttl))
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, name)
	}
	if err != nil {
		return nil, err
	}
	return &badgerLease{store: s, name: name, id: id, ttl: ttl}, nil
}

func (s *BadgerStore) DelegatedURL(context.Context, string, Permission, time.Duration) (string, error) {
	return "", fmt.Errorf("%w: delegated urls on badger", ErrNotImplemented)
}

func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type badgerLease struct {
	store *BadgerStore
	name  string
	id    string
	ttl   time.Duration
}

func (l *badgerLease) ID() string { return l.id }

func (l *badgerLease) holder(txn *badger.Txn) (string, error) {
	item, err := txn.Get(badgerLeaseKey(l.name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	return string(v), err
}

func (l *badgerLease) Renew(context.Context) error {
	return l.store.db.Update(func(txn *badger.Txn) error {
		holder, err := l.holder(txn)
		if err != nil {
			return err
		}
		if holder != "" && holder != l.id {
			return fmt.Errorf("%w: %s", ErrLeaseLost, l.name)
		}
		return txn.SetEntry(badger.NewEntry(badgerLeaseKey(l.name), []byte(l.id)).WithTTL(l.ttl))
	})
}

func (l *badgerLease) Release(context.Context) error {
	return l.store.db.Update(func(txn *badger.Txn) error {
		holder, err := l.holder(txn)
		if err != nil || holder != l.id {
			return err
		}
		return txn.Delete(badgerLeaseKey(l.name))
	})
}
