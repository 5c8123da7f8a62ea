// Package blob is the storage capability set the ledger and the staging
// area are built on: append-only writes with per-write and per-blob
// ceilings, atomic replace and rename, leases, and delegated access URLs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("blob not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrLeaseHeld      = errors.New("lease held by another owner")
	ErrLeaseLost      = errors.New("lease lost")
	ErrTooLarge       = errors.New("write exceeds append size ceiling")
	ErrTooManyBlocks  = errors.New("blob reached its block limit")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	DefaultMaxAppendBytes = 4 << 20
	DefaultMaxBlocks      = 50000
)

type Info struct {
	Size   int64
	Blocks int
}

type Limits struct {
	MaxAppendBytes int
	MaxBlocks      int
}

func (l Limits) withDefaults() Limits {
	if l.MaxAppendBytes <= 0 {
		l.MaxAppendBytes = DefaultMaxAppendBytes
	}
	if l.MaxBlocks <= 0 {
		l.MaxBlocks = DefaultMaxBlocks
	}
	return l
}

type Permission string

const (
	PermRead  Permission = "r"
	PermWrite Permission = "w"
)

type Store interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Stat(ctx context.Context, name string) (Info, error)
	// Append adds one block to the end of the blob, creating it if needed.
	Append(ctx context.Context, name string, data []byte) (Info, error)
	// Replace atomically swaps the whole content; the result has one block.
	Replace(ctx context.Context, name string, data []byte) error
	// Rename atomically moves a blob over any existing destination.
	Rename(ctx context.Context, from, to string) error
	Delete(ctx context.Context, name string) error
	AcquireLease(ctx context.Context, name string, ttl time.Duration) (Lease, error)
	DelegatedURL(ctx context.Context, name string, perm Permission, ttl time.Duration) (string, error)
	Limits() Limits
	Close() error
}

type Lease interface {
	ID() string
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// KeepAlive renews lease every interval until ctx ends or a renewal fails,
// in which case onLost is called once. The returned function stops renewal
// and waits for the renewal goroutine to exit.
func KeepAlive(ctx context.Context, lease Lease, interval time.Duration, onLost func(error)) (stop func()) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Renew(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					if onLost != nil {
						onLost(fmt.Errorf("%w: %v", ErrLeaseLost, err))
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidInput
	}
	cleaned := path.Clean("/" + name)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(name, "/") {
		return "", fmt.Errorf("%w: blob name %q", ErrInvalidInput, name)
	}
	return cleaned, nil
}

func limitsFromQuery(q url.Values) (Limits, error) {
	var limits Limits
	if raw := q.Get("maxAppendBytes"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Limits{}, fmt.Errorf("%w: maxAppendBytes=%q", ErrInvalidInput, raw)
		}
		limits.MaxAppendBytes = v
	}
	if raw := q.Get("maxBlocks"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Limits{}, fmt.Errorf("%w: maxBlocks=%q", ErrInvalidInput, raw)
		}
		limits.MaxBlocks = v
	}
	return limits.withDefaults(), nil
}

func checkAppend(limits Limits, current Info, data []byte) error {
	if len(data) > limits.MaxAppendBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(data), limits.MaxAppendBytes)
	}
	if current.Blocks >= limits.MaxBlocks {
		return fmt.Errorf("%w: %d blocks", ErrTooManyBlocks, current.Blocks)
	}
	return nil
}
