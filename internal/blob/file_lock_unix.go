//go:build unix

package blob

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

type fileLease struct {
	name string
	id   string
	f    *os.File
}

func lockFile(p, name string) (Lease, error) {
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, name)
		}
		return nil, err
	}
	id := uuid.NewString()
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(id), 0)
	}
	return &fileLease{name: name, id: id, f: f}, nil
}

func (l *fileLease) ID() string { return l.id }

func (l *fileLease) Renew(context.Context) error {
	if l.f == nil {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.name)
	}
	if _, err := l.f.Stat(); err != nil {
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	return nil
}

func (l *fileLease) Release(context.Context) error {
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return f.Close()
}
