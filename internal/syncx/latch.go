package syncx

import "context"

// Latch is a mutual-exclusion lock with a non-blocking TryLock and a
// context-aware Lock. The zero value is not usable; call NewLatch.
type Latch struct {
	ch chan struct{}
}

func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{}, 1)}
}

func (l *Latch) TryLock() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *Latch) Lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Latch) Unlock() {
	select {
	case <-l.ch:
	default:
		panic("syncx: unlock of unlocked latch")
	}
}

func (l *Latch) Held() bool {
	return len(l.ch) == 1
}
