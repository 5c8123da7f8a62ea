package cluster

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/tablerelay/internal/engine"
	"github.com/agentworkforce/tablerelay/internal/metrics"
)

const (
	defaultAwaitPeriod = 10 * time.Second
	defaultLostAfter   = 3
)

var ErrAwaiterClosed = errors.New("awaiter closed")

type Outcome string

const (
	OutcomeSucceeded Outcome = "Succeeded"
	// OutcomeRetryable is a failed operation the engine marked as worth retrying.
	OutcomeRetryable Outcome = "Retryable"
	OutcomePermanent Outcome = "Permanent"
	// OutcomeLost is an operation that stopped appearing in status listings.
	OutcomeLost Outcome = "Lost"
)

type OperationResult struct {
	OperationID string
	Outcome     Outcome
	Status      engine.OperationStatus
}

// StatusLister lists operation states; unknown ids are omitted.
type StatusLister func(ctx context.Context, database string, operationIDs []string) ([]engine.OperationStatus, error)

type AwaiterOptions struct {
	Period    time.Duration
	LostAfter int
	Cluster   string
	Logger    zerolog.Logger
}

// Awaiter tracks long-running operations on one cluster. All pending
// operations are resolved by a single status listing per database per
// period, however many callers are waiting.
type Awaiter struct {
	list StatusLister
	opts AwaiterOptions

	mu      sync.Mutex
	pending map[string]*awaited
	running bool
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

type awaited struct {
	database string
	misses   int
	refs     int
	done     chan struct{}
	result   OperationResult
}

func NewAwaiter(list StatusLister, opts AwaiterOptions) *Awaiter {
	if opts.Period <= 0 {
		opts.Period = defaultAwaitPeriod
	}
	if opts.LostAfter <= 0 {
		opts.LostAfter = defaultLostAfter
	}
	return &Awaiter{
		list:    list,
		opts:    opts,
		pending: map[string]*awaited{},
		stop:    make(chan struct{}),
	}
}

// Wait blocks until the operation finishes, is declared lost, or ctx ends.
// Concurrent waits on the same id share one entry.
func (a *Awaiter) Wait(ctx context.Context, database, operationID string) (OperationResult, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return OperationResult{}, ErrAwaiterClosed
	}
	w, ok := a.pending[operationID]
	if !ok {
		w = &awaited{database: database, done: make(chan struct{})}
		a.pending[operationID] = w
		metrics.AwaiterPending.WithLabelValues(a.opts.Cluster).Inc()
	}
	w.refs++
	if !a.running {
		a.running = true
		a.wg.Add(1)
		go a.loop()
	}
	a.mu.Unlock()

	select {
	case <-w.done:
		return w.result, nil
	case <-a.stop:
		return OperationResult{}, ErrAwaiterClosed
	case <-ctx.Done():
		a.abandon(operationID, w)
		return OperationResult{}, ctx.Err()
	}
}

// abandon forgets an operation once nobody waits for it any more.
func (a *Awaiter) abandon(operationID string, w *awaited) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w.refs--
	if w.refs == 0 && a.pending[operationID] == w {
		delete(a.pending, operationID)
		metrics.AwaiterPending.WithLabelValues(a.opts.Cluster).Dec()
	}
}

func (a *Awaiter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Awaiter) loop() {
	defer a.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-a.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	timer := time.NewTimer(a.opts.Period)
	defer timer.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-timer.C:
		}
		a.poll(ctx)

		a.mu.Lock()
		if len(a.pending) == 0 || a.closed {
			a.running = false
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()
		timer.Reset(a.opts.Period)
	}
}

func (a *Awaiter) poll(ctx context.Context) {
	a.mu.Lock()
	byDatabase := map[string][]string{}
	for id, w := range a.pending {
		byDatabase[w.database] = append(byDatabase[w.database], id)
	}
	a.mu.Unlock()

	for database, ids := range byDatabase {
		slices.Sort(ids)
		statuses, err := a.list(ctx, database, ids)
		if err != nil {
			metrics.AwaiterPolls.WithLabelValues("error").Inc()
			if ctx.Err() == nil {
				a.opts.Logger.Warn().Err(err).Str("database", database).Int("pending", len(ids)).Msg("operation status poll failed")
			}
			continue
		}
		metrics.AwaiterPolls.WithLabelValues("ok").Inc()
		a.resolve(ids, statuses)
	}
}

func (a *Awaiter) resolve(ids []string, statuses []engine.OperationStatus) {
	seen := make(map[string]engine.OperationStatus, len(statuses))
	for _, s := range statuses {
		seen[s.OperationID] = s
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		w, ok := a.pending[id]
		if !ok {
			continue
		}
		status, listed := seen[id]
		switch {
		case !listed:
			w.misses++
			if w.misses < a.opts.LostAfter {
				continue
			}
			w.result = OperationResult{OperationID: id, Outcome: OutcomeLost}
		case !status.Done():
			w.misses = 0
			continue
		default:
			w.result = OperationResult{OperationID: id, Outcome: classify(status), Status: status}
		}
		delete(a.pending, id)
		metrics.AwaiterPending.WithLabelValues(a.opts.Cluster).Dec()
		close(w.done)
	}
}

func classify(status engine.OperationStatus) Outcome {
	switch {
	case status.Succeeded():
		return OutcomeSucceeded
	case status.ShouldRetry, status.State == engine.OperationThrottled:
		return OutcomeRetryable
	default:
		return OutcomePermanent
	}
}

// Close fails every pending wait and stops polling.
func (a *Awaiter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.stop)
	a.mu.Unlock()
	a.wg.Wait()
}
