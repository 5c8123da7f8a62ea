package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tablerelay/internal/engine"
	"github.com/agentworkforce/tablerelay/internal/engine/enginetest"
	"github.com/agentworkforce/tablerelay/internal/model"
)

func noDelay(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts}
}

func transientErr() error {
	return &engine.Error{Op: "test", StatusCode: 503, Transient: true}
}

func TestRetryRetriesTransientFailures(t *testing.T) {
	calls := 0
	err := noDelay(5).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return transientErr()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := &engine.Error{Op: "test", StatusCode: 400}
	err := noDelay(5).Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	var retries []int
	policy := noDelay(4)
	policy.OnRetry = func(attempt int, _ time.Duration, _ error) { retries = append(retries, attempt) }
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return transientErr()
	})
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	assert.Equal(t, 4, calls)
	assert.Equal(t, []int{1, 2, 3}, retries)
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Hour}
	calls := 0
	err := policy.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return transientErr()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.retryDelay(0, 0))
	assert.Equal(t, 2*time.Second, p.retryDelay(1, 0))
	assert.Equal(t, 64*time.Second, p.retryDelay(6, 0))
	assert.Equal(t, 120*time.Second, p.retryDelay(7, 0))
	assert.Equal(t, 5*time.Second, p.retryDelay(0, 5*time.Second))
	assert.Equal(t, 120*time.Second, p.retryDelay(0, time.Hour))
	assert.Equal(t, time.Duration(0), noDelay(3).retryDelay(4, 0))
}

type scriptedLister struct {
	mu      sync.Mutex
	calls   [][]string
	release bool
	respond func(ids []string, released bool) []engine.OperationStatus
}

func (l *scriptedLister) list(_ context.Context, _ string, ids []string) ([]engine.OperationStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, append([]string(nil), ids...))
	return l.respond(ids, l.release), nil
}

func (l *scriptedLister) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func TestAwaiterBatchesPendingOperations(t *testing.T) {
	lister := &scriptedLister{respond: func(ids []string, released bool) []engine.OperationStatus {
		out := make([]engine.OperationStatus, 0, len(ids))
		for _, id := range ids {
			state := engine.OperationInProgress
			if released {
				state = engine.OperationCompleted
			}
			out = append(out, engine.OperationStatus{OperationID: id, State: state})
		}
		return out
	}}
	a := NewAwaiter(lister.list, AwaiterOptions{Period: 5 * time.Millisecond, LostAfter: 3})
	t.Cleanup(a.Close)

	results := make(chan OperationResult, 3)
	for _, id := range []string{"op-c", "op-a", "op-b"} {
		go func(id string) {
			res, err := a.Wait(context.Background(), "db", id)
			if err == nil {
				results <- res
			}
		}(id)
	}
	require.Eventually(t, func() bool { return a.Pending() == 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		lister.mu.Lock()
		defer lister.mu.Unlock()
		return len(lister.calls) > 0 && len(lister.calls[len(lister.calls)-1]) == 3
	}, time.Second, time.Millisecond)

	lister.mu.Lock()
	before := len(lister.calls)
	lister.release = true
	lister.mu.Unlock()

	for i := 0; i < 3; i++ {
		select {
		case res := <-results:
			assert.Equal(t, OutcomeSucceeded, res.Outcome)
		case <-time.After(2 * time.Second):
			t.Fatal("operation was not resolved")
		}
	}
	assert.Equal(t, before+1, lister.callCount())
	lister.mu.Lock()
	assert.Equal(t, []string{"op-a", "op-b", "op-c"}, lister.calls[len(lister.calls)-1])
	lister.mu.Unlock()
	assert.Zero(t, a.Pending())
}

func TestAwaiterDeclaresMissingOperationsLost(t *testing.T) {
	lister := &scriptedLister{respond: func([]string, bool) []engine.OperationStatus { return nil }}
	a := NewAwaiter(lister.list, AwaiterOptions{Period: time.Millisecond, LostAfter: 2})
	t.Cleanup(a.Close)

	res, err := a.Wait(context.Background(), "db", "gone")
	require.NoError(t, err)
	assert.Equal(t, OutcomeLost, res.Outcome)
	assert.Equal(t, 2, lister.callCount())
}

func TestAwaiterCancelAndClose(t *testing.T) {
	lister := &scriptedLister{respond: func(ids []string, _ bool) []engine.OperationStatus {
		return []engine.OperationStatus{{OperationID: ids[0], State: engine.OperationInProgress}}
	}}
	a := NewAwaiter(lister.list, AwaiterOptions{Period: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Wait(ctx, "db", "slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	a.Close()
	_, err = a.Wait(context.Background(), "db", "after-close")
	require.ErrorIs(t, err, ErrAwaiterClosed)
}

func TestClassify(t *testing.T) {
	cases := map[Outcome]engine.OperationStatus{
		OutcomeSucceeded: {State: engine.OperationCompleted},
		OutcomeRetryable: {State: engine.OperationFailed, ShouldRetry: true},
		OutcomePermanent: {State: engine.OperationFailed},
	}
	for want, status := range cases {
		assert.Equal(t, want, classify(status), status.State)
	}
	assert.Equal(t, OutcomeRetryable, classify(engine.OperationStatus{State: engine.OperationThrottled}))
	assert.Equal(t, OutcomePermanent, classify(engine.OperationStatus{State: engine.OperationAbandoned}))
}

func newTestRegistry(t *testing.T, fake *enginetest.Engine) (*Registry, *atomic.Int32) {
	t.Helper()
	var built atomic.Int32
	r := NewRegistry(Options{
		NewClient: func(string) (engine.Client, error) {
			built.Add(1)
			return fake, nil
		},
		Ratios: Ratios{Queries: 0.5, Commands: 1, Exports: 1},
		Retry:  noDelay(3),
		Await:  AwaiterOptions{Period: time.Millisecond},
	})
	t.Cleanup(r.Close)
	return r, &built
}

func TestRegistryBuildsClusterOnce(t *testing.T) {
	fake := enginetest.New()
	r, built := newTestRegistry(t, fake)
	ctx := context.Background()

	var wg sync.WaitGroup
	clusters := make([]*Cluster, 8)
	for i := range clusters {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.Get(ctx, "https://Src.example.net/")
			if err == nil {
				clusters[i] = c
			}
		}(i)
	}
	wg.Wait()
	for _, c := range clusters {
		require.NotNil(t, c)
		assert.Same(t, clusters[0], c)
	}
	assert.Equal(t, int32(1), built.Load())
	assert.Equal(t, 1, fake.Calls("capacity"))

	c := clusters[0]
	assert.Equal(t, "https://src.example.net", c.URI)
	assert.Equal(t, 4, c.Gateway.queries.MaxParallel())
	assert.Equal(t, 4, c.Gateway.commands.MaxParallel())
	assert.Equal(t, 2, c.Exports.Capacity())
	assert.Len(t, r.Clusters(), 1)
}

func TestRegistryRejectsBadURI(t *testing.T) {
	r, _ := newTestRegistry(t, enginetest.New())
	_, err := r.Get(context.Background(), "ftp://nope")
	require.Error(t, err)
}

func TestGatewayRetriesTransientCalls(t *testing.T) {
	fake := enginetest.New()
	table := model.TableID{ClusterURI: "https://src.example.net", Database: "db", Table: "T"}
	fake.AddExtent(table, time.Unix(100, 0), 10)
	fake.FailTransiently("current-cursor", 2)
	r, _ := newTestRegistry(t, fake)

	c, err := r.Get(context.Background(), table.ClusterURI)
	require.NoError(t, err)
	cursor, err := c.Gateway.CurrentCursor(context.Background(), model.TablePriority(table), "db")
	require.NoError(t, err)
	assert.Equal(t, "1", cursor)
	assert.Equal(t, 3, fake.Calls("current-cursor"))

	fake.FailTransiently("drop-table", 5)
	err = c.Gateway.DropTableIfExists(context.Background(), model.TablePriority(table), table)
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	assert.Equal(t, 3, fake.Calls("drop-table"))
}

func TestClusterAwaiterUsesGateway(t *testing.T) {
	fake := enginetest.New()
	table := model.TableID{ClusterURI: "https://src.example.net", Database: "db", Table: "T"}
	fake.AddExtent(table, time.Unix(100, 0), 10)
	r, _ := newTestRegistry(t, fake)
	c, err := r.Get(context.Background(), table.ClusterURI)
	require.NoError(t, err)

	op, err := c.Gateway.ExportBlock(context.Background(), model.TablePriority(table), engine.ExportRequest{
		StorageRoots:  []string{"memory://staging"},
		Table:         table,
		IngestionTime: model.TimeRange{Start: time.Unix(0, 0), End: time.Unix(200, 0)},
	})
	require.NoError(t, err)
	res, err := c.Awaiter.Wait(context.Background(), "db", op)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.GreaterOrEqual(t, fake.Calls("show-operations"), 1)
}

func TestRegistryClosed(t *testing.T) {
	r, _ := newTestRegistry(t, enginetest.New())
	r.Close()
	_, err := r.Get(context.Background(), "https://x.example.net")
	require.True(t, errors.Is(err, ErrRegistryClosed))
}
