package ledger

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tablerelay/internal/blob"
	"github.com/agentworkforce/tablerelay/internal/model"
)

// latestProjection keeps the latest record per key, in first-seen order.
type latestProjection struct {
	mu    sync.Mutex
	order []model.Key
	byKey map[model.Key]Record
}

func newLatestProjection() *latestProjection {
	return &latestProjection{byKey: map[model.Key]Record{}}
}

func (p *latestProjection) Apply(r Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := r.Key()
	if _, ok := p.byKey[k]; !ok {
		p.order = append(p.order, k)
	}
	p.byKey[k] = r
	return nil
}

func (p *latestProjection) Snapshot() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, 0, len(p.order))
	for _, k := range p.order {
		out = append(out, p.byKey[k])
	}
	return out
}

func blockRecord(t *testing.T, block int64, state model.BlockState) Record {
	t.Helper()
	r, err := FromEntity(model.Block{ActivityName: "orders", IterationID: 1, BlockID: block, State: state, PlannedRowCount: 100})
	require.NoError(t, err)
	return r
}

func openLedger(t *testing.T, store blob.Store, opts Options) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), store, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func TestOpenCreatesVersionedLedger(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(blob.Limits{})
	l := openLedger(t, store, Options{})

	records, err := l.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	raw, err := store.Read(ctx, DefaultName)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "Version,"))
}

func TestLedgerLeaseIsExclusive(t *testing.T) {
	store := blob.NewMemoryStore(blob.Limits{})
	openLedger(t, store, Options{})
	_, err := Open(context.Background(), store, Options{})
	require.ErrorIs(t, err, blob.ErrLeaseHeld)
}

func TestAppendIsDurableAndApplied(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(blob.Limits{})
	l := openLedger(t, store, Options{})
	proj := newLatestProjection()
	l.Attach(proj)

	require.NoError(t, l.Append(ctx, blockRecord(t, 1, model.BlockPlanned), blockRecord(t, 2, model.BlockPlanned)))
	require.NoError(t, l.Append(ctx, blockRecord(t, 1, model.BlockExporting)))
	assert.Len(t, proj.Snapshot(), 2)

	records, err := l.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "Exporting", records[2].State)
	assert.Equal(t, int64(1), records[2].Block)

	entity, err := records[2].Entity()
	require.NoError(t, err)
	block := entity.(model.Block)
	assert.Equal(t, model.BlockExporting, block.State)
	assert.Equal(t, int64(100), block.PlannedRowCount)
}

func TestConcurrentAppendsAreGroupCommitted(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(blob.Limits{})
	l := openLedger(t, store, Options{})
	proj := newLatestProjection()
	l.Attach(proj)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			assert.NoError(t, l.Append(ctx, blockRecord(t, id, model.BlockPlanned)))
		}(int64(i))
	}
	wg.Wait()

	records, err := l.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 50)
	assert.Len(t, proj.Snapshot(), 50)
	assert.LessOrEqual(t, l.Info().Blocks, 51)
}

func TestAppendSplitsAtByteCeiling(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(blob.Limits{MaxAppendBytes: 300})
	l := openLedger(t, store, Options{})

	batch := make([]Record, 0, 10)
	for i := int64(1); i <= 10; i++ {
		batch = append(batch, blockRecord(t, i, model.BlockPlanned))
	}
	require.NoError(t, l.Append(ctx, batch...))
	assert.Greater(t, l.Info().Blocks, 2)

	records, err := l.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 10)
}

func TestCompactionKeepsOnlyLiveSnapshot(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(blob.Limits{})
	l := openLedger(t, store, Options{Archive: true})
	proj := newLatestProjection()
	l.Attach(proj)

	for _, state := range []model.BlockState{model.BlockPlanned, model.BlockExporting, model.BlockExported} {
		require.NoError(t, l.Append(ctx, blockRecord(t, 1, state)))
	}
	require.NoError(t, l.Append(ctx, blockRecord(t, 2, model.BlockPlanned)))

	done, err := l.Compact(ctx)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, 1, l.Info().Blocks)

	records, err := l.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Exported", records[0].State)
	assert.Equal(t, "Planned", records[1].State)

	// Appends after compaction land in the new generation.
	require.NoError(t, l.Append(ctx, blockRecord(t, 2, model.BlockExporting)))
	records, err = l.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	_, err = store.Read(ctx, DefaultName+".compact")
	require.ErrorIs(t, err, blob.ErrNotFound)
}

func TestAutomaticCompactionAtBlockLimit(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(blob.Limits{})
	l := openLedger(t, store, Options{MaxBlocks: 4})
	proj := newLatestProjection()
	l.Attach(proj)

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Append(ctx, blockRecord(t, 1, model.BlockPlanned)))
	}
	require.Eventually(t, func() bool {
		return l.Info().Blocks < 4
	}, 2*time.Second, 5*time.Millisecond)

	records, err := l.LoadAll(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, records)
	for _, r := range records {
		assert.Equal(t, int64(1), r.Block)
	}
}

// blockingStore parks Replace until released so a compaction can be held
// mid-flight.
type blockingStore struct {
	blob.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) Replace(ctx context.Context, name string, data []byte) error {
	if strings.HasSuffix(name, ".compact") {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	return s.Store.Replace(ctx, name, data)
}

func TestConcurrentCompactionRewritesOnce(t *testing.T) {
	ctx := context.Background()
	store := &blockingStore{
		Store:   blob.NewMemoryStore(blob.Limits{}),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	l := openLedger(t, store, Options{})
	l.Attach(newLatestProjection())
	require.NoError(t, l.Append(ctx, blockRecord(t, 1, model.BlockPlanned)))

	first := make(chan bool, 1)
	go func() {
		done, err := l.Compact(ctx)
		assert.NoError(t, err)
		first <- done
	}()
	<-store.entered

	done, err := l.Compact(ctx)
	require.NoError(t, err)
	assert.False(t, done, "second compaction must not rewrite while one runs")

	// Appends wait behind the running compaction.
	appended := make(chan error, 1)
	go func() { appended <- l.Append(ctx, blockRecord(t, 2, model.BlockPlanned)) }()
	select {
	case <-appended:
		t.Fatal("append completed during compaction")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	assert.True(t, <-first)
	require.NoError(t, <-appended)

	records, err := l.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(blob.Limits{})
	now := time.Unix(1700000000, 0)
	l := openLedger(t, store, Options{Archive: true, Now: func() time.Time { return now }})
	l.Attach(newLatestProjection())
	require.NoError(t, l.Append(ctx, blockRecord(t, 1, model.BlockPlanned), blockRecord(t, 1, model.BlockExporting)))

	_, err := l.Compact(ctx)
	require.NoError(t, err)

	archived, err := ReadArchive(ctx, store, "archive/"+DefaultName+".1700000000.csv.zst")
	require.NoError(t, err)
	assert.Len(t, archived, 2)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	_, err := decode([]byte("Version,2024-01-01T00:00:00Z,,,,,9,\n"))
	require.ErrorIs(t, err, ErrUnsupportedVersion)
	_, err = decode([]byte("Block,2024-01-01T00:00:00Z,a,1,1,,Planned,{}\n"))
	require.ErrorIs(t, err, ErrCorrupt)
	_, err = decode(nil)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestOpenDropsPartialRowOfInterruptedAppend(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(blob.Limits{})
	first, err := Open(ctx, store, Options{})
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, blockRecord(t, 1, model.BlockPlanned), blockRecord(t, 2, model.BlockPlanned)))
	require.NoError(t, first.Close(ctx))

	_, err = store.Append(ctx, DefaultName, []byte("Block,2024-01-01T00:00:00Z,orders,1,3,,Pla"))
	require.NoError(t, err)

	l := openLedger(t, store, Options{})
	records, err := l.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.NoError(t, l.Append(ctx, blockRecord(t, 1, model.BlockExporting)))
	records, err = l.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "Exporting", records[2].State)

	raw, err := store.Read(ctx, DefaultName)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), ",Pla")
}

func TestDecodeIgnoresPartialFinalRow(t *testing.T) {
	records, err := decode([]byte("Version,2024-01-01T00:00:00Z,,,,,1,\nActivity,2024-01-01T00:00:00Z,a,,,,Active,{}\nBlock,2024-01-01T00:0"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].Activity)

	_, err = decode([]byte("Versi"))
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestPayloadWithCommasAndQuotesSurvives(t *testing.T) {
	r, err := FromEntity(model.Activity{
		Name:   "a",
		State:  model.ActivityActive,
		Filter: `Region == "eu", Kind in ("x","y")`,
		Mode:   model.ExportContinuous,
	})
	require.NoError(t, err)
	data, err := encodeGeneration(time.Now(), []Record{r})
	require.NoError(t, err)

	records, err := decode(data)
	require.NoError(t, err)
	require.Len(t, records, 1)
	entity, err := records[0].Entity()
	require.NoError(t, err)
	assert.Equal(t, `Region == "eu", Kind in ("x","y")`, entity.(model.Activity).Filter)
}
