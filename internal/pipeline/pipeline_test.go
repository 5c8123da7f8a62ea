package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tablerelay/internal/blob"
	"github.com/agentworkforce/tablerelay/internal/cache"
	"github.com/agentworkforce/tablerelay/internal/cluster"
	"github.com/agentworkforce/tablerelay/internal/engine"
	"github.com/agentworkforce/tablerelay/internal/engine/enginetest"
	"github.com/agentworkforce/tablerelay/internal/ledger"
	"github.com/agentworkforce/tablerelay/internal/model"
)

var (
	sourceTable = model.TableID{ClusterURI: "https://src.example.net", Database: "srcdb", Table: "Orders"}
	destTable   = model.TableID{ClusterURI: "https://dst.example.net", Database: "dstdb", Table: "Orders"}
)

type harness struct {
	engine   *enginetest.Engine
	store    *blob.MemoryStore
	ledger   *ledger.Ledger
	cache    *cache.Cache
	registry *cluster.Registry
	pipeline *Pipeline
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	ctx := context.Background()
	store := blob.NewMemoryStore(blob.Limits{})
	l, err := ledger.Open(ctx, store, ledger.Options{})
	require.NoError(t, err)
	c := cache.New()
	l.Attach(c)

	fake := enginetest.New()
	reg := cluster.NewRegistry(cluster.Options{
		NewClient: func(string) (engine.Client, error) { return fake, nil },
		Retry:     cluster.RetryPolicy{MaxAttempts: 3},
		Await:     cluster.AwaiterOptions{Period: time.Millisecond, LostAfter: 2},
	})
	t.Cleanup(func() {
		reg.Close()
		_ = l.Close(context.Background())
	})

	if settings.PollInterval == 0 {
		settings.PollInterval = 5 * time.Millisecond
	}
	if settings.IterationDelay == 0 {
		settings.IterationDelay = time.Millisecond
	}
	if len(settings.StorageRoots) == 0 && settings.Staging == nil {
		settings.StorageRoots = []string{"https://staging.example.net/exports"}
	}
	return &harness{
		engine:   fake,
		store:    store,
		ledger:   l,
		cache:    c,
		registry: reg,
		pipeline: New(l, c, reg, settings, zerolog.Nop()),
	}
}

func orders(mode model.ExportMode) model.Activity {
	return model.Activity{Name: "orders", Source: sourceTable, Destination: destTable, Mode: mode}
}

func (h *harness) run(t *testing.T, activities ...model.Activity) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return h.pipeline.Run(ctx, activities, nil)
}

func (h *harness) seed(rows ...int64) int64 {
	var total int64
	for i, n := range rows {
		h.engine.AddExtent(sourceTable, time.Unix(int64(1000+i*10), 0), n)
		total += n
	}
	return total
}

func TestReplicatesHistory(t *testing.T) {
	h := newHarness(t, Settings{RowsPerBlock: 1000, MaxSamples: 2})
	total := h.seed(400, 400, 700, 100, 900)

	require.NoError(t, h.run(t, orders(model.ExportBackfillOnly)))

	assert.Equal(t, total, h.engine.RowCount(destTable))
	assert.Equal(t, total, h.engine.RowCount(sourceTable))

	a, ok := h.cache.Activity("orders")
	require.True(t, ok)
	assert.Equal(t, model.ActivityCompleted, a.State)
	it, ok := h.cache.LatestIteration("orders")
	require.True(t, ok)
	assert.Equal(t, model.IterationCompleted, it.State)
	assert.Empty(t, h.cache.Blocks("orders", it.IterationID))
	_, ok = h.cache.TempTable("orders", it.IterationID)
	assert.False(t, ok)

	for _, x := range h.engine.Extents(destTable) {
		assert.Len(t, x.Tags, 1)
	}
	assert.Equal(t, 1, h.engine.Calls("create-temp-table"))
	assert.GreaterOrEqual(t, h.engine.Calls("export-block"), 4)
}

func TestStagingStoreDelegatesExportURLs(t *testing.T) {
	staging := blob.NewMemoryStore(blob.Limits{})
	h := newHarness(t, Settings{RowsPerBlock: 1000, Staging: staging})
	total := h.seed(500, 500)

	require.NoError(t, h.run(t, orders(model.ExportBackfillOnly)))
	assert.Equal(t, total, h.engine.RowCount(destTable))
}

func TestMissingStagingIsConfigError(t *testing.T) {
	h := newHarness(t, Settings{RowsPerBlock: 1000})
	h.pipeline.settings.StorageRoots = nil
	h.seed(10)

	err := h.run(t, orders(model.ExportBackfillOnly))
	var cfg *ConfigError
	require.ErrorAs(t, err, &cfg)
}

func TestRetryableExportFailureReprocessesBlock(t *testing.T) {
	h := newHarness(t, Settings{RowsPerBlock: 1000})
	total := h.seed(300)
	h.engine.FailNextExports(1, true)

	require.NoError(t, h.run(t, orders(model.ExportBackfillOnly)))
	assert.Equal(t, total, h.engine.RowCount(destTable))
	assert.Equal(t, 2, h.engine.Calls("export-block"))
}

func TestPermanentExportFailureIsFatal(t *testing.T) {
	h := newHarness(t, Settings{RowsPerBlock: 1000})
	h.seed(300)
	h.engine.FailNextExports(1, false)

	err := h.run(t, orders(model.ExportBackfillOnly))
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.True(t, IsFatal(err))
	assert.Zero(t, h.engine.RowCount(destTable))
}

func TestLostIngestionReprocessesBlock(t *testing.T) {
	h := newHarness(t, Settings{RowsPerBlock: 1000})
	total := h.seed(250, 250)
	h.engine.LoseNextIngests(1)

	require.NoError(t, h.run(t, orders(model.ExportBackfillOnly)))
	assert.Equal(t, total, h.engine.RowCount(destTable))
	assert.Equal(t, 3, h.engine.Calls("queue-ingest"))
}

func TestExportRowMismatchIsFatal(t *testing.T) {
	h := newHarness(t, Settings{RowsPerBlock: 1000})
	h.seed(300)
	h.engine.SkewExportedRows(7)

	err := h.run(t, orders(model.ExportBackfillOnly))
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "export", integrity.Stage)
	assert.Equal(t, int64(300), integrity.Expected)
	assert.Equal(t, int64(307), integrity.Actual)

	blocks := h.cache.BlocksInState(model.BlockExporting)
	require.Len(t, blocks, 1)
	assert.Empty(t, h.cache.BlobURLs(blocks[0].Key()))
}

func TestTransientEngineErrorsAreRetried(t *testing.T) {
	h := newHarness(t, Settings{RowsPerBlock: 1000})
	total := h.seed(100, 200)
	h.engine.FailTransiently("move-extents", 4)
	h.engine.FailTransiently("record-distribution", 1)

	require.NoError(t, h.run(t, orders(model.ExportBackfillOnly)))
	assert.Equal(t, total, h.engine.RowCount(destTable))
}

func TestNewOnlySkipsHistory(t *testing.T) {
	h := newHarness(t, Settings{RowsPerBlock: 1000})
	h.seed(100, 200)

	require.NoError(t, h.run(t, orders(model.ExportNewOnly)))
	assert.Zero(t, h.engine.RowCount(destTable))
	a, _ := h.cache.Activity("orders")
	assert.Equal(t, model.ActivityCompleted, a.State)
}

func TestContinuousPicksUpNewData(t *testing.T) {
	h := newHarness(t, Settings{RowsPerBlock: 1000, Continuous: true})
	first := h.seed(100, 200)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx, []model.Activity{orders(model.ExportContinuous)}, nil) }()

	require.Eventually(t, func() bool { return h.engine.RowCount(destTable) == first }, 10*time.Second, 5*time.Millisecond)
	h.engine.AddExtent(sourceTable, time.Unix(5000, 0), 50)
	require.Eventually(t, func() bool { return h.engine.RowCount(destTable) == first+50 }, 10*time.Second, 5*time.Millisecond)

	its := h.cache.Iterations("orders")
	assert.GreaterOrEqual(t, len(its), 2)
	for i := 1; i < len(its); i++ {
		assert.Equal(t, its[i-1].Cursor.End, its[i].Cursor.Start)
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestReloadAddsActivities(t *testing.T) {
	h := newHarness(t, Settings{RowsPerBlock: 1000, Continuous: true})
	h.seed(100)
	other := model.Activity{
		Name:        "returns",
		Source:      sourceTable.WithTable("Returns"),
		Destination: destTable.WithTable("Returns"),
		Mode:        model.ExportBackfillOnly,
	}
	h.engine.AddExtent(other.Source, time.Unix(2000, 0), 40)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reload := make(chan []model.Activity, 1)
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx, []model.Activity{orders(model.ExportContinuous)}, reload) }()

	reload <- []model.Activity{orders(model.ExportContinuous), other}
	require.Eventually(t, func() bool {
		a, ok := h.cache.Activity("returns")
		return ok && a.State == model.ActivityCompleted
	}, 10*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(40), h.engine.RowCount(other.Destination))

	cancel()
	<-done
}

func TestResumesLostOperationAfterRestart(t *testing.T) {
	h := newHarness(t, Settings{RowsPerBlock: 1000})
	total := h.seed(300)
	ctx := context.Background()

	a := orders(model.ExportBackfillOnly)
	a.State = model.ActivityActive
	cursor, err := h.engine.CurrentCursor(ctx, "srcdb")
	require.NoError(t, err)
	it := model.Iteration{ActivityName: "orders", IterationID: 1, State: model.IterationPlanned, Cursor: model.CursorRange{End: cursor}}
	temp := model.TempTable{ActivityName: "orders", IterationID: 1, State: model.TempTableRequired, Name: "Orders_resume"}
	block := model.Block{
		ActivityName:    "orders",
		IterationID:     1,
		BlockID:         1,
		State:           model.BlockPlanned,
		IngestionTime:   model.TimeRange{Start: time.Unix(1000, 0).UTC(), End: time.Unix(1000, 0).UTC()},
		PlannedRowCount: 300,
	}
	records, err := ledger.Records(a, it, temp, block.Exporting("export-from-previous-run"))
	require.NoError(t, err)
	require.NoError(t, h.ledger.Append(ctx, records...))

	require.NoError(t, h.run(t, orders(model.ExportBackfillOnly)))
	assert.Equal(t, total, h.engine.RowCount(destTable))
	assert.Equal(t, 1, h.engine.Calls("export-block"))
}

func TestSyncActivitiesValidates(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()
	var cfg *ConfigError

	err := h.pipeline.SyncActivities(ctx, []model.Activity{orders(""), orders("")})
	require.ErrorAs(t, err, &cfg)

	bad := orders("")
	bad.Source.ClusterURI = "not a uri"
	require.ErrorAs(t, h.pipeline.SyncActivities(ctx, []model.Activity{bad}), &cfg)

	require.NoError(t, h.pipeline.SyncActivities(ctx, []model.Activity{orders(model.ExportContinuous)}))
	a, ok := h.cache.Activity("orders")
	require.True(t, ok)
	assert.Equal(t, model.ActivityActive, a.State)

	moved := orders(model.ExportContinuous)
	moved.Destination = destTable.WithTable("Elsewhere")
	err = h.pipeline.SyncActivities(ctx, []model.Activity{moved})
	require.ErrorAs(t, err, &cfg)
	assert.Contains(t, cfg.Error(), "differs from the ledger")

	require.NoError(t, h.pipeline.SyncActivities(ctx, []model.Activity{orders("")}))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(&IntegrityError{}))
	assert.True(t, IsFatal(errors.Join(errors.New("x"), &ConfigError{Reason: "r"})))
	assert.False(t, IsFatal(errors.New("plain")))
}

func TestActivityMissingFromConfigurationIsFatal(t *testing.T) {
	h := newHarness(t, Settings{RowsPerBlock: 1000})
	h.seed(30)
	require.NoError(t, h.pipeline.SyncActivities(context.Background(), []model.Activity{orders(model.ExportBackfillOnly)}))

	err := h.run(t)
	var cfg *ConfigError
	require.ErrorAs(t, err, &cfg)
	assert.Equal(t, "orders", cfg.Activity)
	assert.True(t, IsFatal(err))
	assert.Zero(t, h.engine.Calls("export-block"))
	assert.Zero(t, h.engine.RowCount(destTable))
}

func TestReloadWithoutActivityKeepsRunning(t *testing.T) {
	h := newHarness(t, Settings{RowsPerBlock: 1000, Continuous: true})
	first := h.seed(100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reload := make(chan []model.Activity, 1)
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx, []model.Activity{orders(model.ExportContinuous)}, reload) }()

	require.Eventually(t, func() bool { return h.engine.RowCount(destTable) == first }, 10*time.Second, 5*time.Millisecond)
	reload <- []model.Activity{}
	h.engine.AddExtent(sourceTable, time.Unix(5000, 0), 20)
	require.Eventually(t, func() bool { return h.engine.RowCount(destTable) == first+20 }, 10*time.Second, 5*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("pipeline stopped after reload: %v", err)
	default:
	}
	cancel()
	<-done
}

func TestVanishedExtentReplansPage(t *testing.T) {
	h := newHarness(t, Settings{RowsPerBlock: 1000})
	total := h.seed(100, 80)
	h.engine.HideExtents(2)

	require.NoError(t, h.run(t, orders(model.ExportBackfillOnly)))
	assert.Equal(t, total, h.engine.RowCount(destTable))
	assert.Equal(t, 3, h.engine.Calls("extent-creation-times"))
}

func TestIngestRowMismatchIsFatal(t *testing.T) {
	h := newHarness(t, Settings{RowsPerBlock: 1000})
	h.seed(50)
	h.engine.SkewIngestedRows(1)

	err := h.run(t, orders(model.ExportBackfillOnly))
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.True(t, IsFatal(err))
	assert.Equal(t, "ingest", integrity.Stage)
	assert.Equal(t, int64(50), integrity.Expected)
	assert.Equal(t, int64(51), integrity.Actual)

	blocks := h.cache.BlocksInState(model.BlockQueued)
	require.Len(t, blocks, 1)
	assert.Empty(t, h.cache.Extents(blocks[0].Key()))
	assert.Zero(t, h.engine.RowCount(destTable))
}

func TestNewOnlyStopsAfterOnePassWhenContinuous(t *testing.T) {
	h := newHarness(t, Settings{RowsPerBlock: 1000, Continuous: true})
	h.seed(100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx, []model.Activity{orders(model.ExportNewOnly)}, nil) }()

	require.Eventually(t, func() bool {
		a, ok := h.cache.Activity("orders")
		return ok && a.State == model.ActivityCompleted
	}, 10*time.Second, 5*time.Millisecond)
	h.engine.AddExtent(sourceTable, time.Unix(5000, 0), 20)
	time.Sleep(50 * time.Millisecond)

	assert.Len(t, h.cache.Iterations("orders"), 1)
	assert.Zero(t, h.engine.RowCount(destTable))
	cancel()
	<-done
}

func TestSettingsDefaults(t *testing.T) {
	s := Settings{}.withDefaults()
	assert.Equal(t, DefaultIterationDelay, s.IterationDelay)
	assert.Equal(t, DefaultPollInterval, s.PollInterval)
	assert.Equal(t, int64(DefaultRowsPerBlock), s.RowsPerBlock)

	s = Settings{IterationDelay: -time.Second}.withDefaults()
	assert.Equal(t, DefaultIterationDelay, s.IterationDelay)
}
