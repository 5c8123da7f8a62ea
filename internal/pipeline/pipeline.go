// Package pipeline drives replication. Each runner watches the cache for
// entities in one state, performs the remote work that advances them and
// appends the resulting transitions to the ledger:
//
//	Planned -> Exporting -> Exported -> Queued -> Ingested -> ExtentMoved
//
// Everything a runner knows comes from the cache, so a restarted process
// resumes from whatever the ledger last recorded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/tablerelay/internal/blob"
	"github.com/agentworkforce/tablerelay/internal/cache"
	"github.com/agentworkforce/tablerelay/internal/cluster"
	"github.com/agentworkforce/tablerelay/internal/engine"
	"github.com/agentworkforce/tablerelay/internal/ledger"
	"github.com/agentworkforce/tablerelay/internal/metrics"
	"github.com/agentworkforce/tablerelay/internal/model"
)

const (
	DefaultRowsPerBlock    = 1_000_000
	DefaultMaxSamples      = 10_000
	DefaultPollInterval    = 5 * time.Second
	DefaultIngestBatchSize = 100
	DefaultIterationDelay  = time.Minute
	DefaultStagingTTL      = 24 * time.Hour
)

// Ledger is the durable side of the pipeline. Records appended here are
// applied to the cache before Append returns.
type Ledger interface {
	Append(ctx context.Context, records ...ledger.Record) error
}

type Clusters interface {
	Get(ctx context.Context, clusterURI string) (*cluster.Cluster, error)
}

type Settings struct {
	RowsPerBlock    int64
	MaxSamples      int
	PollInterval    time.Duration
	IngestBatchSize int
	// IterationDelay is the minimum time between the starts of two
	// iterations of one activity.
	IterationDelay time.Duration
	Continuous     bool
	// StorageRoots are handed to exports as is. When empty, a write URL is
	// delegated from Staging for every block.
	StorageRoots []string
	Staging      blob.Store
	StagingTTL   time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.RowsPerBlock <= 0 {
		s.RowsPerBlock = DefaultRowsPerBlock
	}
	if s.MaxSamples <= 0 {
		s.MaxSamples = DefaultMaxSamples
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.IngestBatchSize <= 0 {
		s.IngestBatchSize = DefaultIngestBatchSize
	}
	if s.IterationDelay <= 0 {
		s.IterationDelay = DefaultIterationDelay
	}
	if s.StagingTTL <= 0 {
		s.StagingTTL = DefaultStagingTTL
	}
	return s
}

type Pipeline struct {
	ledger   Ledger
	cache    *cache.Cache
	clusters Clusters
	settings Settings
	log      zerolog.Logger
	now      func() time.Time
}

func New(l Ledger, c *cache.Cache, clusters Clusters, settings Settings, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		ledger:   l,
		cache:    c,
		clusters: clusters,
		settings: settings.withDefaults(),
		log:      logger,
		now:      time.Now,
	}
}

type runner struct {
	name string
	scan scanFunc
}

func (p *Pipeline) runners() []runner {
	return []runner{
		{"iteration-start", p.scanIterationStart},
		{"planning", p.scanPlanning},
		{"temp-table", p.scanTempTables},
		{"export", p.scanExport},
		{"await-export", p.scanAwaitExport},
		{"queue-ingest", p.scanQueueIngest},
		{"await-ingest", p.scanAwaitIngest},
		{"move", p.scanMove},
		{"iteration-completion", p.scanIterationCompletion},
		{"activity-completion", p.scanActivityCompletion},
	}
}

// Run syncs the configured activities and drives them until every activity
// is completed, a fatal error occurs or ctx ends. Activity lists received on
// reload are synced while running.
func (p *Pipeline) Run(ctx context.Context, desired []model.Activity, reload <-chan []model.Activity) error {
	if err := p.SyncActivities(ctx, desired); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range p.runners() {
		g.Go(func() error { return p.runLoop(gctx, r.name, r.scan) })
	}

	watchCtx, stopWatch := context.WithCancel(gctx)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		p.watchReloads(watchCtx, reload)
	}()

	err := g.Wait()
	stopWatch()
	<-watched
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *Pipeline) watchReloads(ctx context.Context, reload <-chan []model.Activity) {
	if reload == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case desired, ok := <-reload:
			if !ok {
				return
			}
			if err := p.syncActivities(ctx, desired, false); err != nil {
				p.log.Error().Err(err).Msg("reloaded configuration rejected")
			}
		}
	}
}

// finished reports whether there is nothing left to do: every activity is
// completed and the process is not running continuously.
func (p *Pipeline) finished() bool {
	if p.settings.Continuous {
		return false
	}
	for _, a := range p.cache.Activities() {
		if a.State != model.ActivityCompleted {
			return false
		}
	}
	return true
}

type scanFunc func(ctx context.Context, d *dispatcher) error

// dispatcher runs at most one piece of work per key at a time.
type dispatcher struct {
	ctx   context.Context
	group *errgroup.Group
	log   zerolog.Logger

	mu       sync.Mutex
	inflight map[model.Key]struct{}
}

func (d *dispatcher) Go(key model.Key, work func(context.Context) error) bool {
	d.mu.Lock()
	if _, busy := d.inflight[key]; busy {
		d.mu.Unlock()
		return false
	}
	d.inflight[key] = struct{}{}
	d.mu.Unlock()

	d.group.Go(func() error {
		defer func() {
			d.mu.Lock()
			delete(d.inflight, key)
			d.mu.Unlock()
		}()
		err := work(d.ctx)
		if err == nil || d.ctx.Err() != nil {
			return err
		}
		if engine.IsTransient(err) || errors.Is(err, errRace) {
			d.log.Warn().Err(err).Str("key", key.String()).Msg("work failed; will retry")
			return nil
		}
		return fmt.Errorf("%s: %w", key, err)
	})
	return true
}

func (d *dispatcher) Busy(key model.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, busy := d.inflight[key]
	return busy
}

func (d *dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

func (p *Pipeline) runLoop(ctx context.Context, name string, scan scanFunc) error {
	log := p.log.With().Str("runner", name).Logger()
	g, gctx := errgroup.WithContext(ctx)
	d := &dispatcher{ctx: gctx, group: g, log: log, inflight: map[model.Key]struct{}{}}
	g.Go(func() error {
		for {
			since := p.cache.Version()
			if err := scan(gctx, d); err != nil {
				if engine.IsTransient(err) && gctx.Err() == nil {
					log.Warn().Err(err).Msg("scan failed; will retry")
				} else {
					return fmt.Errorf("%s: %w", name, err)
				}
			}
			if p.finished() && d.Len() == 0 {
				return nil
			}
			if _, err := p.cache.Wait(gctx, since, p.settings.PollInterval); err != nil {
				return err
			}
		}
	})
	return g.Wait()
}

// errRace marks a lost race with the remote side that a later pass resolves.
var errRace = errors.New("remote state changed underneath")

// commit appends the entities as one durable write.
func (p *Pipeline) commit(ctx context.Context, entities ...model.Entity) error {
	records, err := ledger.Records(entities...)
	if err != nil {
		return err
	}
	if err := p.ledger.Append(ctx, records...); err != nil {
		return fmt.Errorf("append to ledger: %w", err)
	}
	for _, e := range entities {
		if b, ok := e.(model.Block); ok {
			metrics.BlockTransitions.WithLabelValues(string(b.State)).Inc()
		}
	}
	return nil
}

// checkTransition rejects block updates that move backwards, except the
// rollback of an in-flight export or ingestion to Planned.
func checkTransition(from, to model.Block) error {
	if to.State.Rank() > from.State.Rank() {
		return nil
	}
	if to.State == model.BlockPlanned && (from.State == model.BlockExporting || from.State == model.BlockQueued) {
		return nil
	}
	return &IntegrityError{Block: from.Key(), Stage: "transition", Detail: fmt.Sprintf("%s cannot move to %s", from.State, to.State)}
}

// advance commits a block transition together with any child entities,
// provided the block is still in the state the caller worked from.
func (p *Pipeline) advance(ctx context.Context, from, to model.Block, children ...model.Entity) error {
	current, ok := p.cache.Block(from.Key())
	if !ok || current.State != from.State {
		return nil
	}
	if err := checkTransition(current, to); err != nil {
		return err
	}
	return p.commit(ctx, append(children, to)...)
}

// reprocess rolls a block back to Planned after a failed or lost operation.
func (p *Pipeline) reprocess(ctx context.Context, b model.Block, reason string) error {
	p.log.Warn().
		Str("block", b.Key().String()).
		Str("state", string(b.State)).
		Int("replanned", b.ReplannedCount+1).
		Msg("block rolled back to planned: " + reason)
	if err := p.advance(ctx, b, b.Reprocess()); err != nil {
		return err
	}
	metrics.BlockReprocessed.Inc()
	return nil
}

func (p *Pipeline) activityFor(name string) (model.Activity, bool) {
	a, ok := p.cache.Activity(name)
	if !ok || a.State != model.ActivityActive {
		return model.Activity{}, false
	}
	return a, true
}
