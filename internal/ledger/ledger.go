// Package ledger is the durable, append-only log of entity snapshots. Every
// state change is appended here before anything else acts on it; the
// in-memory projection is rebuilt from it on startup.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/tablerelay/internal/blob"
	"github.com/agentworkforce/tablerelay/internal/metrics"
	"github.com/agentworkforce/tablerelay/internal/syncx"
)

var (
	ErrCorrupt            = errors.New("ledger corrupt")
	ErrUnsupportedVersion = errors.New("unsupported ledger version")
	ErrClosed             = errors.New("ledger closed")
	ErrNoProjection       = errors.New("ledger has no projection attached")
)

const (
	DefaultName     = "tablerelay.csv"
	DefaultLeaseTTL = 60 * time.Second
)

// Projection receives every durable record and produces the live snapshot
// compaction writes back.
type Projection interface {
	Apply(Record) error
	Snapshot() []Record
}

type Options struct {
	Name     string
	LeaseTTL time.Duration
	// MaxBlocks triggers compaction once the blob has this many blocks.
	// Zero means 90% of the store's block limit.
	MaxBlocks int
	// MaxBytes triggers compaction by size. Zero disables it.
	MaxBytes int64
	// Archive keeps a zstd copy of every compacted generation.
	Archive     bool
	OnLeaseLost func(error)
	Logger      zerolog.Logger
	Now         func() time.Time
}

type appendRequest struct {
	records []Record
	done    chan error
}

type Ledger struct {
	store blob.Store
	opts  Options

	lease     blob.Lease
	stopRenew func()

	gate  *syncx.Gate
	latch *syncx.Latch

	projMu sync.RWMutex
	proj   Projection

	queueMu  sync.Mutex
	pending  []*appendRequest
	flushing bool

	writeMu sync.Mutex
	info    blob.Info
	failed  error

	bg sync.WaitGroup
}

func Open(ctx context.Context, store blob.Store, opts Options) (*Ledger, error) {
	if store == nil {
		return nil, blob.ErrInvalidInput
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.MaxBlocks <= 0 {
		opts.MaxBlocks = store.Limits().MaxBlocks * 9 / 10
		if opts.MaxBlocks < 1 {
			opts.MaxBlocks = 1
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	lease, err := store.AcquireLease(ctx, opts.Name+".lease", opts.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire ledger lease: %w", err)
	}
	l := &Ledger{
		store: store,
		opts:  opts,
		lease: lease,
		gate:  syncx.NewGate(),
		latch: syncx.NewLatch(),
	}
	l.stopRenew = blob.KeepAlive(context.WithoutCancel(ctx), lease, opts.LeaseTTL/3, l.leaseLost)

	info, err := store.Stat(ctx, opts.Name)
	switch {
	case errors.Is(err, blob.ErrNotFound):
		initial, encErr := encodeGeneration(opts.Now(), nil)
		if encErr == nil {
			encErr = store.Replace(ctx, opts.Name, initial)
		}
		if encErr != nil {
			l.abort()
			return nil, fmt.Errorf("create ledger: %w", encErr)
		}
		info = blob.Info{Size: int64(len(initial)), Blocks: 1}
		opts.Logger.Info().Str("ledger", opts.Name).Msg("created new ledger")
	case err != nil:
		l.abort()
		return nil, fmt.Errorf("stat ledger: %w", err)
	default:
		if info, err = l.repairTornTail(ctx, info); err != nil {
			l.abort()
			return nil, err
		}
	}
	l.info = info
	metrics.LedgerBlocks.Set(float64(info.Blocks))
	return l, nil
}

func (l *Ledger) abort() {
	l.stopRenew()
	_ = l.lease.Release(context.Background())
}

func (l *Ledger) leaseLost(err error) {
	l.writeMu.Lock()
	l.failed = err
	l.writeMu.Unlock()
	l.opts.Logger.Error().Err(err).Str("ledger", l.opts.Name).Msg("ledger lease lost")
	if l.opts.OnLeaseLost != nil {
		l.opts.OnLeaseLost(err)
	}
}

// repairTornTail cuts a row left partial by an interrupted append, so the
// next append starts on a fresh line.
func (l *Ledger) repairTornTail(ctx context.Context, info blob.Info) (blob.Info, error) {
	data, err := l.store.Read(ctx, l.opts.Name)
	if err != nil {
		return info, fmt.Errorf("read ledger: %w", err)
	}
	keep := completeRows(data)
	if keep == len(data) {
		return info, nil
	}
	l.opts.Logger.Warn().
		Str("ledger", l.opts.Name).
		Int("bytes", len(data)-keep).
		Msg("dropping partial row left by an interrupted append")
	if err := l.store.Replace(ctx, l.opts.Name, data[:keep]); err != nil {
		return info, fmt.Errorf("repair ledger: %w", err)
	}
	info, err = l.store.Stat(ctx, l.opts.Name)
	if err != nil {
		return info, fmt.Errorf("stat ledger: %w", err)
	}
	return info, nil
}

// LoadAll reads every record of the current generation in append order.
func (l *Ledger) LoadAll(ctx context.Context) ([]Record, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	data, err := l.store.Read(ctx, l.opts.Name)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return decode(data)
}

// Attach sets the projection that receives every record appended from now
// on and that compaction snapshots.
func (l *Ledger) Attach(p Projection) {
	l.projMu.Lock()
	defer l.projMu.Unlock()
	l.proj = p
}

func (l *Ledger) projection() Projection {
	l.projMu.RLock()
	defer l.projMu.RUnlock()
	return l.proj
}

// Append makes records durable and then applies them to the projection.
// Concurrent callers share physical writes; no caller returns before its
// records have landed. A write failure leaves the ledger usable but the
// caller must treat its records as not written.
func (l *Ledger) Append(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := l.gate.Wait(ctx); err != nil {
		return err
	}
	now := l.opts.Now().UTC().Round(0)
	stamped := make([]Record, len(records))
	for i, r := range records {
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
		stamped[i] = r
	}
	req := &appendRequest{records: stamped, done: make(chan error, 1)}

	l.queueMu.Lock()
	l.pending = append(l.pending, req)
	if l.flushing {
		l.queueMu.Unlock()
		return <-req.done
	}
	l.flushing = true
	l.queueMu.Unlock()

	l.flush()
	return <-req.done
}

func (l *Ledger) flush() {
	for {
		l.queueMu.Lock()
		batch := l.pending
		l.pending = nil
		if len(batch) == 0 {
			l.flushing = false
			l.queueMu.Unlock()
			return
		}
		l.queueMu.Unlock()

		var records []Record
		for _, req := range batch {
			records = append(records, req.records...)
		}
		err := l.writeAndApply(records)
		if err != nil {
			metrics.LedgerAppends.WithLabelValues("error").Inc()
		} else {
			metrics.LedgerAppends.WithLabelValues("ok").Inc()
			metrics.LedgerRecords.Add(float64(len(records)))
		}
		for _, req := range batch {
			req.done <- err
		}
		if err == nil && l.needsCompaction() {
			l.compactInBackground()
		}
	}
}

func (l *Ledger) writeAndApply(records []Record) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.failed != nil {
		return l.failed
	}
	rows, err := encodeRows(records)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	limit := l.store.Limits().MaxAppendBytes
	var chunk bytes.Buffer
	writeChunk := func() error {
		if chunk.Len() == 0 {
			return nil
		}
		info, err := l.store.Append(ctx, l.opts.Name, chunk.Bytes())
		if err != nil {
			return fmt.Errorf("append ledger: %w", err)
		}
		l.info = info
		chunk.Reset()
		return nil
	}
	for _, row := range rows {
		if len(row) > limit {
			return fmt.Errorf("%w: ledger row of %d bytes", blob.ErrTooLarge, len(row))
		}
		if chunk.Len()+len(row) > limit {
			if err := writeChunk(); err != nil {
				return err
			}
		}
		chunk.Write(row)
	}
	if err := writeChunk(); err != nil {
		return err
	}
	metrics.LedgerBlocks.Set(float64(l.info.Blocks))

	if proj := l.projection(); proj != nil {
		for _, r := range records {
			if err := proj.Apply(r); err != nil {
				return fmt.Errorf("apply %s %s: %w", r.Type, r.Key(), err)
			}
		}
	}
	return nil
}

func (l *Ledger) needsCompaction() bool {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.info.Blocks >= l.opts.MaxBlocks {
		return true
	}
	return l.opts.MaxBytes > 0 && l.info.Size >= l.opts.MaxBytes
}

func (l *Ledger) compactInBackground() {
	l.bg.Add(1)
	go func() {
		defer l.bg.Done()
		if _, err := l.Compact(context.Background()); err != nil {
			l.opts.Logger.Error().Err(err).Str("ledger", l.opts.Name).Msg("automatic compaction failed")
		}
	}()
}

// Compact rewrites the ledger as one record per live entity. It returns
// false without doing anything if another compaction is running. Appends
// wait while it runs.
func (l *Ledger) Compact(ctx context.Context) (bool, error) {
	if !l.latch.TryLock() {
		metrics.LedgerCompactions.WithLabelValues("skipped").Inc()
		return false, nil
	}
	defer l.latch.Unlock()
	proj := l.projection()
	if proj == nil {
		return false, ErrNoProjection
	}

	l.gate.Stop()
	defer l.gate.Go()
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.failed != nil {
		return false, l.failed
	}

	started := l.opts.Now()
	snapshot := proj.Snapshot()
	data, err := encodeGeneration(started, snapshot)
	if err != nil {
		metrics.LedgerCompactions.WithLabelValues("error").Inc()
		return false, err
	}
	var previous []byte
	if l.opts.Archive {
		if previous, err = l.store.Read(ctx, l.opts.Name); err != nil {
			metrics.LedgerCompactions.WithLabelValues("error").Inc()
			return false, fmt.Errorf("read ledger for archive: %w", err)
		}
	}
	compactName := l.opts.Name + ".compact"
	if err := l.store.Replace(ctx, compactName, data); err != nil {
		metrics.LedgerCompactions.WithLabelValues("error").Inc()
		return false, fmt.Errorf("write compacted ledger: %w", err)
	}
	if err := l.store.Rename(ctx, compactName, l.opts.Name); err != nil {
		metrics.LedgerCompactions.WithLabelValues("error").Inc()
		return false, fmt.Errorf("swap compacted ledger: %w", err)
	}
	before := l.info
	l.info = blob.Info{Size: int64(len(data)), Blocks: 1}
	metrics.LedgerBlocks.Set(1)
	metrics.LedgerCompactions.WithLabelValues("ok").Inc()

	if previous != nil {
		if err := l.archive(ctx, started, previous); err != nil {
			l.opts.Logger.Warn().Err(err).Str("ledger", l.opts.Name).Msg("archiving previous ledger generation failed")
		}
	}
	l.opts.Logger.Info().
		Str("ledger", l.opts.Name).
		Int("blocks_before", before.Blocks).
		Int64("bytes_before", before.Size).
		Int("records", len(snapshot)).
		Dur("took", l.opts.Now().Sub(started)).
		Msg("ledger compacted")
	return true, nil
}

func (l *Ledger) archive(ctx context.Context, at time.Time, data []byte) error {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()
	compressed := enc.EncodeAll(data, nil)
	name := path.Join("archive", fmt.Sprintf("%s.%d.csv.zst", l.opts.Name, at.Unix()))
	return l.store.Replace(ctx, name, compressed)
}

// ReadArchive decompresses an archived generation.
func ReadArchive(ctx context.Context, store blob.Store, name string) ([]Record, error) {
	compressed, err := store.Read(ctx, name)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return decode(data)
}

func (l *Ledger) Info() blob.Info {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.info
}

func (l *Ledger) Name() string { return l.opts.Name }

// Close waits for background compaction, then releases the lease.
func (l *Ledger) Close(ctx context.Context) error {
	l.bg.Wait()
	l.writeMu.Lock()
	if l.failed == nil {
		l.failed = ErrClosed
	}
	l.writeMu.Unlock()
	l.stopRenew()
	return l.lease.Release(ctx)
}
