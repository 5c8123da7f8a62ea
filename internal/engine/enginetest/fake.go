// Package enginetest provides an in-memory engine for tests. Tables hold
// extents; exports and ingests are operations that finish after a set
// number of status polls.
package enginetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/agentworkforce/tablerelay/internal/engine"
	"github.com/agentworkforce/tablerelay/internal/model"
)

type Extent struct {
	ID            string
	IngestionTime time.Time
	CreatedOn     time.Time
	Rows          int64
	Tags          []string
	cursor        int
}

type operation struct {
	id          string
	kind        string
	database    string
	polls       int
	status      engine.OperationStatus
	lost        bool
	blobs       []engine.ExportedBlob
	ingest      *engine.IngestRequest
	ingestRows  int64
	ingestStart time.Time
}

type exportedData struct {
	rows          int64
	ingestionTime time.Time
}

type Engine struct {
	// PollsToComplete is how many status polls an operation stays in progress.
	PollsToComplete int
	Cap             engine.Capacity

	mu          sync.Mutex
	cursor      int
	nextID      int
	tables      map[string][]*Extent
	ops         map[string]*operation
	blobs       map[string]exportedData
	calls       map[string]int
	failExports []bool
	loseIngests int
	rowSkew     int64
	ingestSkew  int64
	hideExtents int
	transient   map[string]int
}

func New() *Engine {
	return &Engine{
		PollsToComplete: 1,
		Cap:             engine.Capacity{Queries: 8, Commands: 4, Exports: 2, Ingestions: 4},
		tables:          map[string][]*Extent{},
		ops:             map[string]*operation{},
		blobs:           map[string]exportedData{},
		calls:           map[string]int{},
		transient:       map[string]int{},
	}
}

var _ engine.Client = (*Engine)(nil)

func tableKey(t model.TableID) string { return t.Database + "/" + t.Table }

func (e *Engine) id(prefix string) string {
	e.nextID++
	return fmt.Sprintf("%s-%d", prefix, e.nextID)
}

// call counts the call and consumes one injected transient failure.
func (e *Engine) call(op string) error {
	e.calls[op]++
	if e.transient[op] > 0 {
		e.transient[op]--
		return &engine.Error{Op: op, StatusCode: 503, Message: "injected", Transient: true}
	}
	return nil
}

// AddExtent appends data to a table and advances the cursor.
func (e *Engine) AddExtent(table model.TableID, ingestionTime time.Time, rows int64) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cursor++
	x := &Extent{
		ID:            e.id("extent"),
		IngestionTime: ingestionTime.UTC(),
		CreatedOn:     ingestionTime.UTC(),
		Rows:          rows,
		cursor:        e.cursor,
	}
	k := tableKey(table)
	e.tables[k] = append(e.tables[k], x)
	return x.ID
}

// AddExtentWithID is AddExtent with a chosen extent id.
func (e *Engine) AddExtentWithID(table model.TableID, id string, ingestionTime time.Time, rows int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cursor++
	k := tableKey(table)
	e.tables[k] = append(e.tables[k], &Extent{ID: id, IngestionTime: ingestionTime.UTC(), CreatedOn: ingestionTime.UTC(), Rows: rows, cursor: e.cursor})
}

func (e *Engine) CreateTable(table model.TableID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tables[tableKey(table)]; !ok {
		e.tables[tableKey(table)] = []*Extent{}
	}
}

func (e *Engine) RowCount(table model.TableID) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var n int64
	for _, x := range e.tables[tableKey(table)] {
		n += x.Rows
	}
	return n
}

func (e *Engine) TableExists(table model.TableID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tables[tableKey(table)]
	return ok
}

func (e *Engine) Extents(table model.TableID) []Extent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Extent, 0, len(e.tables[tableKey(table)]))
	for _, x := range e.tables[tableKey(table)] {
		out = append(out, *x)
	}
	return out
}

func (e *Engine) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// FailNextExports makes the next exports fail; retryable marks them as
// worth retrying.
func (e *Engine) FailNextExports(n int, retryable bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < n; i++ {
		e.failExports = append(e.failExports, retryable)
	}
}

// LoseNextIngests makes the next ingest operations vanish from listings.
func (e *Engine) LoseNextIngests(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loseIngests += n
}

// SkewExportedRows adds delta to the row count reported by export details.
func (e *Engine) SkewExportedRows(delta int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rowSkew = delta
}

// SkewIngestedRows adds delta to the first extent reported by extent row
// counts.
func (e *Engine) SkewIngestedRows(delta int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ingestSkew = delta
}

// HideExtents makes the next n creation time lookups omit the first
// requested extent, as if it had been merged away after the distribution
// was read.
func (e *Engine) HideExtents(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hideExtents += n
}

// FailTransiently makes the next n calls of op return a transient error.
func (e *Engine) FailTransiently(op string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transient[op] += n
}

func cursorValue(c string) int {
	if c == "" {
		return 0
	}
	n, _ := strconv.Atoi(c)
	return n
}

func inCursor(x *Extent, r model.CursorRange) bool {
	if r.Start != "" && x.cursor <= cursorValue(r.Start) {
		return false
	}
	if r.End != "" && x.cursor > cursorValue(r.End) {
		return false
	}
	return true
}

func (e *Engine) CurrentCursor(_ context.Context, _ string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.call("current-cursor"); err != nil {
		return "", err
	}
	return strconv.Itoa(e.cursor), nil
}

func (e *Engine) RecordDistribution(_ context.Context, req engine.DistributionRequest) ([]engine.Sample, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.call("record-distribution"); err != nil {
		return nil, err
	}
	var out []engine.Sample
	for _, x := range e.tables[tableKey(req.Table)] {
		if !inCursor(x, req.Cursor) {
			continue
		}
		if req.After != nil && !x.IngestionTime.After(*req.After) {
			continue
		}
		out = append(out, engine.Sample{IngestionTime: x.IngestionTime, ExtentID: x.ID, RowCount: x.Rows})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].IngestionTime.Equal(out[j].IngestionTime) {
			return out[i].IngestionTime.Before(out[j].IngestionTime)
		}
		return out[i].ExtentID < out[j].ExtentID
	})
	if req.MaxSamples > 0 && len(out) > req.MaxSamples {
		out = out[:req.MaxSamples]
	}
	return out, nil
}

func (e *Engine) ExtentCreationTimes(_ context.Context, table model.TableID, ids []string) (map[string]time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.call("extent-creation-times"); err != nil {
		return nil, err
	}
	wanted := map[string]bool{}
	for _, id := range ids {
		wanted[id] = true
	}
	if e.hideExtents > 0 && len(ids) > 0 {
		e.hideExtents--
		delete(wanted, ids[0])
	}
	out := map[string]time.Time{}
	for _, x := range e.tables[tableKey(table)] {
		if wanted[x.ID] {
			out[x.ID] = x.CreatedOn
		}
	}
	return out, nil
}

func (e *Engine) ExportBlock(_ context.Context, req engine.ExportRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.call("export-block"); err != nil {
		return "", err
	}
	op := &operation{id: e.id("export"), kind: "export", database: req.Table.Database}
	op.status = engine.OperationStatus{OperationID: op.id, State: engine.OperationInProgress}
	if len(e.failExports) > 0 {
		retryable := e.failExports[0]
		e.failExports = e.failExports[1:]
		op.status = engine.OperationStatus{OperationID: op.id, State: engine.OperationFailed, Status: "injected failure", ShouldRetry: retryable}
		op.polls = -1
	}
	for _, x := range e.tables[tableKey(req.Table)] {
		if !inCursor(x, req.Cursor) {
			continue
		}
		if x.IngestionTime.Before(req.IngestionTime.Start) || x.IngestionTime.After(req.IngestionTime.End) {
			continue
		}
		url := fmt.Sprintf("%s/%s/%s.csv.gz", req.StorageRoots[0], op.id, x.ID)
		op.blobs = append(op.blobs, engine.ExportedBlob{URL: url, RowCount: x.Rows})
		e.blobs[url] = exportedData{rows: x.Rows, ingestionTime: x.IngestionTime}
	}
	e.ops[op.id] = op
	return op.id, nil
}

func (e *Engine) ShowOperations(_ context.Context, _ string, ids []string) ([]engine.OperationStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.call("show-operations"); err != nil {
		return nil, err
	}
	var out []engine.OperationStatus
	for _, id := range ids {
		op, ok := e.ops[id]
		if !ok || op.lost {
			continue
		}
		if op.status.State == engine.OperationInProgress {
			op.polls++
			if op.polls >= e.PollsToComplete {
				e.completeLocked(op)
			}
		}
		out = append(out, op.status)
	}
	return out, nil
}

func (e *Engine) completeLocked(op *operation) {
	op.status.State = engine.OperationCompleted
	if op.ingest == nil {
		return
	}
	k := tableKey(op.ingest.Table)
	if _, ok := e.tables[k]; !ok {
		op.status = engine.OperationStatus{OperationID: op.id, State: engine.OperationFailed, Status: "table not found"}
		return
	}
	e.tables[k] = append(e.tables[k], &Extent{
		ID:            e.id("extent"),
		IngestionTime: op.ingestStart,
		CreatedOn:     op.ingest.CreationTime,
		Rows:          op.ingestRows,
		Tags:          []string{op.ingest.Tag},
	})
}

func (e *Engine) ShowExportDetails(_ context.Context, _ string, operationID string) ([]engine.ExportedBlob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.call("show-export-details"); err != nil {
		return nil, err
	}
	op, ok := e.ops[operationID]
	if !ok {
		return nil, &engine.Error{Op: "show-export-details", StatusCode: 404, Message: "operation not found"}
	}
	out := append([]engine.ExportedBlob(nil), op.blobs...)
	if len(out) > 0 && e.rowSkew != 0 {
		out[0].RowCount += e.rowSkew
	}
	return out, nil
}

func (e *Engine) QueueIngest(_ context.Context, req engine.IngestRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.call("queue-ingest"); err != nil {
		return "", err
	}
	op := &operation{id: e.id("ingest"), kind: "ingest", database: req.Table.Database}
	op.status = engine.OperationStatus{OperationID: op.id, State: engine.OperationInProgress}
	reqCopy := req
	reqCopy.BlobURLs = append([]string(nil), req.BlobURLs...)
	op.ingest = &reqCopy
	for _, url := range req.BlobURLs {
		data := e.blobs[url]
		op.ingestRows += data.rows
		if op.ingestStart.IsZero() || data.ingestionTime.Before(op.ingestStart) {
			op.ingestStart = data.ingestionTime
		}
	}
	if e.loseIngests > 0 {
		e.loseIngests--
		op.lost = true
	}
	e.ops[op.id] = op
	return op.id, nil
}

func (e *Engine) ExtentRowCounts(_ context.Context, table model.TableID, tags []string) ([]engine.ExtentRowCount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.call("extent-row-counts"); err != nil {
		return nil, err
	}
	wanted := map[string]bool{}
	for _, t := range tags {
		wanted[t] = true
	}
	var out []engine.ExtentRowCount
	for _, x := range e.tables[tableKey(table)] {
		for _, t := range x.Tags {
			if wanted[t] {
				rows := x.Rows
				if len(out) == 0 {
					rows += e.ingestSkew
				}
				out = append(out, engine.ExtentRowCount{ExtentID: x.ID, Tag: t, RowCount: rows})
				break
			}
		}
	}
	return out, nil
}

func (e *Engine) MoveExtents(_ context.Context, from, to model.TableID, ids []string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.call("move-extents"); err != nil {
		return 0, err
	}
	wanted := map[string]bool{}
	for _, id := range ids {
		wanted[id] = true
	}
	src := e.tables[tableKey(from)]
	kept := src[:0]
	var moved int64
	for _, x := range src {
		if wanted[x.ID] {
			e.cursor++
			x.cursor = e.cursor
			e.tables[tableKey(to)] = append(e.tables[tableKey(to)], x)
			moved++
			continue
		}
		kept = append(kept, x)
	}
	e.tables[tableKey(from)] = kept
	return moved, nil
}

func (e *Engine) DropTableIfExists(_ context.Context, table model.TableID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.call("drop-table"); err != nil {
		return err
	}
	delete(e.tables, tableKey(table))
	return nil
}

func (e *Engine) CreateTempTable(_ context.Context, _, temp model.TableID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.call("create-temp-table"); err != nil {
		return err
	}
	e.tables[tableKey(temp)] = []*Extent{}
	return nil
}

func (e *Engine) Capacity(context.Context) (engine.Capacity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.call("capacity"); err != nil {
		return engine.Capacity{}, err
	}
	return e.Cap, nil
}
