package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentworkforce/tablerelay/internal/cluster"
	"github.com/agentworkforce/tablerelay/internal/engine"
	"github.com/agentworkforce/tablerelay/internal/model"
)

func (p *Pipeline) scanTempTables(_ context.Context, d *dispatcher) error {
	for _, it := range p.cache.OpenIterations() {
		temp, ok := p.cache.TempTable(it.ActivityName, it.IterationID)
		if !ok || temp.State == model.TempTableCreated {
			continue
		}
		d.Go(temp.Key(), func(ctx context.Context) error {
			return p.ensureTempTable(ctx, temp)
		})
	}
	return nil
}

// ensureTempTable records Creating before touching the destination, so a
// table left behind by a crash is dropped and recreated on the next pass.
func (p *Pipeline) ensureTempTable(ctx context.Context, temp model.TempTable) error {
	a, ok := p.activityFor(temp.ActivityName)
	if !ok {
		return nil
	}
	if temp.State == model.TempTableRequired {
		temp = temp.WithState(model.TempTableCreating)
		if err := p.commit(ctx, temp); err != nil {
			return err
		}
	}
	dst, err := p.clusters.Get(ctx, a.Destination.ClusterURI)
	if err != nil {
		return err
	}
	prio := model.IterationPriority(a.Destination, temp.IterationID)
	table := a.Destination.WithTable(temp.Name)
	if err := dst.Gateway.DropTableIfExists(ctx, prio, table); err != nil {
		return err
	}
	if err := dst.Gateway.CreateTempTable(ctx, prio, a.Destination, table); err != nil {
		return err
	}
	if err := p.commit(ctx, temp.WithState(model.TempTableCreated)); err != nil {
		return err
	}
	p.log.Info().Str("activity", a.Name).Int64("iteration", temp.IterationID).Str("table", temp.Name).Msg("temp table created")
	return nil
}

// scanQueueIngest queues ingestion of Exported blocks into the iteration's
// temp table, bounded by the destination's ingestion slots.
func (p *Pipeline) scanQueueIngest(ctx context.Context, d *dispatcher) error {
	exported := p.cache.BlocksInState(model.BlockExported)
	if len(exported) == 0 {
		return nil
	}
	busy := map[string]int{}
	count := func(b model.Block) {
		if a, ok := p.activityFor(b.ActivityName); ok {
			busy[cluster.NormalizeURI(a.Destination.ClusterURI)]++
		}
	}
	for _, b := range p.cache.BlocksInState(model.BlockQueued) {
		count(b)
	}
	for _, b := range exported {
		if d.Busy(b.Key()) {
			count(b)
		}
	}

	for _, b := range exported {
		if d.Busy(b.Key()) {
			continue
		}
		a, ok := p.activityFor(b.ActivityName)
		if !ok {
			continue
		}
		temp, ok := p.cache.TempTable(b.ActivityName, b.IterationID)
		if !ok || temp.State != model.TempTableCreated {
			continue
		}
		c, err := p.clusters.Get(ctx, a.Destination.ClusterURI)
		if err != nil {
			return err
		}
		key := cluster.NormalizeURI(a.Destination.ClusterURI)
		if busy[key] >= c.Ingestions.Capacity() {
			continue
		}
		busy[key]++
		d.Go(b.Key(), func(ctx context.Context) error {
			return p.queueIngest(ctx, c, a, temp, b)
		})
	}
	return nil
}

func (p *Pipeline) queueIngest(ctx context.Context, c *cluster.Cluster, a model.Activity, temp model.TempTable, b model.Block) error {
	urls := p.cache.BlobURLs(b.Key())
	if len(urls) == 0 {
		return &IntegrityError{Block: b.Key(), Stage: "queue-ingest", Detail: "exported block has no blob urls"}
	}
	tag := uuid.NewString()
	prio := model.BlockPriority(a.Destination, b.IterationID, b.BlockID)
	table := a.Destination.WithTable(temp.Name)
	size := p.settings.IngestBatchSize

	var batches []model.Entity
	err := c.Ingestions.Run(ctx, func(ctx context.Context) error {
		for start := 0; start < len(urls); start += size {
			chunk := urls[start:min(start+size, len(urls))]
			blobURLs := make([]string, 0, len(chunk))
			for _, u := range chunk {
				blobURLs = append(blobURLs, u.URL)
			}
			operationID, err := c.Gateway.QueueIngest(ctx, prio, engine.IngestRequest{
				Table:        table,
				BlobURLs:     blobURLs,
				Tag:          tag,
				CreationTime: b.ExtentCreationTime,
			})
			if err != nil {
				return err
			}
			batches = append(batches, model.IngestionBatch{
				ActivityName: b.ActivityName,
				IterationID:  b.IterationID,
				BlockID:      b.BlockID,
				OperationID:  operationID,
				URLCount:     len(chunk),
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.log.Debug().Str("block", b.Key().String()).Int("batches", len(batches)).Str("tag", tag).Msg("ingestion queued")
	return p.advance(ctx, b, b.Queued(tag), batches...)
}

func (p *Pipeline) scanAwaitIngest(_ context.Context, d *dispatcher) error {
	for _, b := range p.cache.BlocksInState(model.BlockQueued) {
		d.Go(b.Key(), func(ctx context.Context) error {
			return p.awaitIngest(ctx, b)
		})
	}
	return nil
}

// awaitIngest waits for every ingestion batch of a block, then checks the
// rows that landed in the temp table under the block's tag.
func (p *Pipeline) awaitIngest(ctx context.Context, b model.Block) error {
	a, ok := p.activityFor(b.ActivityName)
	if !ok {
		return nil
	}
	temp, ok := p.cache.TempTable(b.ActivityName, b.IterationID)
	if !ok {
		return nil
	}
	c, err := p.clusters.Get(ctx, a.Destination.ClusterURI)
	if err != nil {
		return err
	}
	batches := p.cache.Batches(b.Key())
	if len(batches) == 0 {
		return &IntegrityError{Block: b.Key(), Stage: "await-ingest", Detail: "queued block has no ingestion batches"}
	}
	var failed []string
	for _, batch := range batches {
		res, err := c.Awaiter.Wait(ctx, a.Destination.Database, batch.OperationID)
		if err != nil {
			return err
		}
		switch res.Outcome {
		case cluster.OutcomeSucceeded:
		case cluster.OutcomeRetryable, cluster.OutcomeLost:
			failed = append(failed, batch.OperationID+" "+outcomeText(res))
		default:
			return &OperationError{Block: b.Key(), OperationID: batch.OperationID, Status: outcomeText(res)}
		}
	}
	if len(failed) > 0 {
		return p.reprocess(ctx, b, fmt.Sprintf("ingestion %v", failed))
	}

	prio := model.BlockPriority(a.Destination, b.IterationID, b.BlockID)
	counts, err := c.Gateway.ExtentRowCounts(ctx, prio, a.Destination.WithTable(temp.Name), []string{b.BlockTag})
	if err != nil {
		return err
	}
	var total int64
	extents := make([]model.Entity, 0, len(counts))
	for _, x := range counts {
		total += x.RowCount
		extents = append(extents, model.Extent{
			ActivityName: b.ActivityName,
			IterationID:  b.IterationID,
			BlockID:      b.BlockID,
			ExtentID:     x.ExtentID,
			RowCount:     x.RowCount,
		})
	}
	if total != b.ExportedRowCount {
		return &IntegrityError{Block: b.Key(), Stage: "ingest", Expected: b.ExportedRowCount, Actual: total}
	}
	return p.advance(ctx, b, b.WithState(model.BlockIngested), extents...)
}

func (p *Pipeline) scanMove(_ context.Context, d *dispatcher) error {
	for _, b := range p.cache.BlocksInState(model.BlockIngested) {
		d.Go(b.Key(), func(ctx context.Context) error {
			return p.moveBlock(ctx, b)
		})
	}
	return nil
}

// moveBlock moves the block's extents from the temp table into the
// destination. The extents still carrying the block's tag are listed again
// first, so a move interrupted after it reached the engine only moves what
// is left.
func (p *Pipeline) moveBlock(ctx context.Context, b model.Block) error {
	a, ok := p.activityFor(b.ActivityName)
	if !ok {
		return nil
	}
	temp, ok := p.cache.TempTable(b.ActivityName, b.IterationID)
	if !ok {
		return nil
	}
	c, err := p.clusters.Get(ctx, a.Destination.ClusterURI)
	if err != nil {
		return err
	}
	prio := model.BlockPriority(a.Destination, b.IterationID, b.BlockID)
	table := a.Destination.WithTable(temp.Name)
	remaining, err := c.Gateway.ExtentRowCounts(ctx, prio, table, []string{b.BlockTag})
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		ids := make([]string, 0, len(remaining))
		for _, x := range remaining {
			ids = append(ids, x.ExtentID)
		}
		moved, err := c.Gateway.MoveExtents(ctx, prio, table, a.Destination, ids)
		if err != nil {
			return err
		}
		if moved != int64(len(ids)) {
			return fmt.Errorf("%w: moved %d of %d extents of block %s", errRace, moved, len(ids), b.Key())
		}
	}
	return p.advance(ctx, b, b.WithState(model.BlockExtentMoved))
}
