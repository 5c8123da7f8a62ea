package pipeline

import (
	"context"
	"fmt"

	"github.com/agentworkforce/tablerelay/internal/blob"
	"github.com/agentworkforce/tablerelay/internal/cluster"
	"github.com/agentworkforce/tablerelay/internal/engine"
	"github.com/agentworkforce/tablerelay/internal/model"
)

// scanExport submits exports for Planned blocks while the source cluster
// has export slots free. A slot stays taken while its block is Exporting,
// so the count survives restarts.
func (p *Pipeline) scanExport(ctx context.Context, d *dispatcher) error {
	planned := p.cache.BlocksInState(model.BlockPlanned)
	if len(planned) == 0 {
		return nil
	}
	busy := map[string]int{}
	count := func(b model.Block) {
		if a, ok := p.activityFor(b.ActivityName); ok {
			busy[cluster.NormalizeURI(a.Source.ClusterURI)]++
		}
	}
	for _, b := range p.cache.BlocksInState(model.BlockExporting) {
		count(b)
	}
	for _, b := range planned {
		if d.Busy(b.Key()) {
			count(b)
		}
	}

	for _, b := range planned {
		if d.Busy(b.Key()) {
			continue
		}
		a, ok := p.activityFor(b.ActivityName)
		if !ok {
			continue
		}
		c, err := p.clusters.Get(ctx, a.Source.ClusterURI)
		if err != nil {
			return err
		}
		key := cluster.NormalizeURI(a.Source.ClusterURI)
		if busy[key] >= c.Exports.Capacity() {
			continue
		}
		busy[key]++
		d.Go(b.Key(), func(ctx context.Context) error {
			return p.exportBlock(ctx, c, a, b)
		})
	}
	return nil
}

func (p *Pipeline) exportBlock(ctx context.Context, c *cluster.Cluster, a model.Activity, b model.Block) error {
	it, ok := p.cache.Iteration(b.ActivityName, b.IterationID)
	if !ok {
		return nil
	}
	roots, err := p.storageRoots(ctx, b)
	if err != nil {
		return err
	}
	var operationID string
	err = c.Exports.Run(ctx, func(ctx context.Context) error {
		var err error
		operationID, err = c.Gateway.ExportBlock(ctx, model.BlockPriority(a.Source, b.IterationID, b.BlockID), engine.ExportRequest{
			StorageRoots:  roots,
			Table:         a.Source,
			Filter:        a.Filter,
			Cursor:        it.Cursor,
			IngestionTime: b.IngestionTime,
			NamePrefix:    fmt.Sprintf("%s_%d_%d", a.Name, b.IterationID, b.BlockID),
		})
		return err
	})
	if err != nil {
		return err
	}
	p.log.Debug().Str("block", b.Key().String()).Str("operation", operationID).Msg("export submitted")
	return p.advance(ctx, b, b.Exporting(operationID))
}

func (p *Pipeline) storageRoots(ctx context.Context, b model.Block) ([]string, error) {
	if len(p.settings.StorageRoots) > 0 {
		return p.settings.StorageRoots, nil
	}
	if p.settings.Staging == nil {
		return nil, &ConfigError{Reason: "no staging storage configured"}
	}
	name := fmt.Sprintf("%s/%d/%d", b.ActivityName, b.IterationID, b.BlockID)
	url, err := p.settings.Staging.DelegatedURL(ctx, name, blob.PermWrite, p.settings.StagingTTL)
	if err != nil {
		return nil, fmt.Errorf("delegate staging url for %s: %w", name, err)
	}
	return []string{url}, nil
}

func (p *Pipeline) scanAwaitExport(_ context.Context, d *dispatcher) error {
	for _, b := range p.cache.BlocksInState(model.BlockExporting) {
		d.Go(b.Key(), func(ctx context.Context) error {
			return p.awaitExport(ctx, b)
		})
	}
	return nil
}

// awaitExport records the exported blobs once the row counts check out, or
// rolls the block back when the export failed in a retryable way.
func (p *Pipeline) awaitExport(ctx context.Context, b model.Block) error {
	a, ok := p.activityFor(b.ActivityName)
	if !ok {
		return nil
	}
	c, err := p.clusters.Get(ctx, a.Source.ClusterURI)
	if err != nil {
		return err
	}
	res, err := c.Awaiter.Wait(ctx, a.Source.Database, b.ExportOperationID)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case cluster.OutcomeSucceeded:
	case cluster.OutcomeRetryable, cluster.OutcomeLost:
		return p.reprocess(ctx, b, fmt.Sprintf("export %s %s", b.ExportOperationID, outcomeText(res)))
	default:
		return &OperationError{Block: b.Key(), OperationID: b.ExportOperationID, Status: outcomeText(res)}
	}

	prio := model.BlockPriority(a.Source, b.IterationID, b.BlockID)
	blobs, err := c.Gateway.ShowExportDetails(ctx, prio, a.Source.Database, b.ExportOperationID)
	if err != nil {
		return err
	}
	var total int64
	urls := make([]model.Entity, 0, len(blobs))
	for _, exported := range blobs {
		total += exported.RowCount
		urls = append(urls, model.BlobURL{
			ActivityName: b.ActivityName,
			IterationID:  b.IterationID,
			BlockID:      b.BlockID,
			URL:          exported.URL,
			RowCount:     exported.RowCount,
		})
	}
	if total != b.PlannedRowCount {
		return &IntegrityError{Block: b.Key(), Stage: "export", Expected: b.PlannedRowCount, Actual: total}
	}
	return p.advance(ctx, b, b.Exported(total), urls...)
}

func outcomeText(res cluster.OperationResult) string {
	if res.Status.Status != "" {
		return fmt.Sprintf("%s (%s)", res.Outcome, res.Status.Status)
	}
	return string(res.Outcome)
}
