package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/agentworkforce/tablerelay/internal/engine"
	"github.com/agentworkforce/tablerelay/internal/model"
)

func (p *Pipeline) scanPlanning(_ context.Context, d *dispatcher) error {
	for _, it := range p.cache.OpenIterations() {
		if it.State != model.IterationStarting && it.State != model.IterationPlanning {
			continue
		}
		d.Go(it.Key(), func(ctx context.Context) error {
			return p.planIteration(ctx, it.ActivityName, it.IterationID)
		})
	}
	return nil
}

// planIteration pages through the record distribution of the iteration's
// cursor range and records blocks page by page, so an interrupted plan
// resumes after the last planned ingestion time.
func (p *Pipeline) planIteration(ctx context.Context, activity string, iterationID int64) error {
	a, ok := p.activityFor(activity)
	if !ok {
		return nil
	}
	it, ok := p.cache.Iteration(activity, iterationID)
	if !ok {
		return nil
	}
	if it.State == model.IterationStarting {
		it = it.WithState(model.IterationPlanning)
		if err := p.commit(ctx, it); err != nil {
			return err
		}
	}
	if it.State != model.IterationPlanning {
		return nil
	}
	src, err := p.clusters.Get(ctx, a.Source.ClusterURI)
	if err != nil {
		return err
	}
	prio := model.IterationPriority(a.Source, iterationID)
	log := p.log.With().Str("activity", activity).Int64("iteration", iterationID).Logger()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		it, ok = p.cache.Iteration(activity, iterationID)
		if !ok || it.State != model.IterationPlanning {
			return nil
		}
		samples, err := src.Gateway.RecordDistribution(ctx, prio, engine.DistributionRequest{
			Table:      a.Source,
			Filter:     a.Filter,
			Cursor:     it.Cursor,
			After:      it.LastPlannedTime,
			MaxSamples: p.settings.MaxSamples,
		})
		if err != nil {
			return err
		}
		sortSamples(samples)
		lastPage := len(samples) < p.settings.MaxSamples
		if !lastPage {
			trimmed, ok := trimPage(samples)
			if !ok {
				return &ConfigError{
					Activity: activity,
					Reason:   fmt.Sprintf("more than %d samples share ingestion time %s; raise maxSamples", p.settings.MaxSamples, samples[0].IngestionTime),
				}
			}
			samples = trimmed
		}

		var blocks []model.Entity
		if len(samples) > 0 {
			blocks, err = p.planPage(ctx, src.Gateway, prio, a, it, samples)
			if err != nil {
				return err
			}
			it = it.WithLastPlanned(samples[len(samples)-1].IngestionTime)
			log.Debug().Int("samples", len(samples)).Int("blocks", len(blocks)).Msg("planned page")
		}
		if lastPage {
			it = it.WithState(model.IterationPlanned)
		}
		if len(blocks) > 0 || lastPage {
			if err := p.commit(ctx, append([]model.Entity{it}, blocks...)...); err != nil {
				return err
			}
		}
		if lastPage {
			log.Info().Int("blocks", len(p.cache.Blocks(activity, iterationID))).Msg("iteration planned")
			return nil
		}
	}
}

type distributionSource interface {
	ExtentCreationTimes(ctx context.Context, p model.Priority, table model.TableID, extentIDs []string) (map[string]time.Time, error)
}

// planPage turns one page of samples into Planned blocks. Extents merged or
// dropped since the distribution was read fail the page with errRace; the
// page is read again on the next pass.
func (p *Pipeline) planPage(ctx context.Context, src distributionSource, prio model.Priority, a model.Activity, it model.Iteration, samples []engine.Sample) ([]model.Entity, error) {
	ids := uniqueExtents(samples)
	created, err := src.ExtentCreationTimes(ctx, prio, a.Source, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := created[id]; !ok {
			return nil, fmt.Errorf("%w: extent %s of %s is gone", errRace, id, a.Source)
		}
	}

	var nextID int64 = 1
	if existing := p.cache.Blocks(it.ActivityName, it.IterationID); len(existing) > 0 {
		nextID = existing[len(existing)-1].BlockID + 1
	}
	plans := planBlocks(samples, p.settings.RowsPerBlock)
	out := make([]model.Entity, 0, len(plans))
	for i, plan := range plans {
		out = append(out, model.Block{
			ActivityName:       it.ActivityName,
			IterationID:        it.IterationID,
			BlockID:            nextID + int64(i),
			State:              model.BlockPlanned,
			IngestionTime:      plan.IngestionTime,
			ExtentCreationTime: latestCreation(plan.Extents, created),
			PlannedRowCount:    plan.Rows,
		})
	}
	return out, nil
}
