package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/agentworkforce/tablerelay/internal/model"
)

// SyncActivities records configured activities the ledger does not know
// yet. An activity whose configuration differs from its ledger entry, or a
// ledger activity missing from the configuration, is a ConfigError.
func (p *Pipeline) SyncActivities(ctx context.Context, desired []model.Activity) error {
	return p.syncActivities(ctx, desired, true)
}

// syncActivities is SyncActivities for a running process when strict is
// false: activities missing from a reloaded configuration are only logged.
func (p *Pipeline) syncActivities(ctx context.Context, desired []model.Activity, strict bool) error {
	seen := make(map[string]struct{}, len(desired))
	var added []model.Entity
	for _, a := range desired {
		if strings.TrimSpace(a.Name) == "" {
			return &ConfigError{Reason: "activity name is required"}
		}
		if _, dup := seen[a.Name]; dup {
			return &ConfigError{Activity: a.Name, Reason: "duplicate activity name"}
		}
		seen[a.Name] = struct{}{}
		if err := a.Source.Validate(); err != nil {
			return &ConfigError{Activity: a.Name, Reason: "source: " + err.Error()}
		}
		if err := a.Destination.Validate(); err != nil {
			return &ConfigError{Activity: a.Name, Reason: "destination: " + err.Error()}
		}
		if a.Mode == "" {
			a.Mode = model.ExportContinuous
		}
		if existing, ok := p.cache.Activity(a.Name); ok {
			if reason := activityMismatch(existing, a); reason != "" {
				return &ConfigError{Activity: a.Name, Reason: "differs from the ledger: " + reason}
			}
			continue
		}
		a.State = model.ActivityActive
		added = append(added, a)
	}
	for _, a := range p.cache.Activities() {
		if _, ok := seen[a.Name]; ok {
			continue
		}
		if strict {
			return &ConfigError{Activity: a.Name, Reason: "in ledger but not in configuration"}
		}
		p.log.Warn().Str("activity", a.Name).Msg("activity in ledger but not in configuration; kept until restart")
	}
	if len(added) == 0 {
		return nil
	}
	if err := p.commit(ctx, added...); err != nil {
		return err
	}
	for _, e := range added {
		p.log.Info().Str("activity", e.Key().Activity).Msg("activity added")
	}
	return nil
}

func activityMismatch(recorded, configured model.Activity) string {
	switch {
	case !recorded.Source.Same(configured.Source):
		return fmt.Sprintf("source %s vs %s", recorded.Source, configured.Source)
	case !recorded.Destination.Same(configured.Destination):
		return fmt.Sprintf("destination %s vs %s", recorded.Destination, configured.Destination)
	case recorded.Mode != configured.Mode:
		return fmt.Sprintf("mode %s vs %s", recorded.Mode, configured.Mode)
	case recorded.Filter != configured.Filter:
		return "filter changed"
	default:
		return ""
	}
}

// iterates reports whether an activity starts another iteration once its
// latest one has completed. backfill-only and new-only stop after one pass.
func (p *Pipeline) iterates(a model.Activity) bool {
	return p.settings.Continuous && a.Mode == model.ExportContinuous
}

func (p *Pipeline) scanIterationStart(ctx context.Context, d *dispatcher) error {
	for _, a := range p.cache.Activities() {
		if a.State != model.ActivityActive {
			continue
		}
		latest, ok := p.cache.LatestIteration(a.Name)
		if ok {
			if latest.State != model.IterationCompleted || !p.iterates(a) {
				continue
			}
			if p.now().Sub(latest.CreatedAt) < p.settings.IterationDelay {
				continue
			}
		}
		d.Go(a.Key(), func(ctx context.Context) error {
			return p.startIteration(ctx, a)
		})
	}
	return nil
}

func (p *Pipeline) startIteration(ctx context.Context, a model.Activity) error {
	latest, hasPrevious := p.cache.LatestIteration(a.Name)
	if hasPrevious && latest.State != model.IterationCompleted {
		return nil
	}
	src, err := p.clusters.Get(ctx, a.Source.ClusterURI)
	if err != nil {
		return err
	}
	cursor, err := src.Gateway.CurrentCursor(ctx, model.TablePriority(a.Source), a.Source.Database)
	if err != nil {
		return err
	}

	it := model.Iteration{
		ActivityName: a.Name,
		IterationID:  1,
		State:        model.IterationStarting,
		Cursor:       model.CursorRange{End: cursor},
		CreatedAt:    p.now().UTC(),
	}
	switch {
	case hasPrevious:
		it.IterationID = latest.IterationID + 1
		it.Cursor.Start = latest.Cursor.End
	case a.Mode == model.ExportNewOnly:
		it.Cursor.Start = cursor
	}
	temp := model.TempTable{
		ActivityName: a.Name,
		IterationID:  it.IterationID,
		State:        model.TempTableRequired,
		Name:         tempTableName(a.Destination.Table, it.IterationID),
	}
	if err := p.commit(ctx, it, temp); err != nil {
		return err
	}
	p.log.Info().
		Str("activity", a.Name).
		Int64("iteration", it.IterationID).
		Str("cursorStart", it.Cursor.Start).
		Str("cursorEnd", it.Cursor.End).
		Msg("iteration started")
	return nil
}

func tempTableName(table string, iteration int64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s_tablerelay_%d_%s", table, iteration, suffix)
}

func (p *Pipeline) scanIterationCompletion(ctx context.Context, d *dispatcher) error {
	for _, it := range p.cache.OpenIterations() {
		if it.State != model.IterationPlanned {
			continue
		}
		temp, ok := p.cache.TempTable(it.ActivityName, it.IterationID)
		if !ok || temp.State != model.TempTableCreated {
			continue
		}
		done := true
		for _, b := range p.cache.Blocks(it.ActivityName, it.IterationID) {
			if b.State != model.BlockExtentMoved {
				done = false
				break
			}
		}
		if !done {
			continue
		}
		d.Go(it.Key(), func(ctx context.Context) error {
			return p.completeIteration(ctx, it, temp)
		})
	}
	return nil
}

func (p *Pipeline) completeIteration(ctx context.Context, it model.Iteration, temp model.TempTable) error {
	a, ok := p.activityFor(it.ActivityName)
	if !ok {
		return nil
	}
	dst, err := p.clusters.Get(ctx, a.Destination.ClusterURI)
	if err != nil {
		return err
	}
	prio := model.IterationPriority(a.Destination, it.IterationID)
	if err := dst.Gateway.DropTableIfExists(ctx, prio, a.Destination.WithTable(temp.Name)); err != nil {
		return err
	}
	current, ok := p.cache.Iteration(it.ActivityName, it.IterationID)
	if !ok || current.State != model.IterationPlanned {
		return nil
	}
	if err := p.commit(ctx, current.WithState(model.IterationCompleted)); err != nil {
		return err
	}
	p.log.Info().Str("activity", it.ActivityName).Int64("iteration", it.IterationID).Msg("iteration completed")
	return nil
}

func (p *Pipeline) scanActivityCompletion(ctx context.Context, d *dispatcher) error {
	for _, a := range p.cache.Activities() {
		if a.State != model.ActivityActive || p.iterates(a) {
			continue
		}
		latest, ok := p.cache.LatestIteration(a.Name)
		if !ok || latest.State != model.IterationCompleted {
			continue
		}
		d.Go(a.Key(), func(ctx context.Context) error {
			if err := p.commit(ctx, a.WithState(model.ActivityCompleted)); err != nil {
				return err
			}
			p.log.Info().Str("activity", a.Name).Msg("activity completed")
			return nil
		})
	}
	return nil
}
