package cluster

import (
	"context"
	"time"

	"github.com/agentworkforce/tablerelay/internal/engine"
	"github.com/agentworkforce/tablerelay/internal/metrics"
	"github.com/agentworkforce/tablerelay/internal/model"
	"github.com/agentworkforce/tablerelay/internal/syncx"
)

// Gateway mediates every engine call to one cluster. Queries and control
// commands go through separate priority queues; retries back off outside
// the queue so a sleeping call never holds a slot.
type Gateway struct {
	uri      string
	client   engine.Client
	queries  *syncx.PriorityQueue[model.Priority]
	commands *syncx.PriorityQueue[model.Priority]
	retry    RetryPolicy
}

func newGateway(uri string, client engine.Client, queries, commands int, retry RetryPolicy) *Gateway {
	return &Gateway{
		uri:      uri,
		client:   client,
		queries:  syncx.NewPriorityQueue[model.Priority](queries, model.PriorityLess),
		commands: syncx.NewPriorityQueue[model.Priority](commands, model.PriorityLess),
		retry:    retry,
	}
}

func (g *Gateway) URI() string { return g.uri }

func (g *Gateway) close() {
	g.queries.Close()
	g.commands.Close()
}

func call[T any](ctx context.Context, g *Gateway, q *syncx.PriorityQueue[model.Priority], queue string, p model.Priority, op string, fn func(context.Context) (T, error)) (T, error) {
	depth := metrics.QueueDepth.WithLabelValues(g.uri, queue)
	return Retry(ctx, g.retry, func(ctx context.Context) (T, error) {
		depth.Set(float64(q.Pending() + 1))
		v, err := syncx.RunValue(ctx, q, p, func(ctx context.Context) (T, error) {
			started := time.Now()
			v, err := fn(ctx)
			metrics.RemoteCallDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
			return v, err
		})
		depth.Set(float64(q.Pending()))
		switch {
		case err == nil:
			metrics.RemoteCalls.WithLabelValues(op, "ok").Inc()
		case engine.IsTransient(err):
			metrics.RemoteCalls.WithLabelValues(op, "retry").Inc()
		default:
			metrics.RemoteCalls.WithLabelValues(op, "error").Inc()
		}
		return v, err
	})
}

func (g *Gateway) command(ctx context.Context, p model.Priority, op string, fn func(context.Context) error) error {
	_, err := call(ctx, g, g.commands, "command", p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (g *Gateway) CurrentCursor(ctx context.Context, p model.Priority, database string) (string, error) {
	return call(ctx, g, g.queries, "query", p, "current-cursor", func(ctx context.Context) (string, error) {
		return g.client.CurrentCursor(ctx, database)
	})
}

func (g *Gateway) RecordDistribution(ctx context.Context, p model.Priority, req engine.DistributionRequest) ([]engine.Sample, error) {
	return call(ctx, g, g.queries, "query", p, "record-distribution", func(ctx context.Context) ([]engine.Sample, error) {
		return g.client.RecordDistribution(ctx, req)
	})
}

func (g *Gateway) ExtentCreationTimes(ctx context.Context, p model.Priority, table model.TableID, extentIDs []string) (map[string]time.Time, error) {
	return call(ctx, g, g.queries, "query", p, "extent-creation-times", func(ctx context.Context) (map[string]time.Time, error) {
		return g.client.ExtentCreationTimes(ctx, table, extentIDs)
	})
}

func (g *Gateway) ExportBlock(ctx context.Context, p model.Priority, req engine.ExportRequest) (string, error) {
	return call(ctx, g, g.commands, "command", p, "export-block", func(ctx context.Context) (string, error) {
		return g.client.ExportBlock(ctx, req)
	})
}

// ShowOperations is a maintenance call and always runs ahead of data work.
func (g *Gateway) ShowOperations(ctx context.Context, database string, operationIDs []string) ([]engine.OperationStatus, error) {
	return call(ctx, g, g.commands, "command", model.Priority{}, "show-operations", func(ctx context.Context) ([]engine.OperationStatus, error) {
		return g.client.ShowOperations(ctx, database, operationIDs)
	})
}

func (g *Gateway) ShowExportDetails(ctx context.Context, p model.Priority, database, operationID string) ([]engine.ExportedBlob, error) {
	return call(ctx, g, g.commands, "command", p, "show-export-details", func(ctx context.Context) ([]engine.ExportedBlob, error) {
		return g.client.ShowExportDetails(ctx, database, operationID)
	})
}

func (g *Gateway) QueueIngest(ctx context.Context, p model.Priority, req engine.IngestRequest) (string, error) {
	return call(ctx, g, g.commands, "command", p, "queue-ingest", func(ctx context.Context) (string, error) {
		return g.client.QueueIngest(ctx, req)
	})
}

func (g *Gateway) ExtentRowCounts(ctx context.Context, p model.Priority, table model.TableID, tags []string) ([]engine.ExtentRowCount, error) {
	return call(ctx, g, g.commands, "command", p, "extent-row-counts", func(ctx context.Context) ([]engine.ExtentRowCount, error) {
		return g.client.ExtentRowCounts(ctx, table, tags)
	})
}

func (g *Gateway) MoveExtents(ctx context.Context, p model.Priority, from, to model.TableID, extentIDs []string) (int64, error) {
	return call(ctx, g, g.commands, "command", p, "move-extents", func(ctx context.Context) (int64, error) {
		return g.client.MoveExtents(ctx, from, to, extentIDs)
	})
}

func (g *Gateway) DropTableIfExists(ctx context.Context, p model.Priority, table model.TableID) error {
	return g.command(ctx, p, "drop-table", func(ctx context.Context) error {
		return g.client.DropTableIfExists(ctx, table)
	})
}

func (g *Gateway) CreateTempTable(ctx context.Context, p model.Priority, template, temp model.TableID) error {
	return g.command(ctx, p, "create-temp-table", func(ctx context.Context) error {
		return g.client.CreateTempTable(ctx, template, temp)
	})
}
