// Package cluster schedules engine calls per cluster: priority queues sized
// from the cluster's reported capacity, retries with backoff, and batched
// waiting on long-running operations.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/tablerelay/internal/engine"
	"github.com/agentworkforce/tablerelay/internal/model"
	"github.com/agentworkforce/tablerelay/internal/syncx"
)

var ErrRegistryClosed = errors.New("cluster registry closed")

const defaultCapacityTTL = 5 * time.Minute

type ClientFactory func(clusterURI string) (engine.Client, error)

// Ratios scale the capacity a cluster reports into the share this process
// uses. A zero ratio means 1.
type Ratios struct {
	Queries  float64
	Commands float64
	Exports  float64
}

type Options struct {
	NewClient   ClientFactory
	Ratios      Ratios
	CapacityTTL time.Duration
	Retry       RetryPolicy
	Await       AwaiterOptions
	Logger      zerolog.Logger
}

type Cluster struct {
	URI     string
	Gateway *Gateway
	Awaiter *Awaiter
	// Exports bounds concurrent export operations; a slot is held from
	// submission until the operation completes.
	Exports *syncx.ExecQueue
	// Ingestions bounds concurrent queued ingestions the same way.
	Ingestions *syncx.ExecQueue
	Capacity   engine.Capacity
}

func (c *Cluster) close() {
	c.Awaiter.Close()
	c.Gateway.close()
}

type Registry struct {
	opts     Options
	capacity *syncx.Memo[engine.Capacity]

	mu       sync.Mutex
	clusters map[string]*Cluster
	clients  map[string]engine.Client
	closed   bool
}

func NewRegistry(opts Options) *Registry {
	if opts.CapacityTTL <= 0 {
		opts.CapacityTTL = defaultCapacityTTL
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	return &Registry{
		opts:     opts,
		capacity: syncx.NewMemo[engine.Capacity](opts.CapacityTTL),
		clusters: map[string]*Cluster{},
		clients:  map[string]engine.Client{},
	}
}

// NormalizeURI is the form cluster uris are keyed by.
func NormalizeURI(uri string) string {
	return model.NormalizeClusterURI(uri)
}

func (r *Registry) client(uri string) (engine.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if c, ok := r.clients[uri]; ok {
		return c, nil
	}
	if r.opts.NewClient == nil {
		return nil, fmt.Errorf("cluster %s: no client factory configured", uri)
	}
	c, err := r.opts.NewClient(uri)
	if err != nil {
		return nil, fmt.Errorf("cluster %s: %w", uri, err)
	}
	r.clients[uri] = c
	return c, nil
}

// ProbeCapacity returns the cluster's capacity, cached for CapacityTTL.
func (r *Registry) ProbeCapacity(ctx context.Context, uri string) (engine.Capacity, error) {
	uri = NormalizeURI(uri)
	client, err := r.client(uri)
	if err != nil {
		return engine.Capacity{}, err
	}
	return r.capacity.Get(ctx, uri, func(ctx context.Context) (engine.Capacity, error) {
		return Retry(ctx, r.opts.Retry, client.Capacity)
	})
}

// Get returns the cluster for uri, building it on first use.
func (r *Registry) Get(ctx context.Context, uri string) (*Cluster, error) {
	if err := model.ValidateClusterURI(uri); err != nil {
		return nil, err
	}
	uri = NormalizeURI(uri)
	r.mu.Lock()
	if c, ok := r.clusters[uri]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	capacity, err := r.ProbeCapacity(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("probe capacity of %s: %w", uri, err)
	}
	client, err := r.client(uri)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if c, ok := r.clusters[uri]; ok {
		return c, nil
	}
	ratios := r.opts.Ratios
	gw := newGateway(uri, client,
		scaled(capacity.Queries, ratios.Queries),
		scaled(capacity.Commands, ratios.Commands),
		r.opts.Retry)
	awaitOpts := r.opts.Await
	awaitOpts.Cluster = uri
	awaitOpts.Logger = r.opts.Logger.With().Str("cluster", uri).Logger()
	c := &Cluster{
		URI:        uri,
		Gateway:    gw,
		Awaiter:    NewAwaiter(gw.ShowOperations, awaitOpts),
		Exports:    syncx.NewExecQueue(scaled(capacity.Exports, ratios.Exports)),
		Ingestions: syncx.NewExecQueue(scaled(capacity.Ingestions, 1)),
		Capacity:   capacity,
	}
	r.clusters[uri] = c
	r.opts.Logger.Info().
		Str("cluster", uri).
		Int("queries", gw.queries.MaxParallel()).
		Int("commands", gw.commands.MaxParallel()).
		Int("exports", c.Exports.Capacity()).
		Msg("cluster ready")
	return c, nil
}

func scaled(n int, ratio float64) int {
	if ratio <= 0 {
		ratio = 1
	}
	v := int(float64(n) * ratio)
	if v < 1 {
		return 1
	}
	return v
}

// Clusters lists the clusters built so far, ordered by uri.
func (r *Registry) Clusters() []*Cluster {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Cluster, 0, len(r.clusters))
	for _, uri := range slices.Sorted(maps.Keys(r.clusters)) {
		out = append(out, r.clusters[uri])
	}
	return out
}

func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	clusters := make([]*Cluster, 0, len(r.clusters))
	for _, c := range r.clusters {
		clusters = append(clusters, c)
	}
	r.mu.Unlock()
	for _, c := range clusters {
		c.close()
	}
}
