// Package httpapi serves the replicator's status: activities, iterations and
// blocks as JSON, a websocket stream of ledger changes, prometheus metrics
// and a small dashboard.
package httpapi

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/tablerelay/internal/cache"
	"github.com/agentworkforce/tablerelay/internal/model"
)

type ServerConfig struct {
	// Token guards every /v1 route. Empty disables auth.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	// StreamBuffer is how many changes a slow stream client may fall behind
	// before changes are dropped for it.
	StreamBuffer int
	Logger       zerolog.Logger
}

type Server struct {
	cache       *cache.Cache
	cfg         ServerConfig
	router      *mux.Router
	rateLimiter *rateLimiter
	log         zerolog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(c *cache.Cache) *Server {
	return NewServerWithConfig(c, ServerConfig{Logger: zerolog.Nop()})
}

func NewServerWithConfig(c *cache.Cache, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 256
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		cache:       c,
		cfg:         cfg,
		rateLimiter: limiter,
		log:         cfg.Logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/", s.handleDashboard).Methods(http.MethodGet)

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(s.guard)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/activities", s.handleActivities).Methods(http.MethodGet)
	api.HandleFunc("/activities/{name}", s.handleActivity).Methods(http.MethodGet)
	api.HandleFunc("/activities/{name}/iterations", s.handleIterations).Methods(http.MethodGet)
	api.HandleFunc("/activities/{name}/iterations/{iteration:[0-9]+}/blocks", s.handleBlocks).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	// A subrouter answers for its whole prefix, so it needs its own copies.
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	for _, r := range []*mux.Router{router, api} {
		r.NotFoundHandler = notFound
		r.MethodNotAllowedHandler = methodNotAllowed
	}
	return router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// guard applies auth and rate limiting to the API routes.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streaming := r.URL.Path == "/v1/events"
		if authErr := authorizeBearer(r, s.cfg.Token, streaming); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}

type activityView struct {
	Name        string         `json:"name"`
	State       string         `json:"state"`
	Source      model.TableID  `json:"source"`
	Destination model.TableID  `json:"destination"`
	Mode        string         `json:"mode"`
	Filter      string         `json:"filter,omitempty"`
	Latest      *iterationView `json:"latestIteration,omitempty"`
}

type iterationView struct {
	ID              int64             `json:"id"`
	State           string            `json:"state"`
	Cursor          model.CursorRange `json:"cursor"`
	LastPlannedTime *time.Time        `json:"lastPlannedTime,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	TempTable       string            `json:"tempTable,omitempty"`
	TempTableState  string            `json:"tempTableState,omitempty"`
	Blocks          map[string]int    `json:"blocks"`
}

type blockView struct {
	ID                 int64           `json:"id"`
	State              string          `json:"state"`
	IngestionTime      model.TimeRange `json:"ingestionTime"`
	ExtentCreationTime time.Time       `json:"extentCreationTime"`
	PlannedRowCount    int64           `json:"plannedRowCount"`
	ExportedRowCount   int64           `json:"exportedRowCount,omitempty"`
	ExportOperationID  string          `json:"exportOperationId,omitempty"`
	BlockTag           string          `json:"blockTag,omitempty"`
	ReplannedCount     int             `json:"replannedCount,omitempty"`
	BlobURLs           int             `json:"blobUrls"`
	Extents            int             `json:"extents"`
	IngestionBatches   int             `json:"ingestionBatches"`
}

func (s *Server) activityView(a model.Activity) activityView {
	view := activityView{
		Name:        a.Name,
		State:       string(a.State),
		Source:      a.Source,
		Destination: a.Destination,
		Mode:        string(a.Mode),
		Filter:      a.Filter,
	}
	if it, ok := s.cache.LatestIteration(a.Name); ok {
		latest := s.iterationView(it)
		view.Latest = &latest
	}
	return view
}

func (s *Server) iterationView(it model.Iteration) iterationView {
	view := iterationView{
		ID:              it.IterationID,
		State:           string(it.State),
		Cursor:          it.Cursor,
		LastPlannedTime: it.LastPlannedTime,
		CreatedAt:       it.CreatedAt,
		Blocks:          map[string]int{},
	}
	if temp, ok := s.cache.TempTable(it.ActivityName, it.IterationID); ok {
		view.TempTable = temp.Name
		view.TempTableState = string(temp.State)
	}
	for _, b := range s.cache.Blocks(it.ActivityName, it.IterationID) {
		view.Blocks[string(b.State)]++
	}
	return view
}

func (s *Server) blockView(b model.Block) blockView {
	return blockView{
		ID:                 b.BlockID,
		State:              string(b.State),
		IngestionTime:      b.IngestionTime,
		ExtentCreationTime: b.ExtentCreationTime,
		PlannedRowCount:    b.PlannedRowCount,
		ExportedRowCount:   b.ExportedRowCount,
		ExportOperationID:  b.ExportOperationID,
		BlockTag:           b.BlockTag,
		ReplannedCount:     b.ReplannedCount,
		BlobURLs:           len(s.cache.BlobURLs(b.Key())),
		Extents:            len(s.cache.Extents(b.Key())),
		IngestionBatches:   len(s.cache.Batches(b.Key())),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": s.cache.Version()})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	blocks := map[string]int{}
	for state, n := range s.cache.Stats() {
		blocks[string(state)] = n
	}
	activities := map[string]int{}
	for _, a := range s.cache.Activities() {
		activities[string(a.State)]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    s.cache.Version(),
		"activities": activities,
		"openBlocks": blocks,
	})
}

// handleActivities lists activities. With cluster, database and table in
// the query it lists only those replicating that table, as a source unless
// role=destination.
func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	activities, ok := s.activitiesForQuery(w, r)
	if !ok {
		return
	}
	out := make([]activityView, 0, len(activities))
	for _, a := range activities {
		out = append(out, s.activityView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": out})
}

func (s *Server) activitiesForQuery(w http.ResponseWriter, r *http.Request) ([]model.Activity, bool) {
	q := r.URL.Query()
	table := model.TableID{
		ClusterURI: strings.TrimSpace(q.Get("cluster")),
		Database:   strings.TrimSpace(q.Get("database")),
		Table:      strings.TrimSpace(q.Get("table")),
	}
	role := strings.TrimSpace(q.Get("role"))
	if table == (model.TableID{}) && role == "" {
		return s.cache.Activities(), true
	}
	if err := table.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), getCorrelationID(r))
		return nil, false
	}
	switch role {
	case "", "source":
		return s.cache.ActivitiesBySource(table), true
	case "destination":
		return s.cache.ActivitiesByDestination(table), true
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "role must be source or destination", getCorrelationID(r))
		return nil, false
	}
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookupActivity(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.activityView(a))
}

func (s *Server) handleIterations(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookupActivity(w, r)
	if !ok {
		return
	}
	iterations := s.cache.Iterations(a.Name)
	out := make([]iterationView, 0, len(iterations))
	for _, it := range iterations {
		out = append(out, s.iterationView(it))
	}
	writeJSON(w, http.StatusOK, map[string]any{"iterations": out})
}

// handleBlocks lists an iteration's blocks, optionally narrowed by
// ?state=Exporting.
func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookupActivity(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["iteration"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid iteration id", getCorrelationID(r))
		return
	}
	if _, ok := s.cache.Iteration(a.Name, id); !ok {
		writeError(w, http.StatusNotFound, "not_found", "iteration not found", getCorrelationID(r))
		return
	}
	state := model.BlockState(r.URL.Query().Get("state"))
	if state != "" && !state.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown block state", getCorrelationID(r))
		return
	}
	blocks := s.cache.Blocks(a.Name, id)
	out := make([]blockView, 0, len(blocks))
	for _, b := range blocks {
		if state != "" && b.State != state {
			continue
		}
		out = append(out, s.blockView(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": out})
}

func (s *Server) lookupActivity(w http.ResponseWriter, r *http.Request) (model.Activity, bool) {
	a, ok := s.cache.Activity(mux.Vars(r)["name"])
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "activity not found", getCorrelationID(r))
		return model.Activity{}, false
	}
	return a, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
