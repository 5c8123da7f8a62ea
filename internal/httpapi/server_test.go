package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/tablerelay/internal/cache"
	"github.com/agentworkforce/tablerelay/internal/ledger"
	"github.com/agentworkforce/tablerelay/internal/model"
)

var (
	srcTable = model.TableID{ClusterURI: "https://src.example.net", Database: "db1", Table: "Orders"}
	dstTable = model.TableID{ClusterURI: "https://dst.example.net", Database: "db2", Table: "Orders"}
)

func apply(t *testing.T, c *cache.Cache, entities ...model.Entity) {
	t.Helper()
	records, err := ledger.Records(entities...)
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, c.Apply(r))
	}
}

func seededCache(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New()
	block := func(id int64, state model.BlockState) model.Block {
		return model.Block{ActivityName: "orders", IterationID: 1, BlockID: id, State: state, PlannedRowCount: 100}
	}
	apply(t, c,
		model.Activity{Name: "orders", State: model.ActivityActive, Source: srcTable, Destination: dstTable, Mode: model.ExportContinuous},
		model.Iteration{ActivityName: "orders", IterationID: 1, State: model.IterationPlanned, Cursor: model.CursorRange{End: "c1"}},
		model.TempTable{ActivityName: "orders", IterationID: 1, State: model.TempTableCreated, Name: "Orders_tablerelay_1_abc"},
		block(1, model.BlockPlanned),
		block(2, model.BlockPlanned),
		block(3, model.BlockPlanned).Exporting("op-3"),
		model.BlobURL{ActivityName: "orders", IterationID: 1, BlockID: 3, URL: "https://blob/3", RowCount: 100},
	)
	return c
}

type request struct {
	method  string
	path    string
	headers map[string]string
}

func doRequest(t *testing.T, handler http.Handler, req request) *httptest.ResponseRecorder {
	t.Helper()
	if req.method == "" {
		req.method = http.MethodGet
	}
	r := httptest.NewRequest(req.method, req.path, nil)
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dst), rec.Body.String())
}

func TestHealthIsOpen(t *testing.T) {
	server := NewServerWithConfig(cache.New(), ServerConfig{Token: "secret", Logger: zerolog.Nop()})
	rec := doRequest(t, server, request{path: "/health"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	server := NewServerWithConfig(seededCache(t), ServerConfig{Token: "secret", Logger: zerolog.Nop()})

	rec := doRequest(t, server, request{path: "/v1/activities"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, server, request{path: "/v1/activities", headers: map[string]string{"Authorization": "Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, server, request{path: "/v1/activities?access_token=secret"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "query tokens are only accepted on the stream")

	rec = doRequest(t, server, request{path: "/v1/activities", headers: map[string]string{"Authorization": "Bearer secret"}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestActivitiesAndIterations(t *testing.T) {
	server := NewServer(seededCache(t))

	rec := doRequest(t, server, request{path: "/v1/activities"})
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Activities []activityView `json:"activities"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Activities, 1)
	got := list.Activities[0]
	assert.Equal(t, "orders", got.Name)
	assert.Equal(t, string(model.ActivityActive), got.State)
	assert.Equal(t, srcTable, got.Source)
	require.NotNil(t, got.Latest)
	assert.Equal(t, int64(1), got.Latest.ID)
	assert.Equal(t, map[string]int{"Planned": 2, "Exporting": 1}, got.Latest.Blocks)
	assert.Equal(t, "Orders_tablerelay_1_abc", got.Latest.TempTable)

	rec = doRequest(t, server, request{path: "/v1/activities/orders/iterations"})
	require.Equal(t, http.StatusOK, rec.Code)
	var iterations struct {
		Iterations []iterationView `json:"iterations"`
	}
	decode(t, rec, &iterations)
	require.Len(t, iterations.Iterations, 1)
	assert.Equal(t, "c1", iterations.Iterations[0].Cursor.End)

	rec = doRequest(t, server, request{path: "/v1/activities/missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActivitiesFilterByTable(t *testing.T) {
	server := NewServer(seededCache(t))
	names := func(path string) []string {
		rec := doRequest(t, server, request{path: path})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var list struct {
			Activities []activityView `json:"activities"`
		}
		decode(t, rec, &list)
		out := []string{}
		for _, a := range list.Activities {
			out = append(out, a.Name)
		}
		return out
	}

	assert.Equal(t, []string{"orders"}, names("/v1/activities?cluster=https://SRC.example.net/&database=db1&table=Orders"))
	assert.Empty(t, names("/v1/activities?cluster=https://src.example.net&database=db1&table=Orders&role=destination"))
	assert.Equal(t, []string{"orders"}, names("/v1/activities?cluster=https://dst.example.net&database=db2&table=Orders&role=destination"))
	assert.Empty(t, names("/v1/activities?cluster=https://src.example.net&database=db1&table=Returns"))

	rec := doRequest(t, server, request{path: "/v1/activities?database=db1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(t, server, request{path: "/v1/activities?cluster=https://src.example.net&database=db1&table=Orders&role=both"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBlocksFilterByState(t *testing.T) {
	server := NewServer(seededCache(t))

	rec := doRequest(t, server, request{path: "/v1/activities/orders/iterations/1/blocks?state=Exporting"})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Blocks []blockView `json:"blocks"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Blocks, 1)
	assert.Equal(t, int64(3), body.Blocks[0].ID)
	assert.Equal(t, "op-3", body.Blocks[0].ExportOperationID)
	assert.Equal(t, 1, body.Blocks[0].BlobURLs)

	rec = doRequest(t, server, request{path: "/v1/activities/orders/iterations/1/blocks?state=Bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, server, request{path: "/v1/activities/orders/iterations/9/blocks"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	server := NewServer(seededCache(t))
	rec := doRequest(t, server, request{path: "/v1/stats"})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Activities map[string]int `json:"activities"`
		OpenBlocks map[string]int `json:"openBlocks"`
	}
	decode(t, rec, &body)
	assert.Equal(t, map[string]int{"Active": 1}, body.Activities)
	assert.Equal(t, 2, body.OpenBlocks["Planned"])
}

func TestUnknownRouteAndMethod(t *testing.T) {
	server := NewServer(cache.New())
	assert.Equal(t, http.StatusNotFound, doRequest(t, server, request{path: "/v1/nope"}).Code)
	assert.Equal(t, http.StatusNotFound, doRequest(t, server, request{path: "/nope"}).Code)

	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/activities"})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Body.String(), "method_not_allowed")
	assert.Equal(t, http.StatusMethodNotAllowed, doRequest(t, server, request{method: http.MethodDelete, path: "/v1/activities/orders"}).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, doRequest(t, server, request{method: http.MethodPost, path: "/health"}).Code)
}

func TestRateLimit(t *testing.T) {
	server := NewServerWithConfig(cache.New(), ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Hour, Logger: zerolog.Nop()})
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, doRequest(t, server, request{path: "/v1/stats"}).Code)
	}
	rec := doRequest(t, server, request{path: "/v1/stats"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestMetricsEndpoint(t *testing.T) {
	rec := doRequest(t, NewServer(cache.New()), request{path: "/metrics"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDashboard(t *testing.T) {
	rec := doRequest(t, NewServer(cache.New()), request{path: "/"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/v1/events")
}

func TestEventStream(t *testing.T) {
	c := seededCache(t)
	httpServer := httptest.NewServer(NewServerWithConfig(c, ServerConfig{Token: "secret", Logger: zerolog.Nop()}))
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/events?snapshot=true"
	_, _, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err, "unauthenticated upgrade is rejected")

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer secret"}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	snapshot := len(c.Snapshot())
	for i := 0; i < snapshot; i++ {
		var event Event
		require.NoError(t, wsjson.Read(ctx, conn, &event))
		assert.True(t, event.Snapshot)
	}

	apply(t, c, model.Block{ActivityName: "orders", IterationID: 1, BlockID: 1, State: model.BlockPlanned, PlannedRowCount: 100}.Exporting("op-1"))
	var event Event
	require.NoError(t, wsjson.Read(ctx, conn, &event))
	assert.False(t, event.Snapshot)
	assert.Equal(t, string(model.KindBlock), event.Type)
	assert.Equal(t, "orders/1/1", event.Key)
	assert.Equal(t, string(model.BlockExporting), event.State)
}
