package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tablerelay/internal/config"
	"github.com/agentworkforce/tablerelay/internal/engine"
	"github.com/agentworkforce/tablerelay/internal/engine/enginetest"
	"github.com/agentworkforce/tablerelay/internal/model"
)

var (
	sourceTable = model.TableID{ClusterURI: "https://src.example.net", Database: "srcdb", Table: "Orders"}
	destTable   = model.TableID{ClusterURI: "https://dst.example.net", Database: "dstdb", Table: "Orders"}
)

func writeConfig(t *testing.T, dir string, continuous bool) string {
	t.Helper()
	path := filepath.Join(dir, "tablerelay.yaml")
	doc := fmt.Sprintf(`
source: https://src.example.net
destination: https://dst.example.net
continuous: %t
listen: 127.0.0.1:0
ledger: file://%s
storageRoots: [ "https://staging.example.net/exports" ]
activities:
  - name: orders
    source: { database: srcdb, table: Orders }
    destination: { database: dstdb, table: Orders }
    mode: backfill-only
tuning:
  rowsPerBlock: 1000
  pollInterval: 5ms
  awaitPeriod: 1ms
  lostAfter: 2
  maxAttempts: 2
`, continuous, filepath.Join(dir, "ledger"))
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func fakeClients(fake *enginetest.Engine) func(string) (engine.Client, error) {
	return func(string) (engine.Client, error) { return fake, nil }
}

func TestRunReplicatesAndResumesFromLedger(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, false)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	fake := enginetest.New()
	fake.AddExtent(sourceTable, time.Unix(1000, 0), 600)
	fake.AddExtent(sourceTable, time.Unix(1010, 0), 700)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, run(ctx, path, cfg, fakeClients(fake), nil))
	assert.Equal(t, int64(1300), fake.RowCount(destTable))
	exports := fake.Calls("export-block")
	assert.Equal(t, 2, exports)

	// The ledger records the activity as completed, so a second run has
	// nothing to do.
	require.NoError(t, run(ctx, path, cfg, fakeClients(fake), nil))
	assert.Equal(t, exports, fake.Calls("export-block"))
	assert.Equal(t, int64(1300), fake.RowCount(destTable))
}

func TestRunServesStatusUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, true)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	fake := enginetest.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, path, cfg, fakeClients(fake), ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("status server did not start")
	}

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("TABLERELAY_TEST_VALUE", "  set ")
	assert.Equal(t, "set", envOrDefault("TABLERELAY_TEST_VALUE", "fallback"))
	assert.Equal(t, "fallback", envOrDefault("TABLERELAY_TEST_UNSET", "fallback"))
}
