package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/tablerelay/internal/cache"
	"github.com/agentworkforce/tablerelay/internal/httpapi"
	"github.com/agentworkforce/tablerelay/internal/ledger"
	"github.com/agentworkforce/tablerelay/internal/model"
)

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("TABLERELAY_TEST_FLOAT", "0.35")
	got := floatEnv("TABLERELAY_TEST_FLOAT", 0.1)
	if got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
}

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("TABLERELAY_TEST_FLOAT_BAD", "oops")
	got := floatEnv("TABLERELAY_TEST_FLOAT_BAD", 0.25)
	if got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
}

func TestDurationEnv(t *testing.T) {
	t.Setenv("TABLERELAY_TEST_DURATION", "150ms")
	if got := durationEnv("TABLERELAY_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
	t.Setenv("TABLERELAY_TEST_DURATION", "soon")
	if got := durationEnv("TABLERELAY_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected fallback 1s, got %s", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
}

func TestEventsURL(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8080":       "ws://127.0.0.1:8080/v1/events?snapshot=true",
		"https://relay.example.net/":  "wss://relay.example.net/v1/events?snapshot=true",
		"https://relay.example.net/x": "wss://relay.example.net/x/v1/events?snapshot=true",
	}
	for in, want := range cases {
		got, err := eventsURL(in, true)
		if err != nil {
			t.Fatalf("eventsURL(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("eventsURL(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := eventsURL("ftp://relay.example.net", false); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestFormatEvent(t *testing.T) {
	got := formatEvent(httpapi.Event{
		Type:      "Block",
		Key:       "orders/1/2",
		State:     "Exported",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Snapshot:  true,
	})
	want := "2026-01-02T03:04:05Z Block          orders/1/2 -> Exported (snapshot)"
	if got != want {
		t.Fatalf("formatEvent = %q, want %q", got, want)
	}

	var buf bytes.Buffer
	printer(&buf, true)(httpapi.Event{Type: "Activity", Key: "orders"})
	if !strings.Contains(buf.String(), `"key":"orders"`) {
		t.Fatalf("expected json line, got %q", buf.String())
	}
}

func TestWatchReceivesSnapshot(t *testing.T) {
	c := cache.New()
	records, err := ledger.Records(model.Activity{
		Name:        "orders",
		State:       model.ActivityActive,
		Source:      model.TableID{ClusterURI: "https://src.example.net", Database: "db1", Table: "Orders"},
		Destination: model.TableID{ClusterURI: "https://dst.example.net", Database: "db2", Table: "Orders"},
		Mode:        model.ExportContinuous,
	})
	if err != nil {
		t.Fatalf("encode records: %v", err)
	}
	for _, rec := range records {
		if err := c.Apply(rec); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	server := httptest.NewServer(httpapi.NewServerWithConfig(c, httpapi.ServerConfig{Token: "secret"}))
	defer server.Close()

	streamURL, err := eventsURL(server.URL, true)
	if err != nil {
		t.Fatalf("eventsURL: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := watch(ctx, streamURL, "wrong", func(httpapi.Event) {}); err == nil {
		t.Fatalf("expected dial with a bad token to fail")
	}

	events := make(chan httpapi.Event, 4)
	done := make(chan error, 1)
	go func() { done <- watch(ctx, streamURL, "secret", func(e httpapi.Event) { events <- e }) }()

	select {
	case event := <-events:
		if event.Key != "orders" || event.State != string(model.ActivityActive) || !event.Snapshot {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-ctx.Done():
		t.Fatalf("no event received")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected context error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watch did not return")
	}
}
