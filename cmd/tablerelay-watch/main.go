package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/tablerelay/internal/httpapi"
	"github.com/agentworkforce/tablerelay/internal/logging"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("TABLERELAY_WATCH_URL", "http://127.0.0.1:8080"), "tablerelay status server URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("TABLERELAY_API_TOKEN")), "bearer token")
	activity := flag.String("activity", strings.TrimSpace(os.Getenv("TABLERELAY_WATCH_ACTIVITY")), "only show events of this activity")
	snapshot := flag.Bool("snapshot", false, "print the current state before live events")
	jsonOut := flag.Bool("json", false, "print events as JSON lines")
	reconnect := flag.Duration("reconnect", durationEnv("TABLERELAY_WATCH_RECONNECT", 2*time.Second), "delay before reconnecting")
	reconnectJitter := flag.Float64("reconnect-jitter", floatEnv("TABLERELAY_WATCH_RECONNECT_JITTER", 0.2), "reconnect jitter ratio (0.0-1.0)")
	once := flag.Bool("once", false, "exit when the stream ends instead of reconnecting")
	flag.Parse()

	logging.Setup(logging.OptionsFromEnv())
	logger := logging.Component("watch")

	streamURL, err := eventsURL(*baseURL, *snapshot)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid base url")
	}
	if *reconnect <= 0 {
		*reconnect = 2 * time.Second
	}
	*reconnectJitter = clampJitterRatio(*reconnectJitter)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	emit := printer(os.Stdout, *jsonOut)
	handle := func(event httpapi.Event) {
		if *activity != "" && event.Activity != *activity {
			return
		}
		emit(event)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		err := watch(rootCtx, streamURL, strings.TrimSpace(*token), handle)
		switch {
		case rootCtx.Err() != nil:
			return
		case err != nil:
			logger.Warn().Err(err).Msg("event stream ended")
		default:
			logger.Info().Msg("event stream closed by server")
		}
		if *once {
			if err != nil {
				os.Exit(1)
			}
			return
		}
		select {
		case <-rootCtx.Done():
			return
		case <-time.After(jitteredIntervalWithSample(*reconnect, *reconnectJitter, rng.Float64())):
		}
	}
}

// watch reads the event stream until it closes or ctx ends. A normal close
// by the server returns nil.
func watch(ctx context.Context, streamURL, token string, handle func(httpapi.Event)) error {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, resp, err := websocket.Dial(ctx, streamURL, opts)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", streamURL, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", streamURL, err)
	}
	defer conn.CloseNow()

	for {
		var event httpapi.Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return err
		}
		handle(event)
	}
}

func eventsURL(base string, snapshot bool) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("host is required")
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/v1/events"
	query := parsed.Query()
	if snapshot {
		query.Set("snapshot", "true")
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func printer(out io.Writer, asJSON bool) func(httpapi.Event) {
	if asJSON {
		enc := json.NewEncoder(out)
		return func(event httpapi.Event) { _ = enc.Encode(event) }
	}
	return func(event httpapi.Event) { _, _ = fmt.Fprintln(out, formatEvent(event)) }
}

func formatEvent(event httpapi.Event) string {
	var b strings.Builder
	b.WriteString(event.Timestamp.UTC().Format(time.RFC3339))
	b.WriteString(" ")
	b.WriteString(fmt.Sprintf("%-14s", event.Type))
	b.WriteString(" ")
	b.WriteString(event.Key)
	if event.State != "" {
		b.WriteString(" -> ")
		b.WriteString(event.State)
	}
	if event.Snapshot {
		b.WriteString(" (snapshot)")
	}
	return b.String()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		warnFallback(name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		warnFallback(name, raw, strconv.FormatFloat(fallback, 'f', -1, 64))
		return fallback
	}
	return value
}

func warnFallback(name, raw, fallback string) {
	log.Warn().Str("name", name).Str("value", raw).Str("fallback", fallback).Msg("invalid environment value")
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
