package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/tablerelay/internal/ledger"
)

const streamWriteTimeout = 10 * time.Second

// Event is one ledger change as sent on the /v1/events stream.
type Event struct {
	Type      string    `json:"type"`
	Key       string    `json:"key"`
	Activity  string    `json:"activity"`
	Iteration int64     `json:"iteration,omitempty"`
	Block     int64     `json:"block,omitempty"`
	Item      string    `json:"item,omitempty"`
	State     string    `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Snapshot marks events replayed from the current state rather than
	// appended after the client connected.
	Snapshot bool `json:"snapshot,omitempty"`
}

func eventFromRecord(rec ledger.Record, snapshot bool) Event {
	return Event{
		Type:      string(rec.Type),
		Key:       rec.Key().String(),
		Activity:  rec.Activity,
		Iteration: rec.Iteration,
		Block:     rec.Block,
		Item:      rec.Item,
		State:     rec.State,
		Timestamp: rec.Timestamp,
		Snapshot:  snapshot,
	}
}

// handleEvents upgrades to a websocket and forwards every record applied to
// the cache. With ?snapshot=true the current state is sent first. Records a
// slow client misses are dropped, not queued.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	records, unsubscribe := s.cache.Subscribe(s.cfg.StreamBuffer)
	defer unsubscribe()

	// Client messages are not expected; CloseRead ends ctx when the peer
	// goes away.
	ctx := conn.CloseRead(r.Context())

	if r.URL.Query().Get("snapshot") == "true" {
		for _, rec := range s.cache.Snapshot() {
			if err := s.send(ctx, conn, eventFromRecord(rec, true)); err != nil {
				return
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case rec, ok := <-records:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if err := s.send(ctx, conn, eventFromRecord(rec, false)); err != nil {
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, event Event) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	err := wsjson.Write(ctx, conn, event)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug().Err(err).Msg("event stream write failed")
	}
	return err
}
