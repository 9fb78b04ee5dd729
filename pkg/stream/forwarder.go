// Package stream relays a run's event channel over a websocket connection.
//
// The engine delivers events to exactly one consumer per run; a Forwarder is
// that consumer, so the frame order on the wire equals event seq order with
// no re-serialization needed.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kestrelworks/kestrel/pkg/run"
)

const writeTimeout = 10 * time.Second

// Frame is the wire envelope for one forwarded event. A final frame with
// Type "done" closes the stream.
type Frame struct {
	Type      string     `json:"type"`
	Event     *run.Event `json:"event,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// Forwarder upgrades HTTP requests and streams run events to the client.
type Forwarder struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewForwarder creates a Forwarder.
func NewForwarder(logger zerolog.Logger) *Forwarder {
	return &Forwarder{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
		logger: logger,
	}
}

// OpenFunc produces the event stream for an incoming connection, typically
// by opening or resuming a run from request parameters.
type OpenFunc func(r *http.Request) (<-chan run.Event, error)

// Handler returns an http.HandlerFunc that upgrades the connection and
// forwards the stream produced by open.
func (f *Forwarder) Handler(open OpenFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := open(r)
		if err != nil {
			f.logger.Warn().Err(err).Msg("Rejected stream request")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.logger.Error().Err(err).Msg("Websocket upgrade failed")
			return
		}
		defer conn.Close()

		if err := f.Forward(r.Context(), conn, events); err != nil {
			f.logger.Warn().Err(err).Msg("Stream forwarding ended early")
		}
	}
}

// Forward drains events into conn as ordered JSON text frames, one frame per
// event, then sends a final done frame. It returns when the channel closes,
// ctx ends, or a write fails.
func (f *Forwarder) Forward(ctx context.Context, conn *websocket.Conn, events <-chan run.Event) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return f.writeFrame(conn, Frame{Type: "done", Timestamp: time.Now().UnixMilli()})
			}
			frame := Frame{Type: "event", Event: &ev, Timestamp: time.Now().UnixMilli()}
			if err := f.writeFrame(conn, frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *Forwarder) writeFrame(conn *websocket.Conn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		f.logger.Error().Err(err).Str("type", frame.Type).Msg("Failed to marshal frame")
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
