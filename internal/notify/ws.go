package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/encoding/json"
	"nhooyr.io/websocket"
)

// writeTimeout bounds how long a single envelope write to a WS client may
// take before the connection is considered dead.
const writeTimeout = 5 * time.Second

// WSHandler streams every Envelope published on broker to connected
// clients over a WebSocket, for the live-stream surface (spec §6.2).
type WSHandler struct {
	broker *Broker
	log    zerolog.Logger
}

// NewWSHandler builds the live-stream handler over broker.
func NewWSHandler(broker *Broker, log zerolog.Logger) *WSHandler {
	return &WSHandler{broker: broker, log: log.With().Str("component", "notify_ws").Logger()}
}

// ServeHTTP accepts the WebSocket upgrade and streams envelopes until the
// client disconnects or the request context is canceled.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to accept websocket connection")
		return
	}
	defer conn.CloseNow()

	ch, unsubscribe := h.broker.Subscribe()
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "client disconnected")
			return
		case envelope, ok := <-ch:
			if !ok {
				return
			}
			if err := h.writeEnvelope(ctx, conn, envelope); err != nil {
				h.log.Debug().Err(err).Msg("failed to write envelope to websocket client")
				return
			}
		}
	}
}

func (h *WSHandler) writeEnvelope(ctx context.Context, conn *websocket.Conn, envelope Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, body)
}
