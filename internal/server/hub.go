package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/threadsync/internal/restapi"
)

const (
	changeBufferSize   = 16
	changeWriteTimeout = 5 * time.Second
)

// changeHub fans change events out to websocket clients. A client whose
// buffer is full misses the event; the next one tells it to resync anyway.
type changeHub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[chan restapi.ChangeEvent]struct{}
	closed  bool
	done    chan struct{}
}

func newChangeHub(logger *zap.Logger) *changeHub {
	return &changeHub{
		logger:  logger,
		clients: map[chan restapi.ChangeEvent]struct{}{},
		done:    make(chan struct{}),
	}
}

func (h *changeHub) publish(event restapi.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- event:
		default:
			h.logger.Warn("change_event_dropped", zap.Uint64("version", event.Version))
		}
	}
}

func (h *changeHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *changeHub) add() (chan restapi.ChangeEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan restapi.ChangeEvent, changeBufferSize)
	h.clients[ch] = struct{}{}
	return ch, true
}

func (h *changeHub) remove(ch chan restapi.ChangeEvent) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// close disconnects every client and rejects new ones.
func (h *changeHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

// serve upgrades the request and streams events until the client goes away.
func (h *changeHub) serve(w http.ResponseWriter, r *http.Request, userID string) {
	// Register before the handshake completes so no event committed after
	// the client's dial returns can be missed.
	ch, ok := h.add()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "server shutting down", getCorrelationID(r))
		return
	}
	defer h.remove(ch)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("change_feed_accept_failed", zap.Error(err))
		return
	}
	h.logger.Debug("change_feed_client_connected", zap.String("user", userID))

	// Clients never send; CloseRead handles control frames and cancels ctx
	// once the peer disconnects.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-h.done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case event := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, changeWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				h.logger.Debug("change_feed_write_failed", zap.String("user", userID), zap.Error(err))
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
