package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cwygoda/dsaconvert/internal/domain"
	"github.com/cwygoda/dsaconvert/internal/lifecycle"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// snapshotMessage is the first message on a new event stream.
type snapshotMessage struct {
	Type string       `json:"type"`
	Jobs []domain.Job `json:"jobs"`
}

// hub fans store events out to every connected websocket client.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	closed  bool
	log     *zerolog.Logger
}

func newHub(log *zerolog.Logger) *hub {
	return &hub{clients: make(map[*websocket.Conn]bool), log: log}
}

// run broadcasts events until ctx is done or events is closed, then drops
// every client.
func (h *hub) run(ctx context.Context, events <-chan lifecycle.Event) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				h.log.Error().Err(err).Msg("marshal job event")
				continue
			}
			h.broadcast(msg)
		}
	}
}

func (h *hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Debug().Err(err).Msg("drop websocket client")
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// register sends the job list returned by snapshot and adds conn to the
// broadcast set. snapshot runs under the hub lock, so every event that is not
// yet reflected in it is broadcast after conn has joined. An event already
// contained in the snapshot may be delivered again.
func (h *hub) register(conn *websocket.Conn, snapshot func() []domain.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return websocket.ErrCloseSent
	}
	msg, err := json.Marshal(snapshotMessage{Type: "snapshot", Jobs: snapshot()})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return err
	}
	h.clients[conn] = true
	h.log.Debug().Int("clients", len(h.clients)).Msg("websocket client connected")
	return nil
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(h.clients, conn)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	if err := s.hub.register(conn, s.ctrl.Jobs); err != nil {
		conn.Close()
		return
	}

	// Clients never send anything useful; reading detects disconnects.
	go func() {
		defer s.hub.unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
