package caption

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Hub fans caption events out to connected WebSocket clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 100),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Publish queues an event for broadcast. When the queue is full the event
// is dropped; captions are ephemeral and the next update supersedes it.
func (h *Hub) Publish(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		log.Debug().Str("type", ev.Type).Msg("Caption bus queue full, event dropped")
	}
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().Int("total", total).Msg("Caption client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().Int("total", total).Msg("Caption client disconnected")

		case ev := <-h.broadcast:
			h.mu.RLock()
			var dead []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range dead {
				h.mu.Lock()
				if _, ok := h.clients[conn]; ok {
					delete(h.clients, conn)
					conn.Close()
				}
				h.mu.Unlock()
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// overlay pages are served from arbitrary local origins
		return true
	},
}

// Handler upgrades requests to WebSocket and registers the connection.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		h.register <- conn

		go func() {
			defer func() { h.unregister <- conn }()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

// Serve starts an HTTP server exposing the caption socket at /captions.
// It returns once the listener is running; the server stops with ctx.
func Serve(ctx context.Context, hub *Hub, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/captions", hub.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info().Str("addr", addr).Msg("Caption bus listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Caption bus server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	return srv
}
