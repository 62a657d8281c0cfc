// Package monitor streams frame reports to websocket clients. Clients may send commands back,
// which the serving loop applies between frames.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/Carmen-Shannon/oxy-bvh/engine/log"
	"github.com/gorilla/websocket"
)

var logger = log.New("monitor")

// Command is a message sent by a client. Empty fields are left unchanged.
type Command struct {
	// Pipeline selects a configured pipeline by name.
	Pipeline string `json:"pipeline,omitempty"`
	// Mode selects the visualization mode: "pt", "bv" or "int".
	Mode string `json:"mode,omitempty"`
	// Orbit toggles the camera animation.
	Orbit *bool `json:"orbit,omitempty"`
}

// Hub tracks the connected clients and fans every broadcast out to them.
// Each connection has its own write lock because websocket connections allow one writer at a time.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
	last    []byte

	commands chan Command
}

// NewHub creates a hub. Commands are buffered; when the buffer is full new commands are dropped.
//
// Returns:
//   - *Hub: the hub
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[*websocket.Conn]*sync.Mutex),
		commands: make(chan Command, 16),
	}
}

// Commands returns the channel client commands are delivered on.
func (h *Hub) Commands() <-chan Command {
	return h.commands
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast encodes v as JSON and sends it to every client. Clients that fail the write are dropped.
// The message is also kept as the greeting for clients that connect later.
//
// Parameters:
//   - v: the message
//
// Returns:
//   - error: if v cannot be encoded
func (h *Hub) Broadcast(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.last = data
	h.mu.Unlock()

	h.mu.RLock()
	var failed []*websocket.Conn
	for conn, wmu := range h.clients {
		wmu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		wmu.Unlock()
		if err != nil {
			logger.Debugf("drop client %s: %v", conn.RemoteAddr(), err)
			failed = append(failed, conn)
		}
	}
	h.mu.RUnlock()

	if len(failed) > 0 {
		h.mu.Lock()
		for _, conn := range failed {
			delete(h.clients, conn)
			conn.Close()
		}
		h.mu.Unlock()
	}
	return nil
}

// ServeHTTP upgrades the request to a websocket, greets the client with the last broadcast and
// reads commands until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warningf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	wmu := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = wmu
	last := h.last
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
	}()
	logger.Infof("client %s connected", conn.RemoteAddr())

	if last != nil {
		wmu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, last)
		wmu.Unlock()
		if err != nil {
			return
		}
	}

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warningf("client %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		select {
		case h.commands <- cmd:
		default:
			logger.Warningf("command queue full, dropped %+v", cmd)
		}
	}
}

// Last returns the most recent broadcast, or nil.
func (h *Hub) Last() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// Handler returns the monitor routes: the websocket at /ws and the last report as JSON at /stats.
//
// Returns:
//   - http.Handler: the routes
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		last := h.Last()
		if last == nil {
			http.Error(w, "no frame yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(last)
	})
	return mux
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, wmu := range h.clients {
		wmu.Lock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
		wmu.Unlock()
		conn.Close()
		delete(h.clients, conn)
	}
}
