package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/nfc-pcsc/internal/core"
	"github.com/SimplyPrint/nfc-pcsc/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	clientBuffer = 256

	// EventSession is the first message on every connection.
	EventSession = "session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local use only
	},
}

// WSEvent is one message of the event stream.
type WSEvent struct {
	ID      string       `json:"id"`
	Type    string       `json:"type"`
	Time    time.Time    `json:"time"`
	Reader  string       `json:"reader,omitempty"`
	Card    *CardView    `json:"card,omitempty"`
	Error   *ErrorView   `json:"error,omitempty"`
	Session string       `json:"session,omitempty"`
	Readers []ReaderView `json:"readers,omitempty"`
}

func newWSEvent(ev core.Event) *WSEvent {
	return &WSEvent{
		ID:     uuid.NewString(),
		Type:   string(ev.Type),
		Time:   time.Now().UTC(),
		Reader: ev.ReaderName(),
		Card:   newCardView(ev.Card),
		Error:  newErrorView(ev.Err),
	}
}

// Encoding selects how events are framed for a client.
type Encoding int

const (
	EncodingJSON Encoding = iota // text frames
	EncodingCBOR                 // binary frames
)

func parseEncoding(s string) (Encoding, bool) {
	switch s {
	case "", "json":
		return EncodingJSON, true
	case "cbor":
		return EncodingCBOR, true
	}
	return 0, false
}

func (e Encoding) marshal(ev *WSEvent) ([]byte, int, error) {
	if e == EncodingCBOR {
		b, err := cbor.Marshal(ev)
		return b, websocket.BinaryMessage, err
	}
	b, err := json.Marshal(ev)
	return b, websocket.TextMessage, err
}

type wsClient struct {
	id       string
	conn     *websocket.Conn
	send     chan *WSEvent
	hub      *Hub
	encoding Encoding
}

// Hub fans NFC events out to WebSocket clients. Slow clients are dropped.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan *WSEvent
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex

	// readers lists attached readers for the session message.
	readers func() []ReaderView
	onClose func()
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan *WSEvent),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop. It returns after Close.
func (h *Hub) Run() {
	// a dead hub silently stops all clients, so crash loudly
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case ev := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- ev:
				default:
					logging.Warn(logging.CatWebSocket, "Dropping slow client", map[string]any{"session": client.id})
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Close stops Run and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		if h.onClose != nil {
			h.onClose()
		}
		close(h.done)
	})
}

// Publish is a core.Listener broadcasting ev to every client.
func (h *Hub) Publish(ev core.Event) {
	select {
	case h.broadcast <- newWSEvent(ev):
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams events. ?encoding=cbor selects
// CBOR binary frames instead of JSON text frames.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	encoding, ok := parseEncoding(r.URL.Query().Get("encoding"))
	if !ok {
		respondError(w, http.StatusBadRequest, "encoding must be json or cbor")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
			"error":      err.Error(),
			"remoteAddr": r.RemoteAddr,
		})
		return
	}

	client := &wsClient{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan *WSEvent, clientBuffer),
		hub:      h,
		encoding: encoding,
	}

	hello := &WSEvent{
		ID:      uuid.NewString(),
		Type:    EventSession,
		Time:    time.Now().UTC(),
		Session: client.id,
	}
	if h.readers != nil {
		hello.Readers = h.readers()
	}
	client.send <- hello

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
		"remoteAddr": r.RemoteAddr,
		"session":    client.id,
	})

	go client.writePump()
	go client.readPump()
}

// readPump only services control frames; client messages are ignored.
func (c *wsClient) readPump() {
	defer logging.RecoverAndLog("WebSocket readPump", false)
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"session": c.id,
					"error":   err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", map[string]any{"session": c.id})
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, messageType, err := c.encoding.marshal(ev)
			if err != nil {
				logging.Error(logging.CatWebSocket, "Failed to encode event", map[string]any{
					"type":  ev.Type,
					"error": err.Error(),
				})
				continue
			}
			if err := c.conn.WriteMessage(messageType, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
