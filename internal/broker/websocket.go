package broker

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/castlemq/reqproxy/internal/envelope"
)

// wsFrame is the JSON envelope exchanged over the WebSocket connection,
// carrying one broker message plus routing metadata.
type wsFrame struct {
	Destination      string            `json:"destination"`
	CorrelationID    string            `json:"correlation_id"`
	ReplyDestination string            `json:"reply_destination"`
	Headers          map[string]string `json:"headers"`
	Payload          []byte            `json:"payload"`
}

// WebSocketAdapter serves the Request Proxy's listening destination over a
// browser-reachable WebSocket endpoint: a gorilla/websocket Upgrader plus
// a connection registry keyed by *websocket.Conn, with gorilla/mux
// routing the HTTP upgrade request. Useful for request sinks that are
// browser tabs or other HTTP-native clients rather than broker-native
// producers.
type WebSocketAdapter struct {
	addr string

	upgrader websocket.Upgrader
	router   *mux.Router
	server   *http.Server

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}

	destMu sync.RWMutex
	byDest map[string]*websocket.Conn // temporary-destination -> owning connection

	onMessage func(envelope.Inbound)
	consumerDestination string
}

// NewWebSocketAdapter creates an adapter that will listen on addr (e.g.
// ":8089") with the upgrade route at path (e.g. "/reqproxy/ws").
func NewWebSocketAdapter(addr, path string) *WebSocketAdapter {
	a := &WebSocketAdapter{
		addr:     addr,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[*websocket.Conn]struct{}),
		byDest:   make(map[string]*websocket.Conn),
	}
	a.router = mux.NewRouter()
	a.router.HandleFunc(path, a.handleUpgrade)
	return a
}

func (a *WebSocketAdapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocketAdapter: upgrade failed: %v", err)
		return
	}

	a.mu.Lock()
	a.conns[conn] = struct{}{}
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.conns, conn)
		a.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		a.destMu.Lock()
		a.byDest[frame.ReplyDestination] = conn
		a.destMu.Unlock()

		if a.onMessage == nil || frame.Destination != a.consumerDestination {
			continue
		}
		in, ok := envelope.FromHeaders(frame.CorrelationID, frame.ReplyDestination, frame.Headers, frame.Payload)
		if !ok {
			continue
		}
		a.onMessage(in)
	}
}

func (a *WebSocketAdapter) OpenProducer() error {
	a.server = &http.Server{Addr: a.addr, Handler: a.router}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("WebSocketAdapter: server error: %v", err)
		}
	}()
	return nil
}

// OpenConsumer records destination as the one inbound channel this adapter
// dispatches to onMessage; every upgraded connection's frames addressed to
// that destination are routed there.
func (a *WebSocketAdapter) OpenConsumer(destination string, onMessage func(envelope.Inbound)) error {
	a.consumerDestination = destination
	a.onMessage = onMessage
	return nil
}

// CreateTemporaryDestination allocates a name; the owning connection is
// learned lazily the first time a frame referencing it as its reply
// destination arrives (handleUpgrade's byDest registration), since a
// WebSocket connection has no destination identity until the browser
// speaks first.
func (a *WebSocketAdapter) CreateTemporaryDestination() (string, error) {
	return fmt.Sprintf("ws.tmp.%s", uuid.New().String()), nil
}

// Send writes payload as a frame to whichever connection most recently
// claimed destination as its reply destination. priority and persistent
// have no meaning over a single WebSocket stream and are ignored.
func (a *WebSocketAdapter) Send(destination string, headers map[string]string, payload []byte, priority int, persistent bool) error {
	a.destMu.RLock()
	conn, ok := a.byDest[destination]
	a.destMu.RUnlock()
	if !ok {
		return fmt.Errorf("broker: no websocket connection known for destination %q", destination)
	}

	frame := wsFrame{Destination: destination, Headers: headers, Payload: payload}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("broker: marshal frame: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// OnFatal is a no-op: this adapter serves many independent browser
// connections at once, so no single connection dropping is "the" broker
// connection failing — handleUpgrade keeps accepting new ones.
func (a *WebSocketAdapter) OnFatal(func(error)) {}

func (a *WebSocketAdapter) Close() error {
	a.mu.Lock()
	for conn := range a.conns {
		conn.Close()
	}
	a.mu.Unlock()
	if a.server != nil {
		return a.server.Close()
	}
	return nil
}
