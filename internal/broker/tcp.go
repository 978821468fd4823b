package broker

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castlemq/reqproxy/internal/envelope"
)

// TCPBrokerServer is a minimal JSON-RPC-over-TCP relay: connections
// register ownership of named destinations, and any connection may send a
// message to a destination owned by another. It is the server half that
// TCPAdapter dials into: net.Listen plus a per-connection goroutine
// running a json.Decoder/Encoder request loop with method-name dispatch,
// generalized to the proxy's destination/reply model instead of a
// topic/pipe one.
type TCPBrokerServer struct {
	addr     string
	debug    bool
	listener net.Listener

	mu    sync.RWMutex
	owner map[string]*tcpConn // destination -> owning connection
}

type tcpConn struct {
	id      string
	conn    net.Conn
	encoder *json.Encoder
	mu      sync.Mutex // serializes writes against the shared encoder
}

type tcpRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type tcpResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *tcpError       `json:"error,omitempty"`
}

type tcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// tcpDelivery is an unsolicited server->client push carrying one inbound
// broker message; it is distinguished from a tcpResponse by carrying no ID
// correlated to a pending request.
type tcpDelivery struct {
	Destination      string            `json:"destination"`
	CorrelationID    string            `json:"correlation_id"`
	ReplyDestination string            `json:"reply_destination"`
	Headers          map[string]string `json:"headers"`
	Payload          []byte            `json:"payload"`
	Push             bool              `json:"push"`
}

// NewTCPBrokerServer creates a relay server listening on addr once Start
// runs. debug gates log.Printf output.
func NewTCPBrokerServer(addr string, debug bool) *TCPBrokerServer {
	return &TCPBrokerServer{addr: addr, debug: debug, owner: make(map[string]*tcpConn)}
}

// Start listens and serves until listener.Close is called via Stop.
func (s *TCPBrokerServer) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("broker: tcp listen on %s: %w", s.addr, err)
	}
	s.listener = l
	if s.debug {
		log.Printf("TCPBrokerServer: listening on %s", s.addr)
	}

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go s.handleConnection(conn)
		}
	}()
	return nil
}

// Stop closes the listener, rejecting new connections.
func (s *TCPBrokerServer) Stop() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *TCPBrokerServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	c := &tcpConn{id: fmt.Sprintf("conn_%d", time.Now().UnixNano()), conn: netConn, encoder: json.NewEncoder(netConn)}
	decoder := json.NewDecoder(netConn)

	defer func() {
		s.mu.Lock()
		for dest, owner := range s.owner {
			if owner == c {
				delete(s.owner, dest)
			}
		}
		s.mu.Unlock()
	}()

	for {
		var req tcpRequest
		if err := decoder.Decode(&req); err != nil {
			return
		}
		resp := s.handleRequest(c, &req)
		c.mu.Lock()
		err := c.encoder.Encode(resp)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *TCPBrokerServer) handleRequest(c *tcpConn, req *tcpRequest) tcpResponse {
	switch req.Method {
	case "register":
		var params struct {
			Destination string `json:"destination"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, -32602, "invalid params")
		}
		s.mu.Lock()
		s.owner[params.Destination] = c
		s.mu.Unlock()
		return tcpResponse{ID: req.ID, Result: json.RawMessage(`"registered"`)}

	case "create_temp":
		name := fmt.Sprintf("tmp.%s", uuid.New().String())
		s.mu.Lock()
		s.owner[name] = c
		s.mu.Unlock()
		result, _ := json.Marshal(name)
		return tcpResponse{ID: req.ID, Result: result}

	case "send":
		var params tcpDelivery
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, -32602, "invalid params")
		}
		s.mu.RLock()
		owner, ok := s.owner[params.Destination]
		s.mu.RUnlock()
		if !ok {
			return errorResponse(req.ID, -32603, fmt.Sprintf("unknown destination %q", params.Destination))
		}
		params.Push = true
		owner.mu.Lock()
		err := owner.encoder.Encode(params)
		owner.mu.Unlock()
		if err != nil {
			return errorResponse(req.ID, -32603, "delivery failed")
		}
		return tcpResponse{ID: req.ID, Result: json.RawMessage(`"sent"`)}

	default:
		return errorResponse(req.ID, -32601, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func errorResponse(id string, code int, message string) tcpResponse {
	return tcpResponse{ID: id, Error: &tcpError{Code: code, Message: message}}
}

// TCPAdapter is the Adapter implementation clients dial in with: one
// persistent connection, an incrementing request ID, and a map of
// pending-response channels keyed by request ID so concurrent Send calls
// don't block each other.
type TCPAdapter struct {
	addr  string
	debug bool

	mu      sync.Mutex
	conn    net.Conn
	encoder *json.Encoder

	reqID         int64
	responseMu    sync.Mutex
	responseChans map[string]chan tcpResponse

	onMessage func(envelope.Inbound)
	onFatal   func(error)
	closed    bool
}

// NewTCPAdapter creates an adapter that will dial addr on OpenProducer.
func NewTCPAdapter(addr string, debug bool) *TCPAdapter {
	return &TCPAdapter{addr: addr, debug: debug, responseChans: make(map[string]chan tcpResponse)}
}

func (a *TCPAdapter) OpenProducer() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return nil
	}
	conn, err := net.Dial("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("broker: dial %s: %w", a.addr, err)
	}
	a.conn = conn
	a.encoder = json.NewEncoder(conn)
	go a.listen(conn)
	return nil
}

// listen runs for the life of the connection, routing JSON-RPC responses to
// their waiting caller and unsolicited deliveries to onMessage via a
// type-sniffing dispatch on each decoded frame. A decode error that is not
// the result of our own Close is the broker-fatal case: the connection
// dropped out from under us, and onFatal (if registered) is told once.
func (a *TCPAdapter) listen(conn net.Conn) {
	decoder := json.NewDecoder(conn)
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			a.mu.Lock()
			closed, fatal := a.closed, a.onFatal
			a.mu.Unlock()
			if !closed && fatal != nil {
				fatal(fmt.Errorf("broker: tcp connection dropped: %w", err))
			}
			return
		}

		var probe struct {
			ID     string `json:"id"`
			Push   bool   `json:"push"`
			Result json.RawMessage `json:"result,omitempty"`
			Error  *tcpError       `json:"error,omitempty"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}

		if probe.Push {
			var d tcpDelivery
			if err := json.Unmarshal(raw, &d); err != nil {
				continue
			}
			if a.onMessage == nil {
				continue
			}
			in, ok := envelope.FromHeaders(d.CorrelationID, d.ReplyDestination, d.Headers, d.Payload)
			if !ok {
				continue
			}
			a.onMessage(in)
			continue
		}

		if probe.ID != "" {
			var resp tcpResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			a.responseMu.Lock()
			if ch, ok := a.responseChans[resp.ID]; ok {
				select {
				case ch <- resp:
				default:
				}
			}
			a.responseMu.Unlock()
		}
	}
}

func (a *TCPAdapter) call(method string, params interface{}) (json.RawMessage, error) {
	a.mu.Lock()
	if a.conn == nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("broker: not connected")
	}
	a.reqID++
	id := fmt.Sprintf("req_%d", a.reqID)
	paramsBytes, err := json.Marshal(params)
	if err != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("broker: marshal params: %w", err)
	}

	respChan := make(chan tcpResponse, 1)
	a.responseMu.Lock()
	a.responseChans[id] = respChan
	a.responseMu.Unlock()

	err = a.encoder.Encode(tcpRequest{ID: id, Method: method, Params: paramsBytes})
	a.mu.Unlock()
	if err != nil {
		a.responseMu.Lock()
		delete(a.responseChans, id)
		a.responseMu.Unlock()
		return nil, fmt.Errorf("broker: send request: %w", err)
	}

	select {
	case resp := <-respChan:
		a.responseMu.Lock()
		delete(a.responseChans, id)
		a.responseMu.Unlock()
		if resp.Error != nil {
			return nil, fmt.Errorf("broker: %s (code %d)", resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	case <-time.After(30 * time.Second):
		a.responseMu.Lock()
		delete(a.responseChans, id)
		a.responseMu.Unlock()
		return nil, fmt.Errorf("broker: request timeout")
	}
}

func (a *TCPAdapter) OpenConsumer(destination string, onMessage func(envelope.Inbound)) error {
	a.onMessage = onMessage
	_, err := a.call("register", map[string]string{"destination": destination})
	return err
}

func (a *TCPAdapter) CreateTemporaryDestination() (string, error) {
	result, err := a.call("create_temp", map[string]string{})
	if err != nil {
		return "", err
	}
	var name string
	if err := json.Unmarshal(result, &name); err != nil {
		return "", fmt.Errorf("broker: decode temp destination: %w", err)
	}
	return name, nil
}

func (a *TCPAdapter) Send(destination string, headers map[string]string, payload []byte, priority int, persistent bool) error {
	delivery := tcpDelivery{
		Destination:      destination,
		CorrelationID:    headers["__correlation_id"],
		ReplyDestination: headers["__reply_destination"],
		Headers:          headers,
		Payload:          payload,
	}
	_, err := a.call("send", delivery)
	return err
}

// OnFatal registers fn to be invoked at most once if the TCP connection
// drops unexpectedly, i.e. not via Close.
func (a *TCPAdapter) OnFatal(fn func(error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFatal = fn
}

func (a *TCPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
