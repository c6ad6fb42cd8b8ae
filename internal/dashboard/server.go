// Package dashboard serves live sync status over HTTP and WebSocket.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mindjournal/syncd/internal/engine"
)

// MessageType identifies the payload carried by a Message.
type MessageType string

const (
	MessageTypeStatus       MessageType = "status"
	MessageTypeSyncComplete MessageType = "sync_complete"
	MessageTypeConnectivity MessageType = "connectivity"
)

// Message is the envelope sent to every WebSocket client.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Engine is the part of the sync engine the dashboard reads and drives.
type Engine interface {
	Status() engine.Status
	SyncAll(ctx context.Context) *engine.Result
}

// Server pushes status and sync results to connected browsers.
type Server struct {
	addr     string
	engine   Engine
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// Config configures a Server.
type Config struct {
	// Addr overrides Port when set, e.g. "127.0.0.1:0".
	Addr   string
	Port   int
	Engine Engine
	Logger *slog.Logger
}

// DefaultConfig returns the default dashboard configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:   8787,
		Logger: slog.Default(),
	}
}

// NewServer creates a dashboard server. Call Start to begin serving.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := config.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", config.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		engine:    config.Engine,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With("component", "dashboard"),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", "addr", listener.Addr().String())
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", "err", err)
		}
	}()

	return nil
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.clientsMu.Unlock()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shutdown server: %w", shutdownErr)
		}
	}

	s.wg.Wait()
	return err
}

// Broadcast queues msg for every client. The message is dropped when the
// queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	default:
		s.logger.Warn("broadcast queue full, dropping message", "type", msg.Type)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal message", "err", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Debug("failed to write to client", "err", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", "clients", count)

	// New clients get the current status straight away.
	if msg, ok := s.statusMessage(); ok {
		data, err := json.Marshal(msg)
		if err == nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			err = conn.Write(ctx, websocket.MessageText, data)
			cancel()
		}
		if err != nil {
			s.logger.Debug("failed to send welcome status", "err", err)
		}
	}

	// Clients never send anything meaningful; reading detects the close.
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			s.removeClient(conn)
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("client disconnected", "clients", count)
}

func (s *Server) statusMessage() (Message, bool) {
	if s.engine == nil {
		return Message{}, false
	}
	msg, err := newMessage(MessageTypeStatus, s.engine.Status())
	if err != nil {
		s.logger.Error("failed to marshal status", "err", err)
		return Message{}, false
	}
	return msg, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clients := len(s.clients)
	s.clientsMu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": clients})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "no engine attached", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleSync runs a sync on the request's context. A skipped run answers
// 409 so callers can tell it apart from a run that executed.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "no engine attached", http.StatusServiceUnavailable)
		return
	}
	res := s.engine.SyncAll(r.Context())
	code := http.StatusOK
	if res.Skipped != engine.SkipNone {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

// GetAddr returns the bound address, or the configured one before Start.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func newMessage(t MessageType, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Timestamp: time.Now(), Data: data}, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>syncd</title></head>
<body>
<h1>syncd</h1>
<pre id="status">connecting...</pre>
<ul id="runs"></ul>
<script>
const ws = new WebSocket("ws://" + location.host + "/ws");
ws.onmessage = (ev) => {
  const msg = JSON.parse(ev.data);
  if (msg.type === "status") {
    document.getElementById("status").textContent = JSON.stringify(msg.data, null, 2);
  } else if (msg.type === "sync_complete") {
    const li = document.createElement("li");
    li.textContent = msg.timestamp + " " + JSON.stringify(msg.data);
    document.getElementById("runs").prepend(li);
  }
};
ws.onclose = () => { document.getElementById("status").textContent = "disconnected"; };
</script>
</body>
</html>
`
