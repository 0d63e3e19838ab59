// Package gateway serves the REST API and the WebSocket event stream
// for the web UI and CLI clients.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/orka/internal/bus"
	"github.com/nextlevelbuilder/orka/internal/config"
	"github.com/nextlevelbuilder/orka/pkg/protocol"
)

// RouteRegistrar is implemented by the REST handler groups.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server is the HTTP/WebSocket front of the orchestrator.
type Server struct {
	cfg      *config.Config
	eventPub bus.EventPublisher
	handlers []RouteRegistrar

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway over the given handler groups. eventPub
// feeds the WebSocket stream and may be nil.
func NewServer(cfg *config.Config, eventPub bus.EventPublisher, handlers ...RouteRegistrar) *Server {
	s := &Server{
		cfg:      cfg,
		eventPub: eventPub,
		handlers: handlers,
		clients:  make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the WebSocket Origin header against the
// configured whitelist. No configuration allows all origins (local dev);
// an empty Origin header (CLI clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("ws origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	for _, h := range s.handlers {
		h.RegisterRoutes(mux)
	}
	s.mux = mux
	return mux
}

// Start listens until the context is cancelled, then drains with a
// short shutdown grace period.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.BuildMux()}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := s.cfg.Gateway.Token
	if token != "" && r.URL.Query().Get("token") != token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID()] = c

	if s.eventPub != nil {
		s.eventPub.Subscribe(c.ID(), func(event bus.Event) {
			c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
		})
	}
	slog.Info("client connected", "id", c.ID())
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.ID())
	if s.eventPub != nil {
		s.eventPub.Unsubscribe(c.ID())
	}
	slog.Info("client disconnected", "id", c.ID())
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

// ClientCount reports the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// StartTestServer binds to a random localhost port and returns the
// address plus a start function. Used by integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: s.BuildMux()}
	addr = ln.Addr().String()
	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
			s.closeClients()
		}()
		go s.httpServer.Serve(ln)
	}
	return addr, start
}
