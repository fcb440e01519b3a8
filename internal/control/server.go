package control

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Server is the inbound control endpoint: controllers connect over a
// websocket, send JSON commands and optionally subscribe to the
// edge-driven state and track-change events.
type Server struct {
	mu       sync.Mutex
	addr     string
	renderer *Renderer
	listener net.Listener
	httpSrv  *http.Server
	running  bool

	upgrader websocket.Upgrader

	// Subscribed connections for event fan-out
	subMu       sync.RWMutex
	subscribers map[*connection]bool
}

// NewServer creates a control server for the renderer.
func NewServer(addr string, r *Renderer) *Server {
	s := &Server{
		addr:     addr,
		renderer: r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subscribers: make(map[*connection]bool),
	}

	// Fan renderer events out to every subscribed connection
	r.SetNotify(s.broadcast)
	return s
}

// Start begins listening for controller connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/control", s.handleUpgrade)
	s.httpSrv = &http.Server{Handler: mux}
	s.listener = listener
	s.running = true

	log.Printf("Control server listening on %s", s.addr)

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if running {
				log.Printf("Control server error: %v", err)
			}
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	s.subMu.Lock()
	for conn := range s.subscribers {
		conn.close()
	}
	s.subscribers = make(map[*connection]bool)
	s.subMu.Unlock()

	if s.httpSrv != nil {
		return s.httpSrv.Close()
	}
	return nil
}

// Port returns the bound TCP port, for mDNS advertisement.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// handleUpgrade upgrades an HTTP request to a control websocket.
func (s *Server) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("Websocket upgrade failed: %v", err)
		return
	}
	log.Printf("New controller connected: %s", ws.RemoteAddr())
	go s.handleConnection(newConnection(ws, s))
}

// subscribe registers a connection for event fan-out.
func (s *Server) subscribe(c *connection) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers[c] = true
	log.Printf("Controller subscribed to events (total: %d)", len(s.subscribers))
}

// unsubscribe removes a connection from the fan-out set.
func (s *Server) unsubscribe(c *connection) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subscribers[c] {
		delete(s.subscribers, c)
		log.Printf("Controller unsubscribed (total: %d)", len(s.subscribers))
	}
}

// broadcast sends an event to all subscribed connections, non-blocking.
func (s *Server) broadcast(msg Message) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for conn := range s.subscribers {
		select {
		case conn.events <- msg:
		default:
			log.Printf("Warning: event channel full, dropping event for %s", conn.remote())
		}
	}
}
