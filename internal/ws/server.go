// Package ws handles WebSocket connection management: upgrading HTTP
// connections, the identity handshake, room membership, liveness probing and
// the single teardown path every connection goes through.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/thelinks/realtime/internal/auth"
	"github.com/thelinks/realtime/internal/metrics"
	"github.com/thelinks/realtime/internal/protocol"
	"github.com/thelinks/realtime/internal/ratelimit"
)

// Termination reasons, also used as metric labels.
const (
	ReasonReplaced         = "replaced"
	ReasonRemoteTakeover   = "remote_takeover"
	ReasonAuthFailed       = "auth_failed"
	ReasonAuthTimeout      = "auth_timeout"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonClientClosed     = "client_closed"
	ReasonReadError        = "read_error"
	ReasonWriteError       = "write_error"
	ReasonSlowConsumer     = "send_queue_full"
	ReasonShutdown         = "shutdown"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on open transports
	ReadTimeout    time.Duration // timeout for a frame read once epoll reports readiness
	WriteTimeout   time.Duration // timeout for a single frame write
	SendQueueSize  int           // per-connection outbound queue
	MaxFrameSize   int64         // largest accepted client text frame
	AuthErrorGrace time.Duration // delay between a failed handshake reply and close
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  64,
		MaxFrameSize:   4096,
		AuthErrorGrace: 250 * time.Millisecond,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Options carries the collaborators of a Server. Only Verifier is required.
type Options struct {
	Verifier TokenVerifier
	Sessions SessionStore
	Limiter  RateLimiter
}

// Server upgrades HTTP connections to WebSocket with gobwas/ws, registers
// them with epoll and reads ready frames on a bounded worker pool.
type Server struct {
	config    ServerConfig
	epoll     *Epoll
	conns     *ConnectionManager
	registry  *Registry
	rooms     *RoomRouter
	mux       *FrameMux
	handshake *Handshake
	heartbeat *HeartbeatMonitor
	sessions  SessionStore
	limiter   RateLimiter

	routes       []func(r chi.Router)
	onDisconnect func(c *Connection, reason string)
	cleanup      sync.WaitGroup // presence clears and disconnect hooks in flight

	httpServer   *http.Server
	done         chan struct{}
	shutdownOnce sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. Routes and callbacks must be configured before
// Start or Serve.
func NewServer(config ServerConfig, opts Options) *Server {
	s := &Server{
		config:   config,
		conns:    NewConnectionManager(),
		registry: NewRegistry(),
		rooms:    NewRoomRouter(),
		mux:      NewFrameMux(),
		sessions: opts.Sessions,
		limiter:  opts.Limiter,
		done:     make(chan struct{}),
	}
	s.handshake = &Handshake{
		verifier:  opts.Verifier,
		registry:  s.registry,
		rooms:     s.rooms,
		sessions:  opts.Sessions,
		limiter:   opts.Limiter,
		terminate: s.Terminate,
		grace:     config.AuthErrorGrace,
	}
	s.heartbeat = NewHeartbeatMonitor(s.conns, s.Terminate, config.Heartbeat)
	s.registerHandlers()
	return s
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve starts the epoll loop and heartbeat, then serves HTTP on l. It
// blocks until the listener fails or Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	var err error
	s.epoll, err = NewEpoll(s.config.WorkerPoolSize, s.handleConn)
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.epoll.Run(s.done)
	go s.heartbeat.Run(s.done)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		l.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// Mount registers extra HTTP routes next to /ws and /health.
func (s *Server) Mount(fn func(r chi.Router)) {
	s.routes = append(s.routes, fn)
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	// RemoteAddr keys the connect and auth limits, so forwarding headers
	// supplied by clients are not trusted here.
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleUpgrade)
	for _, fn := range s.routes {
		fn(r)
	}
	return r
}

// handleUpgrade upgrades the request to WebSocket. A token supplied as the
// "token" query parameter or an Authorization bearer header authenticates
// the connection immediately; otherwise the client must send an auth frame.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := NewConnection(conn, ConnectionConfig{
		SendQueueSize: s.config.SendQueueSize,
		WriteTimeout:  s.config.WriteTimeout,
		OnWriteError: func(c *Connection, err error) {
			log.Printf("ws: write failed session=%s: %v", c.ID, err)
			s.Terminate(c, ReasonWriteError)
		},
	})
	c.RemoteIP = ip

	s.conns.Add(c)
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for session %s: %v", c.ID, err)
		s.Terminate(c, ReasonReadError)
		return
	}

	log.Printf("ws: new connection session=%s ip=%s (total=%d)", c.ID, ip, s.conns.Count())

	if token != "" {
		_ = s.handshake.Authenticate(context.Background(), c, token)
	}
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Identities  int    `json:"identities"`
		Rooms       int    `json:"rooms"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Identities:  s.registry.Count(),
		Rooms:       s.rooms.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// handleConn reads a single WebSocket frame from a ready connection. Control
// frames are handled inline; text frames go to the FrameMux. Any frame at
// all answers the pending liveness probe.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		if errors.Is(err, io.EOF) {
			s.Terminate(c, ReasonClientClosed)
			return
		}
		s.Terminate(c, ReasonReadError)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.markAnswered()

	if header.OpCode.IsControl() {
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.Terminate(c, ReasonReadError)
			return
		}
		switch header.OpCode {
		case ws.OpClose:
			s.Terminate(c, ReasonClientClosed)
		case ws.OpPing:
			if err := c.writeControl(ws.NewPongFrame(payload)); err != nil {
				s.Terminate(c, ReasonWriteError)
			}
		}
		return
	}

	if s.config.MaxFrameSize > 0 && header.Length > s.config.MaxFrameSize {
		if _, err := io.CopyN(io.Discard, reader, header.Length); err != nil {
			s.Terminate(c, ReasonReadError)
			return
		}
		SendError(c, protocol.CodeParseError, "frame too large")
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.Terminate(c, ReasonReadError)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	s.mux.Dispatch(c, data)
}

// Terminate is the only teardown path. It flips the connection to
// Terminated, removes it from the identity registry and every room while
// holding their locks, then closes the transport. Clearing presence and the
// disconnect hook run in the background, so a caller on the publish path
// never waits on the session store. Safe to call concurrently and repeatedly.
func (s *Server) Terminate(c *Connection, reason string) {
	c.markTerminated()

	identity := c.Identity()
	if identity != "" {
		s.registry.Unregister(identity, c)
	}
	s.rooms.LeaveAll(c)
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Fd, c.Conn)
	}
	_ = c.Close()

	// Only the first caller for a connection gets past here.
	if !s.conns.Remove(c) {
		return
	}

	metrics.TerminationsTotal.WithLabelValues(reason).Inc()
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))
	metrics.ActiveIdentities.Set(float64(s.registry.Count()))
	metrics.RoomsTotal.Set(float64(s.rooms.Count()))

	log.Printf("ws: connection closed session=%s identity=%s reason=%s (total=%d)",
		c.ID, identity, reason, s.conns.Count())

	if (identity == "" || s.sessions == nil) && s.onDisconnect == nil {
		return
	}
	s.cleanup.Add(1)
	go func() {
		defer s.cleanup.Done()
		s.release(c, identity, reason)
	}()
}

// release clears presence for a terminated connection and runs the
// disconnect hook. Offline is a compare-and-delete on the connection ID, so
// it never clears the presence of a newer connection of the same identity.
func (s *Server) release(c *Connection, identity, reason string) {
	if identity != "" && s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Offline(ctx, identity, c.ID); err != nil {
			log.Printf("ws: failed to clear presence identity=%s session=%s: %v", identity, c.ID, err)
		}
		cancel()
	}
	if s.onDisconnect != nil {
		s.onDisconnect(c, reason)
	}
}

// TakeOver terminates the local connection of identity unless it is keepID
// or authenticated after since. It is used when the identity authenticated
// on another instance at since; a notice that arrives after the identity
// already reconnected here leaves the newer local session alone. A zero
// since skips the time check.
func (s *Server) TakeOver(identity, keepID string, since time.Time) bool {
	c := s.registry.Lookup(identity)
	if c == nil || c.ID == keepID {
		return false
	}
	if !since.IsZero() && c.AuthenticatedAt().After(since) {
		return false
	}
	s.Terminate(c, ReasonRemoteTakeover)
	return true
}

// SetOnAuthenticated registers a callback run after every successful
// handshake, once the success frame is queued.
func (s *Server) SetOnAuthenticated(fn func(c *Connection)) {
	s.handshake.onAuthenticated = fn
}

// SetOnDisconnect registers a callback invoked once per terminated
// connection, after it has left the registry and every room. It runs off
// the caller's goroutine.
func (s *Server) SetOnDisconnect(fn func(c *Connection, reason string)) {
	s.onDisconnect = fn
}

// Connections returns the transport index.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Registry returns the identity registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Rooms returns the room router.
func (s *Server) Rooms() *RoomRouter {
	return s.rooms
}

// Handshake returns the handshake used for auth frames and upgrade tokens.
func (s *Server) Handshake() *Handshake {
	return s.handshake
}

// Shutdown stops accepting connections, sends a going-away close frame to
// every client and tears each connection down.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		log.Println("ws: shutting down server...")
		close(s.done)

		if s.httpServer != nil {
			if herr := s.httpServer.Shutdown(ctx); herr != nil {
				log.Printf("ws: http shutdown error: %v", herr)
				err = herr
			}
		}

		closeFrame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down"))
		for _, c := range s.conns.All() {
			_ = c.writeControl(closeFrame)
			s.Terminate(c, ReasonShutdown)
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}

		released := make(chan struct{})
		go func() {
			s.cleanup.Wait()
			close(released)
		}()
		select {
		case <-released:
		case <-ctx.Done():
			log.Printf("ws: shutdown deadline reached before presence was cleared")
			if err == nil {
				err = ctx.Err()
			}
		}
		log.Printf("ws: server stopped, all connections closed")
	})
	return err
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
