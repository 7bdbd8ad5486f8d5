// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP requests, maintaining active client sessions, and handing
// complete frames to the application through a bounded worker pool.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agoranews/agora-live/internal/apperror"
	"github.com/agoranews/agora-live/internal/auth"
	"github.com/agoranews/agora-live/internal/metrics"
	"github.com/agoranews/agora-live/internal/protocol"
)

// ErrConnectionNotFound is returned when sending to an unknown session.
var ErrConnectionNotFound = errors.New("ws: connection not found")

// Authenticator verifies the credential carried by the upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

// SessionStore records live sessions outside the process.
type SessionStore interface {
	Create(ctx context.Context, sessionID string, userID int64) error
	Delete(ctx context.Context, sessionID string, userID int64) error
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades authenticated HTTP requests to WebSocket, registers them with an
// epoll instance for I/O readiness notifications, and dispatches ready
// connections to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	logger       *zap.Logger
	epoll        *Epoll
	conns        *ConnectionManager
	auth         Authenticator
	sessions     SessionStore                        // optional out-of-process session records
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)              // called after session_created is sent
	onDisconnect func(conn *Connection)              // called once when a connection is removed
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame is received from a
// client; frames of one connection are never handled concurrently.
func NewServer(config ServerConfig, logger *zap.Logger, authn Authenticator, sessions SessionStore, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	return &Server{
		config:     config,
		logger:     logger.Named("ws"),
		conns:      NewConnectionManager(),
		auth:       authn,
		sessions:   sessions,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after a connection is
// authenticated, registered and greeted with session_created.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked exactly once when a
// connection is removed (read error, heartbeat timeout, close frame or
// shutdown). It runs before the session record is deleted.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start initializes the epoll instance and starts the event loop and the
// heartbeat monitor in the background. HTTP serving is left to the caller,
// which mounts HandleUpgrade on its router.
func (s *Server) Start() error {
	ep, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.epoll = ep
	s.startedAt = time.Now()

	go s.startEventLoop()
	s.startHeartbeat(s.config.Heartbeat)

	s.logger.Info("server started",
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))
	return nil
}

// HandleUpgrade authenticates the request and upgrades it to a WebSocket
// connection using the gobwas/ws zero-copy upgrader. A request without a
// valid credential is answered with 401 and never reaches a handler.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.epoll == nil {
		writeError(w, http.StatusServiceUnavailable, apperror.CodeInternal, "server not started")
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		writeError(w, http.StatusServiceUnavailable, apperror.CodeInternal, "too many connections")
		return
	}

	identity, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Debug("handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		writeError(w, http.StatusUnauthorized, apperror.CodeUnauthenticated, "authentication required")
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	now := time.Now()
	c := &Connection{
		ID:          uuid.New().String(),
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
		Conn:        conn,
		CreatedAt:   now,
	}
	c.Touch(now)

	// The session record and the connect hook complete before the
	// connection is visible to workers, the heartbeat, and Shutdown, so
	// RemoveConnection can never run ahead of them.
	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, c.ID, c.UserID); err != nil {
			s.logger.Warn("failed to create session record", zap.String("session", c.ID), zap.Error(err))
		}
		cancel()
	}
	if s.onConnect != nil {
		s.onConnect(c)
	}

	reader, err := s.epoll.Add(conn)
	if err != nil {
		s.logger.Error("epoll add failed", zap.String("session", c.ID), zap.Error(err))
		s.closeSession(c)
		conn.Close()
		return
	}
	c.reader = reader
	s.conns.Add(c)
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	greeting, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
		UserID:    c.UserID,
	})
	if err == nil {
		err = s.SendMessage(c.ID, greeting)
	}
	if err != nil {
		s.logger.Warn("failed to send session_created", zap.String("session", c.ID), zap.Error(err))
	}

	s.logger.Info("connection opened",
		zap.String("session", c.ID),
		zap.Int64("user_id", c.UserID),
		zap.Int("total", s.conns.Count()))
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error("epoll wait error", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for _, conn := range conns {
			conn := conn

			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}

			go func() {
				defer func() { <-s.workerPool }()
				defer s.epoll.Resume(conn)
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed.
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
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	c.Touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll and the connection
// manager and closes it. Concurrent removals of the same connection (read
// error racing a heartbeat timeout) run the cleanup once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	s.closeSession(c)

	s.logger.Info("connection closed",
		zap.String("session", c.ID),
		zap.Int64("user_id", c.UserID),
		zap.Int("total", s.conns.Count()))
}

// closeSession undoes what HandleUpgrade did before the connection was
// registered: the disconnect hook runs, then the session record goes.
func (s *Server) closeSession(c *Connection) {
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Delete(ctx, c.ID, c.UserID); err != nil {
			s.logger.Warn("failed to delete session record", zap.String("session", c.ID), zap.Error(err))
		}
		cancel()
	}
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return c.WriteMessage(data)
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Shutdown stops the event loop and heartbeat, removes every connection
// (running the disconnect callback for each) and closes the epoll instance.
// It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down server")
		close(s.done)

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		s.logger.Info("server stopped, all connections closed")
	})
	return nil
}

func writeError(w http.ResponseWriter, status int, code apperror.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Code    apperror.Code `json:"code"`
		Message string        `json:"message"`
	}{code, message})
}
