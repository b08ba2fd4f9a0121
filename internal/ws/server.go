// Package ws handles WebSocket connection management: upgrading
// authenticated HTTP requests, reading frames through epoll and a bounded
// worker pool, and pushing frames to users and named groups.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/scholaris/realtime/internal/logging"
	"github.com/scholaris/realtime/internal/metrics"
	"github.com/scholaris/realtime/internal/ratelimit"
	"github.com/scholaris/realtime/internal/session"
)

// MaxFrameBytes caps the payload of a single client message.
const MaxFrameBytes = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	NodeName       string        // reported by /health and stored in sessions
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		NodeName:       "ws-1",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for read readiness, and dispatches ready connections to a bounded
// worker pool for frame reading. HTTP routing is done by echo.
type Server struct {
	config   ServerConfig
	auth     Authenticator
	sessions *session.Store     // optional Redis-backed connection sessions
	limiter  *ratelimit.Limiter // optional per-IP connect limit
	logger   logging.Logger

	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	http       *echo.Echo

	onConnect    func(conn *Connection)
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection)

	done      chan struct{}
	closeOnce sync.Once
	startedAt time.Time
}

// NewServer creates a Server. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text message is received. sessions
// may be nil.
func NewServer(config ServerConfig, auth Authenticator, sessions *session.Store, onMessage func(conn *Connection, data []byte), logger logging.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	s := &Server{
		config:     config,
		auth:       auth,
		sessions:   sessions,
		logger:     logger,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.GET("/ws", s.handleUpgrade)
	e.GET("/health", s.handleHealth)
	s.http = e

	return s
}

// HTTP returns the echo instance so callers can mount additional routes
// before Start.
func (s *Server) HTTP() *echo.Echo {
	return s.http
}

// SetConnectLimiter enables the per-IP connection rate limit.
func (s *Server) SetConnectLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// SetOnConnect registers a callback invoked after a connection is registered
// and before its first frame is read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed (read error, heartbeat timeout, close frame or shutdown). It runs
// before the Redis session is deleted.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start initializes the epoll instance, starts the event loop and heartbeat,
// and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.logger.Info("ws: server listening", logging.Fields{
		"addr":      s.config.ListenAddr,
		"node":      s.config.NodeName,
		"workers":   s.config.WorkerPoolSize,
		"max_conns": s.config.MaxConnections,
	})

	if err := s.http.Start(s.config.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request and upgrades it to a WebSocket
// connection using the gobwas/ws zero-copy upgrader.
func (s *Server) handleUpgrade(c echo.Context) error {
	if s.conns.Count() >= s.config.MaxConnections {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "too many connections")
	}

	if s.limiter != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), time.Second)
		ok, _ := s.limiter.Allow(ctx, c.RealIP(), ratelimit.RuleConnect)
		cancel()
		if !ok {
			return echo.NewHTTPError(http.StatusTooManyRequests, "too many connection attempts")
		}
	}

	id, err := s.auth.Authenticate(c.Request())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	netConn, _, _, err := ws.UpgradeHTTP(c.Request(), c.Response())
	if err != nil {
		// The upgrader has already answered the client.
		s.logger.Debug("ws: upgrade failed", logging.Fields{"remote": c.RealIP()}, err)
		return nil
	}
	netConn = s.epoll.Wrap(netConn)

	conn := &Connection{
		ID:        uuid.NewString(),
		UserID:    id.UserID,
		UserName:  id.Name,
		Conn:      netConn,
		Fd:        socketFD(netConn),
		CreatedAt: time.Now(),
	}
	conn.Touch()

	s.conns.Add(conn)
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, conn.ID, conn.UserID, conn.UserName); err != nil {
			s.logger.Warn("ws: failed to create session", logging.Fields{"conn_id": conn.ID}, err)
		}
		cancel()
	}

	if s.onConnect != nil {
		s.onConnect(conn)
	}

	// Reading starts only once the application has set the connection up.
	if err := s.epoll.Add(netConn); err != nil {
		s.logger.Error("ws: epoll add failed", logging.Fields{"conn_id": conn.ID}, err)
		s.RemoveConnection(conn)
		return nil
	}

	s.logger.Debug("ws: new connection", logging.Fields{
		"conn_id": conn.ID,
		"user_id": conn.UserID,
		"fd":      conn.Fd,
		"total":   s.conns.Count(),
	})
	return nil
}

// handleHealth reports the node's connection count and uptime. It is used by
// the load balancer for health checks.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"status":      "ok",
		"node":        s.config.NodeName,
		"connections": s.conns.Count(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	})
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
				if errors.Is(err, syscall.EINTR) {
					continue
				}
				s.logger.Error("ws: epoll wait error", err)
				continue
			}
		}

		for _, netConn := range conns {
			netConn := netConn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(netConn)
				s.epoll.Rearm(netConn)
			}()
		}
	}
}

// handleConn reads one WebSocket message from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on a
// data frame that may never arrive. A failed read removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// At most one worker reads a connection at a time.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means no frame was pending (stale dispatch); the
		// heartbeat deals with dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	c.Touch()

	if header.OpCode.IsControl() {
		payload := make([]byte, header.Length)
		_, err := io.ReadFull(reader, payload)
		_ = netConn.SetReadDeadline(time.Time{})
		switch {
		case err != nil, header.OpCode == ws.OpClose:
			s.RemoveConnection(c)
		case header.OpCode == ws.OpPing:
			if err := c.writeControl(ws.NewPongFrame(payload), s.config.WriteTimeout); err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	data, err := io.ReadAll(io.LimitReader(reader, MaxFrameBytes+1))
	_ = netConn.SetReadDeadline(time.Time{})
	if err != nil {
		s.RemoveConnection(c)
		return
	}
	if len(data) > MaxFrameBytes {
		s.logger.Warn("ws: message too large, closing", logging.Fields{"conn_id": c.ID, "user_id": c.UserID})
		s.RemoveConnection(c)
		return
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll and the connection
// manager and closes it. It is safe to call more than once; only the first
// call runs the disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	// Read errors and heartbeat timeouts may race to remove the same
	// connection.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Delete(ctx, c.ID, c.UserID); err != nil {
			s.logger.Warn("ws: failed to delete session", logging.Fields{"conn_id": c.ID}, err)
		}
		cancel()
	}

	s.logger.Debug("ws: connection closed", logging.Fields{
		"conn_id": c.ID,
		"user_id": c.UserID,
		"total":   s.conns.Count(),
	})
}

// Send writes a text frame to one connection under the configured write
// timeout.
func (s *Server) Send(c *Connection, data []byte) error {
	if err := c.write(data, s.config.WriteTimeout); err != nil {
		return fmt.Errorf("ws: write to %s: %w", c.ID, err)
	}
	return nil
}

// sendAll writes data to conns in parallel, so a stalled peer delays the
// fan-out by at most one write timeout.
func (s *Server) sendAll(ctx context.Context, conns []*Connection, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(conns) == 1 {
		return s.deliver(conns[0], data)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := s.deliver(c, data); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// deliver sends to one connection and evicts it when the write times out:
// a peer that cannot drain one frame within WriteTimeout is treated as dead.
func (s *Server) deliver(c *Connection, data []byte) error {
	err := s.Send(c, data)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.logger.Warn("ws: write timed out, closing", logging.Fields{"conn_id": c.ID, "user_id": c.UserID})
		s.RemoveConnection(c)
	}
	return err
}

// SendToUser writes data to every connection of userID on this node. A user
// without local connections is not an error.
func (s *Server) SendToUser(ctx context.Context, userID uuid.UUID, data []byte) error {
	return s.sendAll(ctx, s.conns.ByUser(userID), data)
}

// SendToGroup writes data to every connection in group except those owned
// by exceptUserID. A zero exceptUserID excludes nobody.
func (s *Server) SendToGroup(ctx context.Context, group string, exceptUserID uuid.UUID, data []byte) error {
	return s.sendAll(ctx, s.conns.Members(group, exceptUserID), data)
}

// Broadcast writes data to every connection on this node.
func (s *Server) Broadcast(ctx context.Context, data []byte) error {
	return s.sendAll(ctx, s.conns.All(), data)
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop and heartbeat to
// exit, removes every connection and closes the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("ws: shutting down server")
	s.closeOnce.Do(func() { close(s.done) })

	var shutdownErr error
	if err := s.http.Shutdown(ctx); err != nil {
		shutdownErr = fmt.Errorf("ws: http shutdown: %w", err)
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.logger.Info("ws: server stopped, all connections closed")
	return shutdownErr
}
