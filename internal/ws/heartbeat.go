package ws

import (
	"context"
	"time"

	"github.com/gobwas/ws"

	"github.com/scholaris/realtime/internal/logging"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically pings every
// connection and removes those that have gone stale (no frame read within
// Interval + Timeout). It returns immediately; the goroutine exits when the
// server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		config = DefaultHeartbeatConfig()
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

// checkConnections removes connections that have been silent past the
// deadline, pings the rest with a protocol-level ping frame (which browsers
// answer automatically) and refreshes their sessions.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout
	writeTimeout := server.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = config.Timeout
	}

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			server.logger.Info("ws: heartbeat timeout", logging.Fields{
				"conn_id": c.ID,
				"user_id": c.UserID,
				"idle":    idle.Round(time.Second).String(),
			})
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(writeTimeout); err != nil {
			server.logger.Debug("ws: heartbeat ping failed", logging.Fields{"conn_id": c.ID}, err)
			server.RemoveConnection(c)
			continue
		}

		if server.sessions != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := server.sessions.Touch(ctx, c.ID, c.UserID); err != nil {
				server.logger.Debug("ws: session refresh failed", logging.Fields{"conn_id": c.ID}, err)
			}
			cancel()
		}
	}
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing(timeout time.Duration) error {
	return c.writeControl(ws.NewPingFrame(nil), timeout)
}

// writeControl sends a control frame, serialized with data frames by the
// write mutex. A peer that stops reading fails the write after timeout.
func (c *Connection) writeControl(f ws.Frame, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, f)
}
