//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the server runs on developer machines. Readiness is detected by peeking
// one byte through a buffered reader that the server reads frames from, so no
// payload is lost.
type Epoll struct {
	mu        sync.RWMutex
	conns     map[net.Conn]chan struct{} // conn -> rearm signal
	readyCh   chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap puts a buffered reader in front of conn. The server must register and
// read from the returned connection.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &bufferedConn{Conn: conn, r: bufio.NewReader(conn)}
}

// Add starts monitoring a connection returned by Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	bc, ok := conn.(*bufferedConn)
	if !ok {
		return errors.New("ws: connection was not wrapped")
	}
	rearm := make(chan struct{}, 1)
	e.mu.Lock()
	e.conns[conn] = rearm
	e.mu.Unlock()

	go e.monitor(bc, rearm)
	return nil
}

// monitor reports the connection ready whenever a byte is buffered, then
// waits for Rearm before peeking again so it never reads concurrently with
// the server.
func (e *Epoll) monitor(bc *bufferedConn, rearm <-chan struct{}) {
	for {
		_, err := bc.r.Peek(1)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// A read deadline left over from the server; clear it and keep waiting.
			_ = bc.Conn.SetReadDeadline(time.Time{})
			continue
		}

		select {
		case e.readyCh <- bc:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Rearm lets the monitor of conn look for the next frame.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ch, ok := e.conns[conn]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	if ch, ok := e.conns[conn]; ok {
		delete(e.conns, conn)
		close(ch)
	}
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]chan struct{})
	e.mu.Unlock()
	return nil
}

// socketFD is not needed by the fallback; connections are looked up by
// net.Conn instead.
func socketFD(conn net.Conn) int {
	return -1
}
