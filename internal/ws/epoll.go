//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll multiplexes reads from all WebSocket connections onto one wait loop.
// Sockets are registered one-shot: after a socket is reported ready it stays
// disarmed until the worker that read it calls Rearm, so a connection is
// never handed to two workers at once.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int]net.Conn
	fds    map[net.Conn]int
	events []unix.EpollEvent
}

const epollEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLONESHOT

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		byFd:   make(map[int]net.Conn),
		fds:    make(map[net.Conn]int),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Wrap returns conn unchanged; epoll reads the socket directly.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return conn
}

// Add registers conn for read readiness.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return syscall.EBADF
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: epollEvents,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.byFd[fd] = conn
	e.fds[conn] = fd
	e.mu.Unlock()
	return nil
}

// Rearm re-enables readiness reporting for conn after a worker is done with
// it. Connections removed in the meantime are ignored.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.RLock()
	fd, ok := e.fds[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	_ = unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: epollEvents,
		Fd:     int32(fd),
	})
}

// Remove unregisters conn. The fd is looked up from registration time since
// a closed conn no longer exposes it.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	fd, ok := e.fds[conn]
	if ok {
		delete(e.fds, conn)
		delete(e.byFd, fd)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until at least one registered connection is readable and
// returns the ready connections. Connections removed between epoll_wait
// returning and the lookup are skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.byFd[int(e.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	return conns, nil
}

func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byFd = make(map[int]net.Conn)
	e.fds = make(map[net.Conn]int)
	return unix.Close(e.fd)
}

// socketFD extracts the descriptor without dup'ing it (as File would), or
// returns -1 for connections that are not backed by a socket.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := raw.Control(func(sfd uintptr) { fd = int(sfd) }); err != nil {
		return -1
	}
	return fd
}
