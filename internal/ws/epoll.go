//go:build linux

package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds each epoll_wait so the event loop observes shutdown.
const waitTimeoutMs = 100

// Epoll wraps Linux epoll syscalls for efficient WebSocket I/O multiplexing.
// Instead of spawning a goroutine per connection, we register file descriptors
// with the kernel and get notified only when data is ready to read.
type Epoll struct {
	fd     int               // epoll file descriptor
	byFd   map[int]net.Conn  // fd -> net.Conn mapping
	fds    map[net.Conn]int  // net.Conn -> fd, valid after the conn is closed
	mu     sync.RWMutex      // protects both maps
	events []unix.EpollEvent // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
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

// Add registers a network connection with epoll for read readiness and
// hang-up notifications. The returned reader is the source frames must be
// read from; on Linux it is the connection itself.
func (e *Epoll) Add(conn net.Conn) (io.Reader, error) {
	fd := socketFD(conn)
	if fd < 0 {
		return nil, errors.New("ws: connection has no file descriptor")
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.byFd[fd] = conn
	e.fds[conn] = fd
	e.mu.Unlock()
	return conn, nil
}

// Remove unregisters a network connection from epoll. It is safe to call for
// a connection that was never added or was already removed.
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
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return nil
}

// Resume re-arms readiness notifications for conn. Level-triggered epoll
// keeps reporting pending data, so this is a no-op on Linux.
func (e *Epoll) Resume(net.Conn) {}

// Wait blocks for up to waitTimeoutMs until registered connections are ready
// for reading. An interrupted or timed out wait returns no connections and
// no error.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.byFd[int(e.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byFd = make(map[int]net.Conn)
	e.fds = make(map[net.Conn]int)
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the file descriptor
// (which File() does), keeping the original fd valid for epoll registration.
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
	if err := raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	}); err != nil {
		return -1
	}
	return fd
}
