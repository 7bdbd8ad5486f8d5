//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"
)

// waitTimeout bounds each Wait so the event loop observes shutdown.
const waitTimeout = 100 * time.Millisecond

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the server runs on macOS and Windows during development. Each connection
// is wrapped in a buffered reader; a monitor goroutine peeks one byte to
// detect readiness and then waits for Resume before peeking again, so the
// monitor and the frame reader never touch the buffer at the same time.
type Epoll struct {
	mu      sync.Mutex
	watches map[net.Conn]*watch
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	br     *bufio.Reader
	resume chan struct{}
	gone   chan struct{}
	once   sync.Once
}

func (w *watch) stop() { w.once.Do(func() { close(w.gone) }) }

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		watches: make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its monitor. Frames must be read
// from the returned buffered reader.
func (e *Epoll) Add(conn net.Conn) (io.Reader, error) {
	w := &watch{br: bufio.NewReader(conn), resume: make(chan struct{}, 1), gone: make(chan struct{})}
	e.mu.Lock()
	e.watches[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return w.br, nil
}

func (e *Epoll) monitor(conn net.Conn, w *watch) {
	for {
		// A peek error is reported as readiness too, and again after every
		// Resume, until the server removes the connection.
		_, _ = w.br.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-w.gone:
			return
		case <-e.done:
			return
		}

		select {
		case <-w.resume:
		case <-w.gone:
			return
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor of conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	w := e.watches[conn]
	e.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection and stops its monitor.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w := e.watches[conn]
	delete(e.watches, conn)
	e.mu.Unlock()
	if w != nil {
		w.stop()
	}
	return nil
}

// Wait blocks for up to waitTimeout until at least one connection is ready
// and returns every connection that is ready at that point.
func (e *Epoll) Wait() ([]net.Conn, error) {
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()

	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	case <-timer.C:
		return nil, nil
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
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	for _, w := range e.watches {
		w.stop()
	}
	e.watches = make(map[net.Conn]*watch)
	e.mu.Unlock()
	return nil
}
