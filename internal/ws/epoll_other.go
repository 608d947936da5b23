//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the portable fallback: every registered connection gets a reader
// goroutine that calls handle in a loop. handle blocks in the frame read, so
// no bytes are consumed ahead of the WebSocket decoder.
type Epoll struct {
	mu     sync.Mutex
	conns  map[net.Conn]chan struct{}
	handle func(net.Conn)
	closed bool
}

// NewEpoll creates the fallback poller. workers is unused because each
// connection already owns exactly one reader.
func NewEpoll(workers int, handle func(net.Conn)) (*Epoll, error) {
	return &Epoll{
		conns:  make(map[net.Conn]chan struct{}),
		handle: handle,
	}, nil
}

// Add starts the reader goroutine for conn.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return net.ErrClosed
	}
	stop := make(chan struct{})
	e.conns[conn] = stop
	go e.readLoop(conn, stop)
	return nil
}

func (e *Epoll) readLoop(conn net.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		e.handle(conn)
	}
}

// Remove stops the reader goroutine for conn.
func (e *Epoll) Remove(fd int, conn net.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stop, ok := e.conns[conn]; ok {
		close(stop)
		delete(e.conns, conn)
	}
	return nil
}

// Run blocks until done is closed.
func (e *Epoll) Run(done <-chan struct{}) {
	<-done
}

// Close stops every reader goroutine.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for conn, stop := range e.conns {
		close(stop)
		delete(e.conns, conn)
	}
	e.closed = true
	return nil
}

func socketFD(conn net.Conn) int {
	return -1
}
