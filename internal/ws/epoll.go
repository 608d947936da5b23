//go:build linux

package ws

import (
	"errors"
	"log"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds each epoll_wait so Run can observe shutdown.
const waitTimeoutMs = 200

// Epoll multiplexes read readiness for every registered socket through a
// single epoll instance. Ready sockets are handed to handle on a bounded set
// of worker goroutines.
type Epoll struct {
	fd          int
	mu          sync.RWMutex
	connections map[int]net.Conn // fd -> net.Conn
	events      []unix.EpollEvent
	handle      func(net.Conn)
	workers     chan struct{}
}

// NewEpoll creates an epoll instance. handle reads one frame from a ready
// connection; at most workers calls run at once.
func NewEpoll(workers int, handle func(net.Conn)) (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 1
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]net.Conn),
		events:      make([]unix.EpollEvent, 128),
		handle:      handle,
		workers:     make(chan struct{}, workers),
	}, nil
}

// Add registers conn for EPOLLIN and EPOLLHUP notifications.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.connections[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove unregisters conn, known to the caller by the fd it had when it was
// added. If the fd has since been reused by another socket, nothing happens.
func (e *Epoll) Remove(fd int, conn net.Conn) error {
	e.mu.Lock()
	if e.connections == nil || e.connections[fd] != conn {
		e.mu.Unlock()
		return nil
	}
	delete(e.connections, fd)
	e.mu.Unlock()

	// A closed socket has already left the interest list.
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil &&
		!errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return nil
}

// Run waits for readiness until done is closed.
func (e *Epoll) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			select {
			case <-done:
				return
			default:
			}
			log.Printf("ws: epoll wait error: %v", err)
			continue
		}

		e.mu.RLock()
		ready := make([]net.Conn, 0, n)
		for i := 0; i < n; i++ {
			if conn, ok := e.connections[int(e.events[i].Fd)]; ok {
				ready = append(ready, conn)
			}
		}
		e.mu.RUnlock()

		for _, conn := range ready {
			e.workers <- struct{}{}
			go func(conn net.Conn) {
				defer func() { <-e.workers }()
				e.handle(conn)
			}(conn)
		}
	}
}

// Close releases the epoll descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = nil
	return unix.Close(e.fd)
}

// socketFD extracts the descriptor without dup'ing it, or -1 when the
// connection is not backed by a socket.
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
