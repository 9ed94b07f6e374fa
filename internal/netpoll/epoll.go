//go:build linux

// Package netpoll wraps Linux epoll for the receiver's single-threaded event
// loop (spec §4.3). Unlike the chat server's plain level-triggered
// registration, the connector uses one-shot (EPOLLONESHOT) semantics: a
// socket must be explicitly re-armed with Modify after each event it hands
// to a worker (spec §4.3 "if the client is still valid after processing,
// rearm... otherwise do not rearm").
package netpoll

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ClientEvents is the interest set installed for client sockets: readable,
// peer half-close, and one-shot delivery (spec §4.2, §4.3).
const ClientEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// Epoll wraps epoll_create1/epoll_ctl/epoll_wait. Event.Fd carries the
// client id as userdata rather than the raw fd (spec §4.1's "epoll userdata"
// discriminates accept vs. data events by numeric id range), so the caller
// supplies the id explicitly rather than relying on Epoll to track net.Conn.
type Epoll struct {
	fd     int
	mu     sync.Mutex
	events []unix.EpollEvent
}

// Event is one ready notification: the client (or listener) id used as
// userdata, and the raw epoll event mask for classification (spec §4.3:
// EPOLLERR -> SO_ERROR, EPOLLHUP/EPOLLRDHUP -> invalidate, EPOLLIN -> parse).
type Event struct {
	ID     int64
	Events uint32
}

// New creates a new epoll instance using epoll_create1.
func New() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{fd: fd, events: make([]unix.EpollEvent, 256)}, nil
}

// Add registers fd for events under the given id, which becomes the
// userdata returned by Wait.
func (e *Epoll) Add(fd int, id int64, events uint32) error {
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(id),
	})
}

// Modify re-arms fd for another one-shot event (spec §4.3 rearm step). Used
// after a worker finishes processing an event for a still-valid client.
func (e *Epoll) Modify(fd int, id int64, events uint32) error {
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(id),
	})
}

// Remove unregisters fd. Closing the fd elsewhere also removes it from the
// interest list implicitly; Remove is used when the fd must stay open
// (none currently) or for explicit cleanup ordering.
func (e *Epoll) Remove(fd int) error {
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks up to timeoutMs for ready events (spec §4.3: "waits up to 1s
// for one event"). timeoutMs of -1 blocks indefinitely.
func (e *Epoll) Wait(timeoutMs int) ([]Event, error) {
	n, err := unix.EpollWait(e.fd, e.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = Event{ID: int64(e.events[i].Fd), Events: e.events[i].Events}
	}
	return out, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return unix.Close(e.fd)
}

// SocketFD extracts the file descriptor from a net.Conn via SyscallConn,
// avoiding the fd duplication that conn.(*net.TCPConn).File() performs
// (which would leave the original fd's non-blocking flag unmanaged).
func SocketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
