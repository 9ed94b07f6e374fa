// Package receiver implements the single epoll-owning event loop (spec
// §4.3): it waits for ready client sockets and fans them out to a bounded
// worker pool that parses, classifies, and re-arms each one.
package receiver

import (
	"context"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ckpool-io/connector/internal/logx"
	"github.com/ckpool-io/connector/internal/netpoll"
	"github.com/ckpool-io/connector/internal/parser"
	"github.com/ckpool-io/connector/internal/registry"
)

// WaitTimeoutMs is how long each epoll_wait call blocks (spec §4.3: "waits
// up to 1s for one event").
const WaitTimeoutMs = 1000

// Registry is the subset of *registry.Registry the receiver depends on.
type Registry interface {
	RefByID(id int64) (*registry.Client, bool)
	DecRef(c *registry.Client)
	Invalidate(c *registry.Client)
}

// Poller is the subset of *netpoll.Epoll the receiver depends on.
type Poller interface {
	Wait(timeoutMs int) ([]netpoll.Event, error)
	Modify(fd int, id int64, events uint32) error
}

// Receiver owns the epoll wait loop and worker pool.
type Receiver struct {
	poll   Poller
	reg    Registry
	parser *parser.Parser

	workers chan struct{}

	stratifierReady atomic.Bool
	acceptEnabled   atomic.Bool
}

// New creates a Receiver. poolSize is the number of concurrent workers
// (spec §4.3: "one entry per half the online CPU count, minimum one").
func New(poll Poller, reg Registry, p *parser.Parser, poolSize int) *Receiver {
	if poolSize < 1 {
		poolSize = 1
	}
	return &Receiver{
		poll:    poll,
		reg:     reg,
		parser:  p,
		workers: make(chan struct{}, poolSize),
	}
}

// DefaultPoolSize returns half the online CPU count, minimum one (spec
// §4.3).
func DefaultPoolSize() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}

// SetStratifierReady marks whether the receiver may begin serving events
// (spec §4.3: "waits for a stratifier_ready flag").
func (r *Receiver) SetStratifierReady(ready bool) { r.stratifierReady.Store(ready) }

// SetAcceptEnabled gates event servicing on the control loop's accept/reject
// command (spec §4.3, §4.6).
func (r *Receiver) SetAcceptEnabled(enabled bool) { r.acceptEnabled.Store(enabled) }

// Run blocks servicing events until ctx is cancelled.
func (r *Receiver) Run(ctx context.Context) {
	for !r.stratifierReady.Load() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		for !r.acceptEnabled.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}

		events, err := r.poll.Wait(WaitTimeoutMs)
		if err != nil {
			logx.Emergencyf("receiver", "fatal epoll_wait error: %v", err)
			return
		}
		if len(events) == 0 {
			continue
		}

		for _, ev := range events {
			ev := ev
			r.workers <- struct{}{}
			go func() {
				defer func() { <-r.workers }()
				r.process(ctx, ev)
			}()
		}
	}
}

// process implements the per-worker logic of spec §4.3's second paragraph.
func (r *Receiver) process(ctx context.Context, ev netpoll.Event) {
	c, ok := r.reg.RefByID(ev.ID)
	if !ok {
		return
	}
	defer r.reg.DecRef(c)

	if ev.Events&unix.EPOLLERR != 0 {
		r.classifyError(c)
		r.reg.Invalidate(c)
		return
	}
	if ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		r.reg.Invalidate(c)
		return
	}
	if ev.Events&unix.EPOLLIN == 0 {
		return
	}

	ok = r.parser.Parse(ctx, c.Conn, c, func(buf []byte) {
		if c.Conn != nil {
			_, _ = c.Conn.Write(buf)
		}
	})
	if !ok {
		r.reg.Invalidate(c)
		return
	}

	if !c.Invalid {
		if err := r.poll.Modify(c.Fd, c.ID, netpoll.ClientEvents); err != nil {
			logx.Warningf("receiver", "failed to rearm client %d: %v", c.ID, err)
			r.reg.Invalidate(c)
		}
	}
}

// classifyError reads SO_ERROR to distinguish a routine reset from a
// genuine problem (spec §4.3: "ECONNRESET logs at notice, others at
// warning").
func (r *Receiver) classifyError(c *registry.Client) {
	if c.Conn == nil {
		return
	}
	sc, ok := c.Conn.(syscall.Conn)
	if !ok {
		logx.Warningf("receiver", "client %d epoll error, unable to read SO_ERROR", c.ID)
		return
	}
	rawConn, err := sc.SyscallConn()
	if err != nil {
		return
	}
	var soErr int
	_ = rawConn.Control(func(fd uintptr) {
		v, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil {
			soErr = v
		}
	})
	if soErr == int(unix.ECONNRESET) {
		logx.Noticef("receiver", "client %d connection reset by peer", c.ID)
	} else {
		logx.Warningf("receiver", "client %d epoll error, SO_ERROR=%d", c.ID, soErr)
	}
}
