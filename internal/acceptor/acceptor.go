// Package acceptor implements per-listener accept loops (spec §4.2): accept
// a new TCP connection, gate it against the configured client ceiling, the
// rate limiter, and the IP banlist, then hand it to the registry and arm it
// in epoll.
package acceptor

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ckpool-io/connector/internal/banlist"
	"github.com/ckpool-io/connector/internal/config"
	"github.com/ckpool-io/connector/internal/logx"
	"github.com/ckpool-io/connector/internal/netpoll"
	"github.com/ckpool-io/connector/internal/ratelimit"
	"github.com/ckpool-io/connector/internal/registry"
)

// Registry is the subset of *registry.Registry the acceptor depends on.
type Registry interface {
	Recruit() *registry.Client
	Insert(c *registry.Client, fd int) int64
	LiveCount() int
}

// Poller is the subset of *netpoll.Epoll the acceptor depends on.
type Poller interface {
	Add(fd int, id int64, events uint32) error
}

// Limiter is the subset of *ratelimit.Limiter the acceptor depends on.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Banlist is the subset of *banlist.Store the acceptor depends on.
type Banlist interface {
	IsBanned(ctx context.Context, ip string) (bool, int, string, error)
}

// Acceptor owns one listening socket and accepts connections for it.
type Acceptor struct {
	listener   *net.TCPListener
	serverIdx  int
	highDiff   bool
	maxClients int

	reg     Registry
	poll    Poller
	limiter Limiter
	bans    Banlist
}

// New wraps an already-bound TCP listener. serverIdx is this listener's
// index, used to annotate every client that arrives on it (spec §3, §4.4
// step 4: "server" field) and to derive high-difficulty mode (SPEC_FULL §12:
// port > 4000).
func New(listener *net.TCPListener, serverIdx int, cfg *config.Config, reg Registry, poll Poller, limiter Limiter, bans Banlist) *Acceptor {
	highDiff := false
	if serverIdx < len(cfg.Listeners) {
		highDiff = cfg.Listeners[serverIdx].HighDiff
	}
	return &Acceptor{
		listener:   listener,
		serverIdx:  serverIdx,
		highDiff:   highDiff,
		maxClients: cfg.MaxClients,
		reg:        reg,
		poll:       poll,
		limiter:    limiter,
		bans:       bans,
	}
}

// Run blocks accepting connections until ctx is cancelled or a fatal accept
// error occurs (spec §4.2: "on fatal errors propagate an emergency
// shutdown"). Recoverable errors (EAGAIN/EWOULDBLOCK/ECONNABORTED — Go
// surfaces these as transient net.Error values) are logged and ignored.
func (a *Acceptor) Run(ctx context.Context, fatal chan<- error) {
	go func() {
		<-ctx.Done()
		_ = a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if isTransientAcceptErr(err) {
				logx.Errorf("acceptor", "recoverable error on accept on listener %d: %v", a.serverIdx, err)
				continue
			}
			logx.Emergencyf("acceptor", "fatal accept error on listener %d: %v", a.serverIdx, err)
			select {
			case fatal <- err:
			default:
			}
			return
		}

		a.handleAccept(ctx, conn)
	}
}

func (a *Acceptor) handleAccept(ctx context.Context, conn net.Conn) {
	addr, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		addr = conn.RemoteAddr().String()
	}

	if a.maxClients > 0 && a.reg.LiveCount() >= a.maxClients {
		logx.Warningf("acceptor", "server full with %d clients, rejecting %s", a.reg.LiveCount(), addr)
		conn.Close()
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if a.limiter != nil {
		allowed, err := a.limiter.Allow(checkCtx, addr, ratelimit.RuleConnect)
		if err == nil && !allowed {
			logx.Noticef("acceptor", "rate limited connection attempt from %s", addr)
			conn.Close()
			return
		}
	}

	if a.bans != nil {
		banned, remaining, reason, err := a.bans.IsBanned(checkCtx, addr)
		if err == nil && banned {
			logx.Noticef("acceptor", "rejecting banned IP %s (reason=%q, %ds remaining)", addr, reason, remaining)
			conn.Close()
			return
		}
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		logx.Warningf("acceptor", "unknown connection type from %s, closing", addr)
		conn.Close()
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(2 * time.Minute)

	sendBufSize := 0
	if rawConn, err := tcpConn.SyscallConn(); err == nil {
		_ = rawConn.Control(func(fd uintptr) {
			if v, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF); err == nil {
				sendBufSize = v
			}
		})
	}

	c := a.reg.Recruit()
	c.Conn = tcpConn
	c.Addr = addr
	c.Family = addrFamily(tcpConn)
	c.ServerIdx = a.serverIdx
	c.SendBufSize = sendBufSize

	fd := netpoll.SocketFD(tcpConn)
	id := a.reg.Insert(c, fd)

	logx.Infof("acceptor", "connected new client %d on listener %d from %s (total=%d)",
		id, a.serverIdx, addr, a.reg.LiveCount())

	if err := a.poll.Add(fd, id, netpoll.ClientEvents); err != nil {
		logx.Errorf("acceptor", "failed to epoll_ctl add for client %d: %v", id, err)
		conn.Close()
		return
	}
}

func addrFamily(conn *net.TCPConn) int {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return unix.AF_UNSPEC
	}
	if addr.IP.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func isTransientAcceptErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || netErr.Temporary()
	}
	return false
}
