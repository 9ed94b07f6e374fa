// Package sender implements the dedicated outbound-write goroutine (spec
// §4.5): drains an MPSC queue of pending sends, writes non-blocking to
// client sockets, requeues partial writes, and detects stalled clients.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/ckpool-io/connector/internal/logx"
	"github.com/ckpool-io/connector/internal/metrics"
	"github.com/ckpool-io/connector/internal/redirector"
	"github.com/ckpool-io/connector/internal/registry"
)

// StallTimeout is the write-blocked duration after which a client is
// invalidated (spec §4.5, §8 boundary case: "59s: not invalidated; 60s:
// invalidated").
const StallTimeout = 60 * time.Second

// pollInterval is how often the sender wakes to re-check pending writes
// when no new send has arrived (spec §4.5 step 2: "10ms deadline").
const pollInterval = 10 * time.Millisecond

// writeDeadlineStep bounds a single Write attempt. Go's net.Conn.Write loops
// internally over partial writes and parks on EAGAIN until the peer drains
// its receive buffer, so a write to a socket never returns a short count or
// a would-block error on its own (spec §4.5 step 1: "Write non-blocking...
// partial write requeues, EAGAIN holds the message"). Bounding every Write
// with a short deadline and treating the resulting timeout as EAGAIN is what
// makes the stall-detection and partial-write-requeue paths below reachable.
const writeDeadlineStep = 20 * time.Millisecond

// Registry is the subset of *registry.Registry the sender depends on.
type Registry interface {
	RefByID(id int64) (*registry.Client, bool)
	DecRef(c *registry.Client)
	Invalidate(c *registry.Client)
	Exists(id int64) bool
}

// StratifierDropper notifies the stratifier that a client id could not be
// resolved (spec §4.5 "on failure... tell the stratifier to drop that id").
type StratifierDropper interface {
	DropID(id int64)
}

// Sender owns the local in-flight send list and the cross-thread queue.
type Sender struct {
	reg        Registry
	dropper    StratifierDropper
	redirector *redirector.Redirector
	redirectorEnabled bool

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*registry.SendMessage // cross-thread incoming queue

	local []*registry.SendMessage // owned only by the sender goroutine
}

// New creates a Sender. redir may be nil when redirector mode is disabled.
func New(reg Registry, dropper StratifierDropper, redir *redirector.Redirector) *Sender {
	s := &Sender{reg: reg, dropper: dropper, redirector: redir, redirectorEnabled: redir != nil}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SendClient is the public entry point (spec §4.5 "Public entry
// send_client(id, buf)"). buf must be non-empty. Passthrough subclient ids
// are resolved to their parent before enqueueing.
func (s *Sender) SendClient(id int64, buf []byte) {
	if len(buf) == 0 {
		logx.Warningf("sender", "send_client called with empty buffer for id %d", id)
		return
	}

	parent, subID, isSub := registry.UnpackSubclientID(id)
	var client *registry.Client
	var ok bool

	if isSub {
		client, ok = s.reg.RefByID(parent)
		if !ok {
			if s.reg.Exists(int64(subID)) {
				if sub, subOK := s.reg.RefByID(int64(subID)); subOK {
					s.reg.Invalidate(sub)
					s.reg.DecRef(sub)
				}
			} else {
				s.dropper.DropID(id)
			}
			return
		}
	} else {
		client, ok = s.reg.RefByID(id)
		if !ok {
			s.dropper.DropID(id)
			return
		}
	}

	redirect := false
	if s.redirectorEnabled && !isSub {
		client.Lock()
		authorised := client.Authorised
		redirected := client.Redirected
		addr := client.Addr
		shares := client.Shares
		client.Unlock()

		if authorised && !redirected {
			if s.redirector.Matches(addr) || testRedirectorShares(buf, shares) {
				redirect = true
			}
		}
	}

	msg := &registry.SendMessage{Buf: buf, Client: client}
	metrics.SendsGenerated.Inc()

	s.mu.Lock()
	s.pending = append(s.pending, msg)
	s.mu.Unlock()
	s.cond.Signal()

	if redirect {
		s.doRedirect(client)
	}
}

// testRedirectorShares reports whether buf is a positive share-accept
// ({"id":N,"result":true,"error":null}) for an id still present in shares
// (spec §4.5/§4.7: the redirect trigger's "positive share-accept for an id
// in the client's share echo list" condition).
func testRedirectorShares(buf []byte, shares []registry.ShareEcho) bool {
	if !bytes.Contains(buf, []byte(`"result"`)) {
		return false
	}
	var resp struct {
		ID     *int64      `json:"id"`
		Result *bool       `json:"result"`
		Error  interface{} `json:"error"`
	}
	if err := json.Unmarshal(buf, &resp); err != nil {
		return false
	}
	if resp.ID == nil || resp.Result == nil || !*resp.Result || resp.Error != nil {
		return false
	}
	for _, sh := range shares {
		if sh.RequestID == *resp.ID {
			return true
		}
	}
	return false
}

func (s *Sender) doRedirect(c *registry.Client) {
	c.Lock()
	c.Redirected = true
	addr := c.Addr
	c.Unlock()

	raw, err := s.redirector.ReconnectMessage(addr)
	if err != nil {
		logx.Warningf("sender", "redirect client id %d: %v", c.ID, err)
		return
	}
	s.SendClient(c.ID, append(raw, '\n'))
}

// Run is the sender's main loop (spec §4.5). It blocks until ctx is
// cancelled.
func (s *Sender) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var queued, size int64
		remaining := s.local[:0]
		for _, send := range s.local {
			if s.tryWrite(send) {
				s.clear(send)
			} else {
				remaining = append(remaining, send)
				queued++
				size += int64(len(send.Buf) - send.Offset)
			}
		}
		s.local = remaining

		metrics.SendsCount.Set(float64(queued))
		metrics.SendsMemory.Set(float64(size))

		s.mu.Lock()
		if len(s.pending) == 0 {
			waitCh := make(chan struct{})
			go func() {
				s.cond.L.Lock()
				timer := time.AfterFunc(pollInterval, func() {
					s.cond.L.Lock()
					s.cond.Signal()
					s.cond.L.Unlock()
				})
				if len(s.pending) == 0 {
					select {
					case <-ctx.Done():
					default:
						s.cond.Wait()
					}
				}
				timer.Stop()
				s.cond.L.Unlock()
				close(waitCh)
			}()
			s.mu.Unlock()
			<-waitCh
			s.mu.Lock()
		}
		if len(s.pending) > 0 {
			s.local = append(s.local, s.pending...)
			s.pending = nil
		}
		s.mu.Unlock()
	}
}

// tryWrite implements spec §4.5's try_write algorithm.
func (s *Sender) tryWrite(send *registry.SendMessage) (complete bool) {
	c := send.Client
	c.Lock()
	invalid := c.Invalid
	c.Unlock()
	if invalid {
		return true
	}

	c.Lock()
	if c.Sending != nil && c.Sending != send {
		c.Unlock()
		return false
	}
	c.Sending = send
	conn := c.Conn
	c.Unlock()

	if conn == nil {
		c.Lock()
		c.Sending = nil
		c.Unlock()
		return true
	}

	for send.Offset < len(send.Buf) {
		_ = conn.SetWriteDeadline(time.Now().Add(writeDeadlineStep))
		n, err := conn.Write(send.Buf[send.Offset:])
		if n < 1 {
			c.Lock()
			blocked := c.BlockedSince
			now := time.Now()
			if !blocked.IsZero() && now.Sub(blocked) >= StallTimeout {
				c.Unlock()
				logx.Noticef("sender", "client id %d blocked for >60s, disconnecting", c.ID)
				s.reg.Invalidate(c)
				c.Lock()
				c.Sending = nil
				c.Unlock()
				return true
			}
			if isTransient(err) {
				if blocked.IsZero() {
					c.BlockedSince = now
					metrics.DelaysGenerated.Inc()
				}
				c.Unlock()
				return false
			}
			c.Unlock()
			logx.Infof("sender", "client id %d disconnected with write error: %v", c.ID, err)
			s.reg.Invalidate(c)
			c.Lock()
			c.Sending = nil
			c.Unlock()
			return true
		}
		send.Offset += n
		c.Lock()
		c.BlockedSince = time.Time{}
		c.Unlock()
	}

	c.Lock()
	c.Sending = nil
	c.Unlock()
	return true
}

func (s *Sender) clear(send *registry.SendMessage) {
	s.reg.DecRef(send.Client)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	type temporary interface{ Temporary() bool }
	if te, ok := err.(temporary); ok && te.Temporary() {
		return true
	}
	var ne net.Error
	if ok := asNetError(err, &ne); ok && ne.Timeout() {
		return true
	}
	return false
}

func asNetError(err error, target *net.Error) bool {
	if ne, ok := err.(net.Error); ok {
		*target = ne
		return true
	}
	return false
}
