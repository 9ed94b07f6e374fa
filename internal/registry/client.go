// Package registry owns the lifecycle of every client record: the live hash
// keyed by client id, a dead list awaiting reclamation, and a recycled free
// list. A record is reachable from exactly one of those three collections at
// any instant; transitions are unidirectional, live -> dead -> recycled
// (spec §3, §4.1).
package registry

import (
	"net"
	"sync"
	"time"
)

// ShareEcho is one pending redirector share correlation entry (spec §3).
type ShareEcho struct {
	SubmittedAt time.Time
	RequestID   int64
}

// Client is one connection's record. Fields not covered by the registry's
// own rwlock (Sending, the boolean mode flags, BlockedSince, SendBufSize,
// Shares, the read buffer) are guarded by mu, held only while a caller
// already holds a reference (spec §5: "workers and senders use [fds] only
// while holding a reference").
type Client struct {
	ID        int64
	Fd        int
	Conn      net.Conn // underlying socket; single-owner is the registry (spec §5)
	Addr      string   // textual peer address
	Family    int
	ServerIdx int // index of the listening socket this client arrived on

	mu sync.Mutex

	ReadBuf []byte
	ReadOff int

	Sending *SendMessage // in-flight outbound message; preserves FIFO per client

	Invalid     bool
	Passthrough bool
	Remote      bool
	Redirected  bool
	Authorised  bool

	BlockedSince time.Time // zero value means "not currently blocked"
	SendBufSize  int

	Shares []ShareEcho

	refCount int32 // guarded by the owning Registry's mutex
}

// SendMessage is the sender's in-flight record for one client (spec §3).
type SendMessage struct {
	Buf    []byte
	Offset int
	Client *Client
}

// Lock/Unlock expose the per-client mutex to callers (parser, sender,
// control) that already hold a reference and need to touch Sending, the
// mode flags, BlockedSince, SendBufSize, Shares, or the read buffer.
func (c *Client) Lock()   { c.mu.Lock() }
func (c *Client) Unlock() { c.mu.Unlock() }

// reset zeroes a client record for reuse from the recycled list. ID is set
// to -1 per the "recycled record has ref == 0 and id == -1" invariant
// (spec §8 property 3).
func (c *Client) reset() {
	c.ID = -1
	c.Fd = 0
	c.Conn = nil
	c.Addr = ""
	c.Family = 0
	c.ServerIdx = 0
	c.ReadBuf = nil
	c.ReadOff = 0
	c.Sending = nil
	c.Invalid = false
	c.Passthrough = false
	c.Remote = false
	c.Redirected = false
	c.Authorised = false
	c.BlockedSince = time.Time{}
	c.SendBufSize = 0
	c.Shares = nil
	c.refCount = 0
}
