// Package parser implements the per-client message framer (spec §4.4): it
// converts the byte stream into newline-delimited JSON objects, annotates
// each with client_id/address/server, and dispatches the result to the
// stratifier or generator link.
package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/ckpool-io/connector/internal/bus"
	"github.com/ckpool-io/connector/internal/logx"
	"github.com/ckpool-io/connector/internal/registry"
)

// MaxMsgSize is the frame size limit for non-remote clients (spec §4.4,
// §8 boundary cases).
const MaxMsgSize = 1024

// ShareMaxAge is how long a redirector share echo entry survives before
// being pruned on the next insertion (spec §3, §9 Open Question: GC runs
// only on insertion, preserved verbatim).
const ShareMaxAge = 120 * time.Second

// Links bundles the outbound queues the parser may dispatch to.
type Links struct {
	StratifierRecv bus.Link
	GeneratorSend  bus.Link
}

// Mode carries the process-wide flags the parser's dispatch step depends on
// (spec §4.4 step 6).
type Mode struct {
	Passthrough bool
	Node        bool
	Redirector  bool
}

// Reader is the minimal non-blocking read operation the parser needs from a
// client socket; satisfied by net.Conn. Read alone is not enough: Go's
// runtime parks the calling goroutine until data arrives instead of ever
// returning EAGAIN, so a worker reading an idle client would never come
// back to rearm epoll (spec §4.4 step 1: "Read non-blocking... EAGAIN/0
// returns true"). Parse bounds every read with a short deadline instead and
// treats the resulting timeout as the EAGAIN case, which requires
// SetReadDeadline alongside Read.
type Reader interface {
	Read(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
}

// readStep bounds a single read attempt (spec §4.4 step 1). Long enough
// that data already sitting in the socket buffer from an EPOLLIN is never
// missed, short enough that a worker never parks on a
// client that has gone idle after its last frame.
const readStep = 2 * time.Millisecond

// Parser holds the mode/links shared across all clients; client-specific
// state (ReadBuf, ReadOff, Shares) lives on registry.Client itself so the
// receiver's worker pool can invoke Parse concurrently for different
// clients without contention (spec §5: "workers block only on the
// registry rwlock").
type Parser struct {
	links Links
	mode  Mode
}

func New(links Links, mode Mode) *Parser {
	return &Parser{links: links, mode: mode}
}

// isTransient reports whether err is the non-blocking "no data right now"
// case (spec §4.4 step 1: "EAGAIN/0 returns true") rather than a genuine
// disconnect. Only called when n < 1, so n itself never distinguishes the
// two cases — only err's shape does (the deadline exceeded error reports
// Timeout(); io.EOF and reset errors report neither).
func isTransient(n int, err error) bool {
	if err == nil {
		return false
	}
	type temporary interface{ Temporary() bool }
	if te, ok := err.(temporary); ok && te.Temporary() {
		return true
	}
	type timeout interface{ Timeout() bool }
	if te, ok := err.(timeout); ok && te.Timeout() {
		return true
	}
	return false
}

// Parse runs one call of the algorithm in spec §4.4 against a single read
// readiness notification. c must already be referenced by the caller
// (spec: "invoked only while the client is referenced"). Returns false if
// the client should be invalidated.
func (p *Parser) Parse(ctx context.Context, conn Reader, c *registry.Client, sendInvalidJSON func([]byte)) bool {
	for {
		if c.ReadOff > MaxMsgSize {
			if !c.Remote {
				logx.Noticef("parser", "client id %d overloaded buffer without EOL, disconnecting", c.ID)
				return false
			}
			grown := make([]byte, c.ReadOff+MaxMsgSize+1)
			copy(grown, c.ReadBuf[:c.ReadOff])
			c.ReadBuf = grown
		}
		if c.ReadBuf == nil {
			c.ReadBuf = make([]byte, MaxMsgSize+1)
		}
		if c.ReadOff+MaxMsgSize > len(c.ReadBuf) {
			grown := make([]byte, c.ReadOff+MaxMsgSize+1)
			copy(grown, c.ReadBuf[:c.ReadOff])
			c.ReadBuf = grown
		}

		if err := conn.SetReadDeadline(time.Now().Add(readStep)); err != nil {
			logx.Infof("parser", "client id %d disconnected: %v", c.ID, err)
			return false
		}
		n, err := conn.Read(c.ReadBuf[c.ReadOff : c.ReadOff+MaxMsgSize])
		if n < 1 {
			if isTransient(n, err) {
				return true
			}
			logx.Infof("parser", "client id %d disconnected: %v", c.ID, err)
			return false
		}
		c.ReadOff += n

		for {
			eol := bytes.IndexByte(c.ReadBuf[:c.ReadOff], '\n')
			if eol < 0 {
				break
			}
			frameLen := eol + 1
			if frameLen > MaxMsgSize && !c.Remote {
				logx.Noticef("parser", "client id %d message oversize, disconnecting", c.ID)
				return false
			}

			frame := c.ReadBuf[:eol]
			if !p.dispatch(ctx, c, frame, sendInvalidJSON) {
				return false
			}

			c.ReadOff -= frameLen
			if c.ReadOff > 0 {
				copy(c.ReadBuf, c.ReadBuf[frameLen:frameLen+c.ReadOff])
			}
		}
	}
}

// dispatch handles steps 3-6 of spec §4.4 for one complete frame.
func (p *Parser) dispatch(ctx context.Context, c *registry.Client, frame []byte, sendInvalidJSON func([]byte)) bool {
	var obj map[string]interface{}
	if err := json.Unmarshal(frame, &obj); err != nil {
		logx.Infof("parser", "client id %d sent invalid json message %q", c.ID, frame)
		sendInvalidJSON([]byte("Invalid JSON, disconnecting\n"))
		return false
	}

	if c.Passthrough {
		var passthroughID int64
		if v, ok := obj["client_id"]; ok {
			if f, ok := v.(float64); ok {
				passthroughID = int64(f)
			}
		}
		delete(obj, "client_id")
		obj["client_id"] = registry.PackSubclientID(c.ID, uint32(passthroughID))
	} else {
		if p.mode.Redirector && !c.Redirected && bytes.Contains(frame, []byte("mining.submit")) {
			p.recordShareEcho(c, obj)
		}
		obj["client_id"] = c.ID
		obj["address"] = c.Addr
	}
	obj["server"] = c.ServerIdx

	if c.Invalid {
		return true
	}

	out, err := json.Marshal(obj)
	if err != nil {
		logx.Warningf("parser", "client id %d failed to re-encode annotated message: %v", c.ID, err)
		return true
	}

	if !p.mode.Passthrough {
		_ = p.links.StratifierRecv.Send(ctx, out)
	}
	if p.mode.Node {
		cp := make([]byte, len(out))
		copy(cp, out)
		_ = p.links.StratifierRecv.Send(ctx, cp)
	}
	if p.mode.Passthrough {
		_ = p.links.GeneratorSend.Send(ctx, out)
	}

	return true
}

// recordShareEcho appends a share-echo entry and prunes entries older than
// ShareMaxAge (spec §4.4 step 5, §3). GC runs only here, on insertion.
func (p *Parser) recordShareEcho(c *registry.Client, obj map[string]interface{}) {
	idVal, ok := obj["id"]
	if !ok {
		logx.Noticef("parser", "failed to find redirector share id for client %d", c.ID)
		return
	}
	f, ok := idVal.(float64)
	if !ok {
		return
	}

	c.Lock()
	defer c.Unlock()

	now := time.Now()
	c.Shares = append(c.Shares, registry.ShareEcho{SubmittedAt: now, RequestID: int64(f)})

	kept := c.Shares[:0]
	for _, s := range c.Shares {
		if now.Sub(s.SubmittedAt) <= ShareMaxAge {
			kept = append(kept, s)
		}
	}
	c.Shares = kept
}
