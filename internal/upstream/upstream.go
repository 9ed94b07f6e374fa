// Package upstream implements remote-trusted-server mode (spec §4.8): one
// reconnecting TCP connection to an upstream pool, a binary semaphore
// guarding shared use of the socket, an MPSC send queue, and a line-framed
// JSON receive loop that dispatches by method.
package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/ckpool-io/connector/internal/logx"
)

// clientVersion identifies this connector to the upstream pool in the
// mining.remote handshake (spec §4.8: "<pkg>/<ver>").
const clientVersion = "ckpool-connector/1.0"

// ReconnectDelay is the sleep between failed (re)connect attempts (spec
// §4.8: "5s sleep").
const ReconnectDelay = 5 * time.Second

// ReadTimeout bounds each line read; on timeout a ping is sent (spec §4.8:
// "5s timeout... on empty read sends a ping").
const ReadTimeout = 5 * time.Second

// Handlers dispatches upstream messages by method (spec §4.8's six
// handlers; pong is handled internally and never reaches here).
type Handlers struct {
	Transactions func(msg json.RawMessage)
	AuthResult   func(msg json.RawMessage)
	WorkInfo     func(msg json.RawMessage)
	Block        func(msg json.RawMessage)
	ReqTxns      func(msg json.RawMessage)
}

// Client owns the single upstream connection.
type Client struct {
	addr     string
	handlers Handlers

	mu   sync.Mutex // binary semaphore guarding the shared connection
	conn net.Conn
	r    *bufio.Reader

	sendCh chan []byte
}

// New creates a Client for the given upstream address ("host:port").
func New(addr string, handlers Handlers) *Client {
	return &Client{
		addr:     addr,
		handlers: handlers,
		sendCh:   make(chan []byte, 256),
	}
}

// Run blocks connecting, then running the sender and receiver loops until
// ctx is cancelled (spec §4.8, §5: "one upstream sender, one upstream
// receiver").
func (c *Client) Run(ctx context.Context) error {
	if !c.connectLoop(ctx) {
		return ctx.Err()
	}

	done := make(chan struct{}, 2)
	go func() {
		c.senderLoop(ctx)
		done <- struct{}{}
	}()
	go func() {
		c.receiverLoop(ctx)
		done <- struct{}{}
	}()

	<-ctx.Done()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	<-done
	<-done
	return ctx.Err()
}

// Send enqueues a message for the sender loop (spec §4.8 "reads strings
// from an MPSC queue and writes").
func (c *Client) Send(buf []byte) {
	select {
	case c.sendCh <- buf:
	default:
		logx.Warningf("upstream", "send queue full, dropping message to upstream")
	}
}

// connectLoop dials and performs the mining.remote handshake, retrying
// every ReconnectDelay until ctx is cancelled or it succeeds.
func (c *Client) connectLoop(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if c.connect() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(ReconnectDelay):
		}
	}
}

func (c *Client) connect() bool {
	conn, err := net.DialTimeout("tcp", c.addr, 10*time.Second)
	if err != nil {
		logx.Warningf("upstream", "failed to connect to upstream server %s: %v", c.addr, err)
		return false
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetReadBuffer(2 << 20)
		_ = tcpConn.SetWriteBuffer(2 << 20)
	}

	handshake := map[string]interface{}{
		"method": "mining.remote",
		"params": []string{clientVersion},
	}
	raw, _ := json.Marshal(handshake)
	raw = append(raw, '\n')

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(raw); err != nil {
		logx.Warningf("upstream", "failed to send handshake to upstream server: %v", err)
		conn.Close()
		return false
	}
	_ = conn.SetWriteDeadline(time.Time{})

	r := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	line, err := r.ReadString('\n')
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		logx.Warningf("upstream", "failed to receive handshake reply from upstream server: %v", err)
		conn.Close()
		return false
	}

	var reply struct {
		Result bool `json:"result"`
	}
	if err := json.Unmarshal([]byte(line), &reply); err != nil || !reply.Result {
		logx.Warningf("upstream", "denied upstream trusted connection: %s", line)
		conn.Close()
		return false
	}

	logx.Noticef("upstream", "connected to upstream server %s as trusted remote", c.addr)

	c.mu.Lock()
	c.conn = conn
	c.r = r
	c.mu.Unlock()
	return true
}

// senderLoop drains Send's queue and writes to the upstream socket,
// reconnecting (with ReconnectDelay sleep) on any write failure (spec
// §4.8).
func (c *Client) senderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case buf := <-c.sendCh:
			if len(buf) == 0 {
				continue
			}
			c.writeWithReconnect(ctx, buf)
		}
	}
}

func (c *Client) writeWithReconnect(ctx context.Context, buf []byte) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			if _, err := conn.Write(buf); err == nil {
				return
			}
			logx.Warningf("upstream", "upstream pool write failed, attempting reconnect while caching messages")
			conn.Close()
		}

		if !c.connectLoop(ctx) {
			return
		}
	}
}

// receiverLoop reads line-framed JSON with a read timeout; on a timeout or
// empty read it sends a ping (spec §4.8). Method dispatch fans out to the
// six handlers.
func (c *Client) receiverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn, r := c.conn, c.r
		c.mu.Unlock()
		if conn == nil || r == nil {
			if !c.connectLoop(ctx) {
				return
			}
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		line, err := r.ReadString('\n')
		_ = conn.SetReadDeadline(time.Time{})

		if err != nil {
			ne, ok := err.(net.Error)
			if ok && ne.Timeout() {
				logx.Debugf("upstream", "no message from upstream pool")
				c.Send([]byte(`{"method":"ping"}` + "\n"))
				continue
			}
			logx.Noticef("upstream", "failed to read from upstream pool: %v", err)
			conn.Close()
			if !c.connectLoop(ctx) {
				return
			}
			time.Sleep(ReconnectDelay)
			continue
		}

		c.dispatch(line)
	}
}

func (c *Client) dispatch(line string) {
	var envelope struct {
		Method string `json:"method"`
	}
	raw := json.RawMessage(line)
	if err := json.Unmarshal(raw, &envelope); err != nil {
		logx.Warningf("upstream", "received non-json msg from upstream pool: %s", line)
		return
	}
	if envelope.Method == "" {
		logx.Warningf("upstream", "failed to find method from upstream pool json: %s", line)
		return
	}

	switch envelope.Method {
	case "transactions":
		call(c.handlers.Transactions, raw)
	case "authresult":
		call(c.handlers.AuthResult, raw)
	case "workinfo":
		call(c.handlers.WorkInfo, raw)
	case "block":
		call(c.handlers.Block, raw)
	case "reqtxns":
		call(c.handlers.ReqTxns, raw)
	case "pong":
		logx.Debugf("upstream", "received upstream pong")
	default:
		logx.Warningf("upstream", "unrecognised upstream method %s", envelope.Method)
	}
}

func call(h func(json.RawMessage), raw json.RawMessage) {
	if h != nil {
		h(raw)
	}
}
