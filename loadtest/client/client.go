// Package client provides a reusable load test client for the ckpool
// connector. Unlike the WebSocket chat client it replaces, the connector
// speaks raw newline-delimited JSON over plain TCP (spec Non-goal: no HTTP
// upgrade), so this client dials a TCP socket directly and frames messages
// on '\n'.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client represents a single simulated miner connection to the connector.
// It manages the TCP lifecycle, dispatches incoming JSON lines to registered
// handlers keyed by method name, and is safe for concurrent Send calls.
type Client struct {
	conn net.Conn

	mu      sync.Mutex
	metrics Metrics

	handlers map[string]func(json.RawMessage)

	done      chan struct{}
	closeOnce sync.Once
	firstMsg  time.Time
}

// New dials addr ("host:port") and starts a background read loop.
func New(ctx context.Context, addr string) (*Client, error) {
	start := time.Now()
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send marshals msg to JSON, appends a trailing newline, and writes it. It
// is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	_, err = c.conn.Write(data)
	return err
}

// On registers a handler for messages whose "method" field equals method.
// Handlers run on the read loop goroutine and must not block for long.
// Registering a second handler for the same method replaces the first.
func (c *Client) On(method string, handler func(json.RawMessage)) {
	c.handlers[method] = handler
}

// Close closes the connection and stops the read loop. Safe to call more
// than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop reads newline-framed JSON lines from the connector and dispatches
// them by "method" field. It runs until the connection is closed or an
// unrecoverable read error occurs.
func (c *Client) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		line, err := r.ReadBytes('\n')
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if len(line) == 0 {
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				return
			}
		}

		if c.firstMsg.IsZero() {
			c.firstMsg = time.Now()
			c.mu.Lock()
			c.metrics.FirstMsgLatency = c.metrics.ConnectLatency + time.Since(c.firstMsg)
			c.mu.Unlock()
		}
		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Method string `json:"method"`
		}
		if jerr := json.Unmarshal(line, &envelope); jerr != nil {
			continue
		}
		if handler, ok := c.handlers[envelope.Method]; ok {
			handler(json.RawMessage(line))
		}

		if err != nil {
			return
		}
	}
}
