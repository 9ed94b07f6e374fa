// Package control implements the Unix-domain control plane (spec §4.6):
// one connection per request/reply, dispatching text commands and bare JSON
// messages, including SCM_RIGHTS fd-passing for getxfd.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/ckpool-io/connector/internal/logx"
	"github.com/ckpool-io/connector/internal/metrics"
	"github.com/ckpool-io/connector/internal/registry"
)

// Registry is the subset of *registry.Registry the control loop depends on.
type Registry interface {
	RefByID(id int64) (*registry.Client, bool)
	DecRef(c *registry.Client)
	Invalidate(c *registry.Client)
	Exists(id int64) bool
	LiveCount() int
	DeadCount() int
	All() []*registry.Client
	DeadAll() []*registry.Client
}

// Sender is the subset of *sender.Sender the control loop depends on.
type Sender interface {
	SendClient(id int64, buf []byte)
}

// StratifierDropper notifies the stratifier that a client id is gone.
type StratifierDropper interface {
	DropID(id int64)
}

// AcceptGate toggles the receiver's accept/reject gate (spec §4.6).
type AcceptGate interface {
	SetAcceptEnabled(enabled bool)
}

// Mode carries process-wide flags the control loop reads and mutates.
type Mode struct {
	Passthrough atomic.Bool
	Redirector  bool
}

// Control owns the Unix-domain listener and its command dispatch table.
type Control struct {
	socketPath string
	reg        Registry
	send       Sender
	dropper    StratifierDropper
	gate       AcceptGate
	mode       *Mode
	listenerFD func(n int) (int, bool)

	ln net.Listener
}

// New creates a Control loop. listenerFD resolves a configured listener
// index to its raw socket fd for getxfd (spec §4.6, SPEC_FULL §12).
func New(socketPath string, reg Registry, send Sender, dropper StratifierDropper, gate AcceptGate, mode *Mode, listenerFD func(n int) (int, bool)) *Control {
	return &Control{
		socketPath: socketPath,
		reg:        reg,
		send:       send,
		dropper:    dropper,
		gate:       gate,
		mode:       mode,
		listenerFD: listenerFD,
	}
}

// Run listens on the Unix-domain socket until ctx is cancelled.
func (c *Control) Run(ctx context.Context) error {
	_ = os.Remove(c.socketPath)
	ln, err := net.Listen("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("control: failed to listen on %s: %w", c.socketPath, err)
	}
	c.ln = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logx.Warningf("control", "accept error: %v", err)
				continue
			}
		}
		go c.handleConn(conn)
	}
}

func (c *Control) handleConn(conn net.Conn) {
	defer conn.Close()

	unixConn, _ := conn.(*net.UnixConn)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return
	}
	line = strings.TrimRight(line, "\n\r")
	if line == "" {
		return
	}
	logx.Debugf("control", "received message: %s", line)

	switch {
	case strings.HasPrefix(line, "{"):
		c.processClientMessage([]byte(line))
	case strings.HasPrefix(line, "dropclient"):
		c.cmdDropClient(line)
	case strings.HasPrefix(line, "testclient"):
		c.cmdTestClient(line)
	case strings.HasPrefix(line, "passthrough"):
		c.cmdPassthrough(line, conn)
	case strings.HasPrefix(line, "getxfd"):
		c.cmdGetXFD(line, unixConn)
	case line == "accept":
		logx.Debugf("control", "received accept signal")
		c.gate.SetAcceptEnabled(true)
	case line == "reject":
		logx.Debugf("control", "received reject signal")
		c.gate.SetAcceptEnabled(false)
		if c.mode.Passthrough.Load() {
			c.dropAllClients()
		}
	case line == "stats":
		c.cmdStats(conn)
	case line == "ping":
		logx.Debugf("control", "received ping request")
		_, _ = conn.Write([]byte("pong"))
	case strings.HasPrefix(line, "loglevel"):
		c.cmdLogLevel(line)
	case line == "shutdown":
		logx.Noticef("control", "received shutdown command")
		_, _ = conn.Write([]byte("ok"))
	default:
		logx.Warningf("control", "unhandled control message: %s", line)
	}
}

func (c *Control) cmdDropClient(line string) {
	idStr := strings.TrimPrefix(line, "dropclient=")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		logx.Debugf("control", "failed to parse dropclient command: %s", line)
		return
	}

	if _, _, isSub := registry.UnpackSubclientID(id); isSub {
		c.send.SendClient(id, []byte(fmt.Sprintf("dropclient=%d\n", id)))
		return
	}

	client, ok := c.reg.RefByID(id)
	if !ok {
		logx.Infof("control", "failed to find client id %d to drop", id)
		return
	}
	c.reg.Invalidate(client)
	c.reg.DecRef(client)
	logx.Infof("control", "dropped client id: %d", id)
}

func (c *Control) cmdTestClient(line string) {
	idStr := strings.TrimPrefix(line, "testclient=")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		logx.Debugf("control", "failed to parse testclient command: %s", line)
		return
	}
	if c.reg.Exists(id) {
		return
	}
	logx.Infof("control", "detected non-existent client id: %d", id)
	c.dropper.DropID(id)
}

func (c *Control) cmdPassthrough(line string, conn net.Conn) {
	idStr := strings.TrimPrefix(line, "passthrough=")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		logx.Debugf("control", "failed to parse passthrough command: %s", line)
		return
	}
	client, ok := c.reg.RefByID(id)
	if !ok {
		logx.Infof("control", "failed to find client id %d to pass through", id)
		return
	}
	defer c.reg.DecRef(client)

	client.Lock()
	client.Passthrough = true
	tcpConn, isTCP := client.Conn.(*net.TCPConn)
	client.Unlock()

	if isTCP {
		_ = setSocketBuffers(tcpConn, 1<<20)
	}

	_, _ = conn.Write([]byte(`{"result": true}` + "\n"))
}

func (c *Control) cmdGetXFD(line string, unixConn *net.UnixConn) {
	if unixConn == nil {
		logx.Warningf("control", "getxfd requires a unix-domain connection")
		return
	}
	nStr := strings.TrimPrefix(line, "getxfd")
	n, err := strconv.Atoi(nStr)
	if err != nil {
		logx.Debugf("control", "failed to parse getxfd command: %s", line)
		return
	}
	fd, ok := c.listenerFD(n)
	if !ok {
		logx.Warningf("control", "asked to send invalid listener fd %d", n)
		return
	}
	rights := syscall.UnixRights(fd)
	if _, _, err := unixConn.WriteMsgUnix([]byte("ok"), rights, nil); err != nil {
		logx.Warningf("control", "failed to send fd %d over control socket: %v", n, err)
	}
}

// cmdStats produces the stats blob spec §4.6 / §8 property 6 require: live
// count and memory, dead count and memory, pending sends count/memory, and
// the queued/delayed counters (grounded on connector.c's connector_stats,
// whose "sends" and "delays" objects both report the current queued
// count/size, with delays additionally carrying the cumulative count of
// sends that have ever entered a blocked state).
func (c *Control) cmdStats(conn net.Conn) {
	var clientMem int64
	for _, cl := range c.reg.All() {
		cl.Lock()
		clientMem += int64(len(cl.ReadBuf))
		cl.Unlock()
	}

	var deadMem int64
	for _, cl := range c.reg.DeadAll() {
		cl.Lock()
		deadMem += int64(len(cl.ReadBuf))
		cl.Unlock()
	}

	queued := metrics.Value(metrics.SendsCount)
	size := metrics.Value(metrics.SendsMemory)

	stats := map[string]interface{}{
		"clients": map[string]interface{}{
			"count":  c.reg.LiveCount(),
			"memory": clientMem,
		},
		"dead": map[string]interface{}{
			"count":  c.reg.DeadCount(),
			"memory": deadMem,
		},
		"sends": map[string]interface{}{
			"count":  queued,
			"memory": size,
		},
		"delays": map[string]interface{}{
			"count":     queued,
			"memory":    size,
			"generated": metrics.Value(metrics.DelaysGenerated),
		},
	}
	out, err := json.Marshal(stats)
	if err != nil {
		logx.Warningf("control", "failed to marshal stats: %v", err)
		return
	}
	_, _ = conn.Write(out)
}

func (c *Control) cmdLogLevel(line string) {
	nStr := strings.TrimPrefix(line, "loglevel=")
	n, err := strconv.Atoi(nStr)
	if err != nil {
		logx.Debugf("control", "failed to parse loglevel command: %s", line)
		return
	}
	logx.SetLevel(logx.Level(n))
}

func (c *Control) dropAllClients() {
	for _, cl := range c.reg.All() {
		c.reg.Invalidate(cl)
	}
}

// processClientMessage implements spec §4.6's client-message processor:
// extract client_id (resolving subclient ids to their low 32 bits), track
// authorisation results in redirector mode, then forward compact JSON with
// a trailing newline to send_client.
func (c *Control) processClientMessage(raw []byte) {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		logx.Warningf("control", "failed to decode client message: %v", err)
		return
	}

	idVal, ok := obj["client_id"]
	if !ok {
		logx.Warningf("control", "client message missing client_id: %s", raw)
		return
	}
	idF, ok := idVal.(float64)
	if !ok {
		logx.Warningf("control", "client message has non-numeric client_id: %s", raw)
		return
	}
	id := int64(idF)
	delete(obj, "client_id")

	if _, subID, isSub := registry.UnpackSubclientID(id); isSub {
		obj["client_id"] = subID
	}

	if c.mode.Redirector {
		if result, ok := obj["result"]; ok {
			if resultMap, ok := result.(map[string]interface{}); ok {
				if _, hasAuth := resultMap["authorized"]; hasAuth {
					if client, ok := c.reg.RefByID(id); ok {
						client.Lock()
						client.Authorised = true
						client.Unlock()
						c.reg.DecRef(client)
					}
				}
			}
		}
	}

	out, err := json.Marshal(obj)
	if err != nil {
		logx.Warningf("control", "failed to re-encode client message: %v", err)
		return
	}
	out = append(out, '\n')
	c.send.SendClient(id, out)
}

func setSocketBuffers(conn *net.TCPConn, size int) error {
	_ = conn.SetReadBuffer(size)
	_ = conn.SetWriteBuffer(size)
	return nil
}
