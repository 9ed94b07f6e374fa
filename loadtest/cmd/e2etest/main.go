// Package main implements a standalone smoke test for a running connector
// instance: TCP accept, control-socket ping/stats, and a basic share-submit
// write (no reply is awaited). It validates the deployment the way the teacher's e2etest
// validated a running chat-app stack, trimmed to the connector's scope
// (spec Non-goals: no HTTP API, no Stratum semantics to assert on).
//
// Usage:
//
//	go run ./cmd/e2etest/ [-addr localhost:3333] [-control /tmp/connector.sock] [-timeout 30s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ckpool-io/connector/loadtest/client"
)

type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

func main() {
	addr := flag.String("addr", "localhost:3333", "connector listener address")
	controlPath := flag.String("control", "/tmp/connector.sock", "connector control socket path")
	timeout := flag.Duration("timeout", 30*time.Second, "global test timeout")
	flag.Parse()

	fmt.Println("=== Connector Smoke Test ===")
	fmt.Printf("Listener: %s   Control socket: %s\n\n", *addr, *controlPath)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult
	results = append(results, scenarioConnect(ctx, *addr))
	results = append(results, scenarioSubmitRoundtrip(ctx, *addr))
	results = append(results, scenarioControlPing(ctx, *controlPath))
	results = append(results, scenarioControlStats(ctx, *controlPath))

	fmt.Println()
	failed := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" — %s", r.detail)
		}
		fmt.Println()
		if r.kind == resultFail {
			failed++
		}
	}

	if failed > 0 {
		fmt.Printf("\n%d scenario(s) failed\n", failed)
		os.Exit(1)
	}
	fmt.Println("\nAll scenarios passed")
}

// scenarioConnect checks that the connector accepts a plain TCP connection.
func scenarioConnect(ctx context.Context, addr string) scenarioResult {
	c, err := client.New(ctx, addr)
	if err != nil {
		return scenarioResult{name: "tcp connect", kind: resultFail, detail: err.Error()}
	}
	defer c.Close()
	return scenarioResult{name: "tcp connect", kind: resultPass}
}

// scenarioSubmitRoundtrip sends a mining.submit-shaped line and just checks
// the write succeeds; the connector forwards it to the stratifier link
// without interpreting it (spec Non-goal), so there is no response to
// assert on unless a stratifier is attached.
func scenarioSubmitRoundtrip(ctx context.Context, addr string) scenarioResult {
	c, err := client.New(ctx, addr)
	if err != nil {
		return scenarioResult{name: "submit write", kind: resultFail, detail: err.Error()}
	}
	defer c.Close()

	err = c.Send(map[string]interface{}{
		"id":     1,
		"method": "mining.submit",
		"params": []interface{}{"smoke-worker", "job", "0", "0", "0"},
	})
	if err != nil {
		return scenarioResult{name: "submit write", kind: resultFail, detail: err.Error()}
	}
	return scenarioResult{name: "submit write", kind: resultPass}
}

// scenarioControlPing checks the control socket's request/response framing
// (spec §4.6: one command per connection, reply on the same connection).
func scenarioControlPing(ctx context.Context, path string) scenarioResult {
	reply, err := controlRequest(ctx, path, "ping")
	if err != nil {
		return scenarioResult{name: "control ping", kind: resultFail, detail: err.Error()}
	}
	if reply != "pong" {
		return scenarioResult{name: "control ping", kind: resultFail, detail: fmt.Sprintf("unexpected reply %q", reply)}
	}
	return scenarioResult{name: "control ping", kind: resultPass}
}

// scenarioControlStats checks that the stats command returns something
// parseable as JSON-shaped text; full schema validation is left to
// internal/control's own unit tests.
func scenarioControlStats(ctx context.Context, path string) scenarioResult {
	reply, err := controlRequest(ctx, path, "stats")
	if err != nil {
		return scenarioResult{name: "control stats", kind: resultInfo, detail: err.Error()}
	}
	if len(reply) == 0 || reply[0] != '{' {
		return scenarioResult{name: "control stats", kind: resultFail, detail: fmt.Sprintf("non-JSON reply %q", reply)}
	}
	return scenarioResult{name: "control stats", kind: resultPass, detail: reply}
}

// controlRequest opens a connection to the control socket, sends one
// newline-terminated command, and reads one reply (spec §4.6's
// request/response framing — no multiplexing within a connection).
func controlRequest(ctx context.Context, path string, cmd string) (string, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return "", fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return "", fmt.Errorf("write command: %w", err)
	}

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil && len(line) == 0 {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return line, nil
}
