package upstream

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeUpstream runs a one-shot TCP listener that performs the
// mining.remote handshake and then echoes a provided reply.
func fakeUpstream(t *testing.T, reply string) (addr string, received chan string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	received = make(chan string, 8)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		received <- line
		conn.Write([]byte(`{"result":true}` + "\n"))

		if reply != "" {
			conn.Write([]byte(reply))
		}
		for {
			l, err := r.ReadString('\n')
			if err != nil {
				return
			}
			received <- l
		}
	}()

	return ln.Addr().String(), received, func() { ln.Close() }
}

func TestConnect_SendsHandshakeAndAcceptsResult(t *testing.T) {
	addr, received, stop := fakeUpstream(t, "")
	defer stop()

	c := New(addr, Handlers{})
	if !c.connect() {
		t.Fatalf("expected connect to succeed")
	}
	defer c.conn.Close()

	select {
	case line := <-received:
		var msg struct {
			Method string   `json:"method"`
			Params []string `json:"params"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("unmarshal handshake: %v", err)
		}
		if msg.Method != "mining.remote" {
			t.Errorf("expected method mining.remote, got %q", msg.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
}

func TestDispatch_RoutesKnownMethods(t *testing.T) {
	var mu sync.Mutex
	var gotTxns, gotAuth bool

	c := New("", Handlers{
		Transactions: func(msg json.RawMessage) { mu.Lock(); gotTxns = true; mu.Unlock() },
		AuthResult:   func(msg json.RawMessage) { mu.Lock(); gotAuth = true; mu.Unlock() },
	})

	c.dispatch(`{"method":"transactions","txns":[]}` + "\n")
	c.dispatch(`{"method":"authresult","authorized":true}` + "\n")
	c.dispatch(`{"method":"pong"}` + "\n")
	c.dispatch(`{"method":"unknownthing"}` + "\n")

	mu.Lock()
	defer mu.Unlock()
	if !gotTxns || !gotAuth {
		t.Fatalf("expected both transactions and authresult handlers invoked, got txns=%v auth=%v", gotTxns, gotAuth)
	}
}

func TestDispatch_NonJSONIsIgnored(t *testing.T) {
	c := New("", Handlers{})
	c.dispatch("not json at all\n")
}
