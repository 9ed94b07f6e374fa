package parser

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ckpool-io/connector/internal/bus"
	"github.com/ckpool-io/connector/internal/registry"
)

func newTestClient(id int64, conn net.Conn) *registry.Client {
	c := &registry.Client{ID: id, Conn: conn, Addr: "10.0.0.1:1234"}
	return c
}

func TestParse_NoDataReturnsTrueWithoutBlocking(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := New(Links{StratifierRecv: bus.NewChanLink(4), GeneratorSend: bus.NewChanLink(4)}, Mode{})
	c := newTestClient(1, server)

	done := make(chan bool, 1)
	go func() { done <- p.Parse(context.Background(), server, c, func([]byte) {}) }()

	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("expected Parse to return true (rearm) when no data is available")
		}
	case <-time.After(time.Second):
		t.Fatal("Parse blocked instead of returning on an idle client; worker pool would stall")
	}
}

func TestParse_DispatchesCompleteFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	strat := bus.NewChanLink(4)
	p := New(Links{StratifierRecv: strat, GeneratorSend: bus.NewChanLink(4)}, Mode{})
	c := newTestClient(7, server)

	go func() { _, _ = client.Write([]byte(`{"id":1,"method":"mining.submit"}` + "\n")) }()

	done := make(chan bool, 1)
	go func() { done <- p.Parse(context.Background(), server, c, func([]byte) {}) }()

	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("expected Parse to return true after dispatching a frame")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Parse")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var msg []byte
	select {
	case msg = <-strat.Outbound():
	case <-ctx.Done():
		t.Fatalf("expected dispatched message on stratifier link: %v", ctx.Err())
	}
	if !containsField(msg, `"client_id":7`) {
		t.Fatalf("expected annotated client_id 7, got %s", msg)
	}
}

func TestParse_InvalidJSONDisconnects(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := New(Links{StratifierRecv: bus.NewChanLink(4), GeneratorSend: bus.NewChanLink(4)}, Mode{})
	c := newTestClient(1, server)

	go func() { _, _ = client.Write([]byte("not json\n")) }()

	done := make(chan bool, 1)
	go func() { done <- p.Parse(context.Background(), server, c, func([]byte) {}) }()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected Parse to return false for invalid JSON")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Parse")
	}
}

func TestParse_OversizeBufferDisconnectsNonRemote(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := New(Links{StratifierRecv: bus.NewChanLink(4), GeneratorSend: bus.NewChanLink(4)}, Mode{})
	c := newTestClient(1, server)

	go func() {
		buf := make([]byte, MaxMsgSize+1)
		for i := range buf {
			buf[i] = 'a'
		}
		_, _ = client.Write(buf) // no newline: never completes a frame
	}()

	done := make(chan bool, 1)
	go func() { done <- p.Parse(context.Background(), server, c, func([]byte) {}) }()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected Parse to return false once the unterminated buffer exceeds MaxMsgSize")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Parse")
	}
}

func containsField(msg []byte, field string) bool {
	return len(msg) > 0 && indexOf(string(msg), field) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
