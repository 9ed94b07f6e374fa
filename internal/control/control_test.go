package control

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ckpool-io/connector/internal/registry"
)

type fakeRegistry struct {
	clients map[int64]*registry.Client
	invalid map[int64]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{clients: make(map[int64]*registry.Client), invalid: make(map[int64]bool)}
}

func (f *fakeRegistry) RefByID(id int64) (*registry.Client, bool) {
	c, ok := f.clients[id]
	if !ok || f.invalid[id] {
		return nil, false
	}
	return c, true
}
func (f *fakeRegistry) DecRef(c *registry.Client) {}
func (f *fakeRegistry) Invalidate(c *registry.Client) {
	f.invalid[c.ID] = true
}
func (f *fakeRegistry) Exists(id int64) bool {
	_, ok := f.clients[id]
	return ok && !f.invalid[id]
}
func (f *fakeRegistry) LiveCount() int { return len(f.clients) - len(f.invalid) }
func (f *fakeRegistry) DeadCount() int { return len(f.invalid) }
func (f *fakeRegistry) All() []*registry.Client {
	out := make([]*registry.Client, 0, len(f.clients))
	for _, c := range f.clients {
		out = append(out, c)
	}
	return out
}
func (f *fakeRegistry) DeadAll() []*registry.Client { return nil }

type fakeSender struct {
	sent map[int64][]byte
}

func (s *fakeSender) SendClient(id int64, buf []byte) {
	if s.sent == nil {
		s.sent = make(map[int64][]byte)
	}
	s.sent[id] = buf
}

type fakeDropper struct {
	dropped []int64
}

func (d *fakeDropper) DropID(id int64) { d.dropped = append(d.dropped, id) }

type fakeGate struct {
	enabled bool
}

func (g *fakeGate) SetAcceptEnabled(enabled bool) { g.enabled = enabled }

func TestCmdDropClient_InvalidatesExistingClient(t *testing.T) {
	reg := newFakeRegistry()
	c := &registry.Client{ID: 5}
	reg.clients[5] = c

	ctrl := New("", reg, &fakeSender{}, &fakeDropper{}, &fakeGate{}, &Mode{}, nil)
	ctrl.cmdDropClient("dropclient=5")

	if !reg.invalid[5] {
		t.Fatalf("expected client 5 invalidated")
	}
}

func TestCmdTestClient_MissingClientNotifiesDropper(t *testing.T) {
	reg := newFakeRegistry()
	dropper := &fakeDropper{}
	ctrl := New("", reg, &fakeSender{}, dropper, &fakeGate{}, &Mode{}, nil)

	ctrl.cmdTestClient("testclient=99")

	if len(dropper.dropped) != 1 || dropper.dropped[0] != 99 {
		t.Fatalf("expected drop notification for 99, got %v", dropper.dropped)
	}
}

func TestCmdTestClient_ExistingClientNoops(t *testing.T) {
	reg := newFakeRegistry()
	reg.clients[7] = &registry.Client{ID: 7}
	dropper := &fakeDropper{}
	ctrl := New("", reg, &fakeSender{}, dropper, &fakeGate{}, &Mode{}, nil)

	ctrl.cmdTestClient("testclient=7")

	if len(dropper.dropped) != 0 {
		t.Fatalf("expected no drop notification for existing client, got %v", dropper.dropped)
	}
}

func TestAcceptRejectTogglesGate(t *testing.T) {
	reg := newFakeRegistry()
	gate := &fakeGate{}
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	ctrl := New("", reg, &fakeSender{}, &fakeDropper{}, gate, &Mode{}, nil)

	go ctrl.handleConn(server)
	if _, err := client.Write([]byte("accept\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.Close()

	// Poll until handleConn's goroutine has applied the command; a second
	// connection then carries the reject.
	if !waitUntil(func() bool { return gate.enabled }) {
		t.Fatalf("expected accept command to enable the gate")
	}

	server2, client2 := net.Pipe()
	defer server2.Close()
	defer client2.Close()

	go ctrl.handleConn(server2)
	if _, err := client2.Write([]byte("reject\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	client2.Close()

	if !waitUntil(func() bool { return !gate.enabled }) {
		t.Fatalf("expected reject command to disable the gate")
	}
}

func TestProcessClientMessage_ForwardsWithClientIDStripped(t *testing.T) {
	reg := newFakeRegistry()
	reg.clients[3] = &registry.Client{ID: 3}
	sender := &fakeSender{}
	ctrl := New("", reg, sender, &fakeDropper{}, &fakeGate{}, &Mode{}, nil)

	ctrl.processClientMessage([]byte(`{"client_id":3,"result":true}`))

	buf, ok := sender.sent[3]
	if !ok {
		t.Fatalf("expected message sent to client 3")
	}
	if string(buf[len(buf)-1]) != "\n" {
		t.Fatalf("expected trailing newline, got %q", buf)
	}
	if strings.Contains(string(buf), "client_id") {
		t.Fatalf("expected client_id stripped, got %q", buf)
	}
}

func waitUntil(cond func() bool) bool {
	for i := 0; i < 100; i++ {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
