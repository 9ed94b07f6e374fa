package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestChanLink_SendReceiveRoundTrip(t *testing.T) {
	l := NewChanLink(4)
	ctx := context.Background()

	want := json.RawMessage(`{"id":1,"method":"mining.subscribe"}`)
	if err := l.Send(ctx, want); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	select {
	case got := <-l.Outbound():
		if string(got) != string(want) {
			t.Errorf("got %s, want %s", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound message")
	}
}

func TestChanLink_Receive(t *testing.T) {
	l := NewChanLink(4)
	ctx := context.Background()

	reply := json.RawMessage(`{"id":1,"result":true}`)
	l.Inbound() <- reply

	got, err := l.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if string(got) != string(reply) {
		t.Errorf("got %s, want %s", got, reply)
	}
}

func TestChanLink_ClosedUnblocksSendReceive(t *testing.T) {
	l := NewChanLink(0)
	ctx := context.Background()
	l.Close()

	if err := l.Send(ctx, json.RawMessage(`{}`)); err != ErrClosed {
		t.Errorf("Send() after close = %v, want ErrClosed", err)
	}
	if _, err := l.Receive(ctx); err != ErrClosed {
		t.Errorf("Receive() after close = %v, want ErrClosed", err)
	}
}

func TestTermMessage(t *testing.T) {
	msg := TermMessage(7)
	var decoded struct {
		Method string   `json:"method"`
		Params []uint32 `json:"params"`
	}
	if err := json.Unmarshal(msg, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Method != "mining.term" || len(decoded.Params) != 1 || decoded.Params[0] != 7 {
		t.Errorf("unexpected term message: %+v", decoded)
	}
}
