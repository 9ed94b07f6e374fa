package redirector

import (
	"encoding/json"
	"testing"

	"github.com/ckpool-io/connector/internal/config"
)

func TestReconnectMessage_MatchesConfiguredTarget(t *testing.T) {
	r := New([]config.RedirectTarget{
		{URL: "pool0.example.com", Port: 3333},
		{URL: "pool1.example.com", Port: 3334},
	})

	raw, err := r.ReconnectMessage("127.0.0.1")
	if err != nil {
		t.Fatalf("ReconnectMessage() error: %v", err)
	}

	var decoded struct {
		ID     interface{}   `json:"id"`
		Method string        `json:"method"`
		Params []interface{} `json:"params"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != nil {
		t.Errorf("expected id=null, got %v", decoded.ID)
	}
	if decoded.Method != "client.reconnect" {
		t.Errorf("expected method=client.reconnect, got %q", decoded.Method)
	}
	if len(decoded.Params) != 3 || decoded.Params[0] != "pool0.example.com" {
		t.Errorf("unexpected params: %+v", decoded.Params)
	}
}

func TestReconnectMessage_SameIPReusesAssignment(t *testing.T) {
	r := New([]config.RedirectTarget{
		{URL: "pool0.example.com", Port: 3333},
		{URL: "pool1.example.com", Port: 3334},
	})

	first, _ := r.ReconnectMessage("127.0.0.1")
	second, _ := r.ReconnectMessage("127.0.0.1")
	if string(first) != string(second) {
		t.Errorf("expected repeated redirect for same IP to reuse assignment: %s vs %s", first, second)
	}
}

func TestReconnectMessage_RoundRobinAcrossIPs(t *testing.T) {
	r := New([]config.RedirectTarget{
		{URL: "pool0.example.com", Port: 3333},
		{URL: "pool1.example.com", Port: 3334},
	})

	idx1, _ := r.indexFor("1.1.1.1")
	idx2, _ := r.indexFor("2.2.2.2")
	idx3, _ := r.indexFor("3.3.3.3")

	if idx1 != 0 || idx2 != 1 || idx3 != 0 {
		t.Errorf("expected round robin 0,1,0 got %d,%d,%d", idx1, idx2, idx3)
	}
}
