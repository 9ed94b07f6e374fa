// Package redirector implements redirector mode (spec §4.7): once an
// authorised or share-producing client's IP has been mapped to an upstream
// pool, the connector tells it to reconnect there with a
// client.reconnect notification, and never evicts that IP mapping for the
// life of the process.
package redirector

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ckpool-io/connector/internal/config"
	"github.com/ckpool-io/connector/internal/logx"
)

// Redirector hands out round-robin upstream indices per source IP and never
// evicts an assignment (spec §3 "Redirect entry... never evicted during
// process life").
type Redirector struct {
	mu        sync.Mutex
	targets   []config.RedirectTarget
	next      int
	redirects map[string]int // address -> redirect index
}

// New creates a Redirector over the configured redirect targets.
func New(targets []config.RedirectTarget) *Redirector {
	return &Redirector{targets: targets, redirects: make(map[string]int)}
}

// indexFor returns the redirect index assigned to addr, allocating a new
// round-robin index on first sight (spec §4.7 add_redirect).
func (r *Redirector) indexFor(addr string) (idx int, alreadyAssigned bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, ok := r.redirects[addr]; ok {
		return idx, true
	}

	idx = r.next
	r.next++
	if r.next >= len(r.targets) {
		r.next = 0
	}
	r.redirects[addr] = idx
	return idx, false
}

// Matches reports whether addr already has a redirect assignment, without
// allocating a new one (spec §4.5/§4.7: the redirect trigger's "its IP is
// already in the redirect map" condition).
func (r *Redirector) Matches(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.redirects[addr]
	return ok
}

// ReconnectMessage builds the {"id":null,"method":"client.reconnect",...}
// notification for addr, assigning a redirect target if this is the first
// time addr has been seen (spec §4.7, §8 scenario 6).
func (r *Redirector) ReconnectMessage(addr string) ([]byte, error) {
	idx, already := r.indexFor(addr)
	if idx >= len(r.targets) {
		return nil, fmt.Errorf("redirector: no redirect targets configured")
	}
	target := r.targets[idx]

	logx.Noticef("redirector", "redirecting %s IP %s to redirecturl %d (%s)",
		map[bool]string{true: "matching", false: "new"}[already], addr, idx, target.URL)

	msg := struct {
		ID     interface{}   `json:"id"`
		Method string        `json:"method"`
		Params []interface{} `json:"params"`
	}{
		ID:     nil,
		Method: "client.reconnect",
		Params: []interface{}{target.URL, target.Port, 0},
	}
	return json.Marshal(msg)
}
