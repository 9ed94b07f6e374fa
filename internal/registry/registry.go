package registry

import "sync"

// Registry owns all live/dead/recycled client records. All mutations are
// guarded by one writer-preferring rwlock (spec §4.1); Go's sync.RWMutex is
// used as the direct equivalent — reads that do not mutate counters may use
// the shared (read) side.
type Registry struct {
	mu sync.RWMutex

	live     map[int64]*Client
	dead     map[int64]*Client
	recycled []*Client

	nextID       int64
	numListeners int64 // lowest N ids are reserved for listening sockets
}

// New creates a Registry. numListeners is the number of listening sockets;
// client ids start just above that range so epoll userdata can discriminate
// accept vs. data events by numeric range (spec §3 invariant).
func New(numListeners int) *Registry {
	return &Registry{
		live:         make(map[int64]*Client),
		dead:         make(map[int64]*Client),
		nextID:       int64(numListeners),
		numListeners: int64(numListeners),
	}
}

// Recruit returns a zero-initialized record, drawing from the recycled list
// first (spec §4.1).
func (r *Registry) Recruit() *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.recycled); n > 0 {
		c := r.recycled[n-1]
		r.recycled = r.recycled[:n-1]
		return c
	}
	return &Client{ID: -1}
}

// Insert assigns the next id, installs the record in the live hash, and
// takes the one reference count representing the epoll registration (spec
// §4.1, §5 reference-count discipline point 1).
func (r *Registry) Insert(c *Client, fd int) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	c.ID = r.nextID
	c.Fd = fd
	c.refCount = 1
	r.live[c.ID] = c
	return c.ID
}

// RefByID resolves an id to a live, non-invalid record and increments its
// reference count. For passthrough subclient ids (spec §4.1), the upper 32
// bits are treated as the parent client id and looked up instead of the
// composite id itself.
func (r *Registry) RefByID(id int64) (*Client, bool) {
	parent, _, isSub := UnpackSubclientID(id)
	lookupID := id
	if isSub {
		lookupID = parent
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.live[lookupID]
	if !ok || c.Invalid {
		return nil, false
	}
	c.refCount++
	return c, true
}

// DecRef releases one reference acquired via RefByID or Insert. If the
// client has since been dropped (moved to the dead list) and this was the
// last outstanding reference, it is swept to the recycled list.
func (r *Registry) DecRef(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decRefLocked(c)
}

func (r *Registry) decRefLocked(c *Client) {
	if c.refCount > 0 {
		c.refCount--
	}
	if c.refCount == 0 {
		if _, stillDead := r.dead[c.ID]; stillDead {
			delete(r.dead, c.ID)
			r.recycleLocked(c)
		}
	}
}

// Drop marks a live record invalid, removes it from the live hash, moves it
// to the dead list, and releases the epoll reference (spec §4.1, §5
// reference-count discipline point 4: "invalidation decrements the epoll
// reference exactly once and is idempotent"). Drop is a no-op if the
// record is already invalid.
func (r *Registry) Drop(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.Invalid {
		return
	}
	c.Invalid = true
	delete(r.live, c.ID)
	r.dead[c.ID] = c
	r.decRefLocked(c) // releases the epoll registration's reference
	r.sweepDeadLocked()
}

// Invalidate is an alias for Drop used by callers (sender, receiver, control)
// that think in terms of "invalidate this client" rather than registry
// bookkeeping.
func (r *Registry) Invalidate(c *Client) {
	r.Drop(c)
}

// sweepDeadLocked walks the dead list and recycles any entry whose ref
// count has reached zero (spec §4.1: "on each drop, walk the dead list").
func (r *Registry) sweepDeadLocked() {
	for id, c := range r.dead {
		if c.refCount == 0 {
			delete(r.dead, id)
			r.recycleLocked(c)
		}
	}
}

// recycleLocked resets a dead, unreferenced record and moves it to the
// recycled free list. Must be called with mu held.
func (r *Registry) recycleLocked(c *Client) {
	c.reset()
	r.recycled = append(r.recycled, c)
}

// Exists reports whether id names a live, non-invalid client, without
// taking a reference (spec §4.1).
func (r *Registry) Exists(id int64) bool {
	parent, _, isSub := UnpackSubclientID(id)
	lookupID := id
	if isSub {
		lookupID = parent
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.live[lookupID]
	return ok && !c.Invalid
}

// LiveCount returns the number of live clients, used by the acceptor's
// maxclients gate (spec §4.2).
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// DeadCount returns the number of records awaiting reclamation, used by the
// stats command (spec §4.6).
func (r *Registry) DeadCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dead)
}

// All returns a snapshot of every live client, used by passthrough
// reject-mode mass invalidation (spec §4.6 "on reject in passthrough mode,
// drop all live clients") and by stats memory accounting.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.live))
	for _, c := range r.live {
		out = append(out, c)
	}
	return out
}

// DeadAll returns a snapshot of every dead (invalidated, not yet recycled)
// client record, used by the stats command's dead.memory accounting (spec
// §4.6).
func (r *Registry) DeadAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.dead))
	for _, c := range r.dead {
		out = append(out, c)
	}
	return out
}
