package registry

import "testing"

func TestInsertAssignsUniqueIncreasingIDs(t *testing.T) {
	r := New(2)
	c1 := r.Recruit()
	id1 := r.Insert(c1, 10)
	c2 := r.Recruit()
	id2 := r.Insert(c2, 11)

	if id1 <= 2 {
		t.Errorf("expected id above numListeners(2), got %d", id1)
	}
	if id2 <= id1 {
		t.Errorf("expected increasing ids, got %d then %d", id1, id2)
	}
}

func TestRefByID_MissingOrInvalid(t *testing.T) {
	r := New(0)

	if _, ok := r.RefByID(999); ok {
		t.Error("expected RefByID to fail for unknown id")
	}

	c := r.Recruit()
	id := r.Insert(c, 5)
	r.Drop(c)

	if _, ok := r.RefByID(id); ok {
		t.Error("expected RefByID to fail for invalidated client (spec property 5)")
	}
}

func TestDropIsIdempotent(t *testing.T) {
	r := New(0)
	c := r.Recruit()
	r.Insert(c, 5)

	r.Drop(c)
	r.Drop(c) // second call must be a no-op, not double-decrement refCount

	if c.refCount < 0 {
		t.Errorf("refCount went negative: %d", c.refCount)
	}
}

func TestRecycledRecordHasZeroRefAndNegativeID(t *testing.T) {
	r := New(0)
	c := r.Recruit()
	id := r.Insert(c, 5)
	r.Drop(c) // refCount reaches 0 here since Insert's epoll ref is the only one

	recycled := r.Recruit()
	if recycled != c {
		t.Fatalf("expected recruit to reuse the recycled record")
	}
	if recycled.ID != -1 {
		t.Errorf("recycled record id = %d, want -1", recycled.ID)
	}
	if recycled.refCount != 0 {
		t.Errorf("recycled record refCount = %d, want 0", recycled.refCount)
	}
	_ = id
}

func TestDropWithOutstandingReferenceDefersRecycle(t *testing.T) {
	r := New(0)
	c := r.Recruit()
	id := r.Insert(c, 5)

	held, ok := r.RefByID(id)
	if !ok {
		t.Fatal("expected RefByID to succeed before drop")
	}

	r.Drop(c)
	if r.DeadCount() != 1 {
		t.Fatalf("expected record to remain dead while referenced, dead count = %d", r.DeadCount())
	}

	r.DecRef(held)
	if r.DeadCount() != 0 {
		t.Errorf("expected record to be swept once last reference released, dead count = %d", r.DeadCount())
	}
}

func TestSubclientIDRoundTrip(t *testing.T) {
	parent := int64(42)
	sub := uint32(7)

	packed := PackSubclientID(parent, sub)
	if packed != 180388626439 {
		t.Errorf("packed = %d, want 180388626439 (spec §8 scenario 5)", packed)
	}

	gotParent, gotSub, isSub := UnpackSubclientID(packed)
	if !isSub || gotParent != parent || gotSub != sub {
		t.Errorf("unpack(%d) = (%d, %d, %v), want (%d, %d, true)", packed, gotParent, gotSub, isSub, parent, sub)
	}

	_, _, isSub = UnpackSubclientID(parent)
	if isSub {
		t.Error("plain client id must not be treated as a subclient id")
	}
}

func TestRefByID_ResolvesSubclientToParent(t *testing.T) {
	r := New(0)
	parentClient := r.Recruit()
	parentID := r.Insert(parentClient, 5)

	composite := PackSubclientID(parentID, 7)
	got, ok := r.RefByID(composite)
	if !ok {
		t.Fatal("expected RefByID to resolve subclient id to its parent")
	}
	if got != parentClient {
		t.Error("expected resolved client to be the parent record")
	}
}

func TestExists(t *testing.T) {
	r := New(0)
	c := r.Recruit()
	id := r.Insert(c, 5)

	if !r.Exists(id) {
		t.Error("expected Exists to report true for a live client")
	}
	r.Drop(c)
	if r.Exists(id) {
		t.Error("expected Exists to report false after drop")
	}
}
