package lock

import (
	"testing"
	"time"

	"github.com/marmos91/ldlmclient/pkg/dlm/mode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNamespace() *Namespace {
	return NewNamespace("ns-test", 2500, 20*time.Minute, true, 6*time.Second, 0, 1)
}

func TestGetOrCreateResourceIsIdempotent(t *testing.T) {
	t.Parallel()

	ns := newTestNamespace()
	id := ResourceID{Name: [4]uint64{1, 2, 3, 4}, Type: PLAIN}

	ns.Lock()
	r1 := ns.GetOrCreateResource(id)
	r2 := ns.GetOrCreateResource(id)
	ns.Unlock()

	require.Same(t, r1, r2)
}

func TestDropResourceIfEmptyKeepsNonEmptyResource(t *testing.T) {
	t.Parallel()

	ns := newTestNamespace()
	id := ResourceID{Type: PLAIN}

	ns.Lock()
	r := ns.GetOrCreateResource(id)
	r.Lock()
	r.AddGranted(NewLock(r, PLAIN, mode.EX, Callbacks{}, 0, 0))
	r.Unlock()
	ns.DropResourceIfEmpty(id)
	got := ns.GetResource(id)
	ns.Unlock()

	assert.Same(t, r, got, "a resource with a granted lock must not be dropped")
}

func TestDropResourceIfEmptyActuallyDrops(t *testing.T) {
	t.Parallel()

	ns := newTestNamespace()
	id := ResourceID{Type: PLAIN}

	ns.Lock()
	ns.GetOrCreateResource(id)
	ns.Unlock()

	ns.Lock()
	ns.DropResourceIfEmpty(id)
	got := ns.GetResource(id)
	ns.Unlock()

	assert.Nil(t, got)
}

func TestAddRemoveFromLRU(t *testing.T) {
	t.Parallel()

	ns := newTestNamespace()
	res := &Resource{ID: ResourceID{Type: PLAIN}}
	l := NewLock(res, PLAIN, mode.EX, Callbacks{}, 0, 0)

	ns.Lock()
	l.Lock()
	ns.AddToLRU(l)
	l.Unlock()

	if ns.NrUnused() != 1 {
		t.Fatalf("NrUnused() = %d, want 1", ns.NrUnused())
	}

	l.Lock()
	removed := ns.RemoveFromLRU(l)
	l.Unlock()
	ns.Unlock()

	if !removed {
		t.Fatal("RemoveFromLRU should report success")
	}
	if ns.NrUnused() != 0 {
		t.Fatalf("NrUnused() = %d, want 0 after removal", ns.NrUnused())
	}
}

func TestRemoveFromLRUCheckRejectsStaleSnapshot(t *testing.T) {
	t.Parallel()

	ns := newTestNamespace()
	res := &Resource{ID: ResourceID{Type: PLAIN}}
	l := NewLock(res, PLAIN, mode.EX, Callbacks{}, 0, 0)

	ns.Lock()
	l.Lock()
	ns.AddToLRU(l)
	staleSnapshot := l.LastUsed
	l.Unlock()
	ns.Unlock()

	// Something touches the lock after the snapshot was taken.
	l.Lock()
	l.TouchUsed()
	l.Unlock()

	ns.Lock()
	l.Lock()
	ok := ns.RemoveFromLRUCheck(l, staleSnapshot)
	l.Unlock()
	ns.Unlock()

	assert.False(t, ok, "a lock touched since the scan snapshot must not be removed")
}
