package lock

import (
	"testing"

	"github.com/marmos91/ldlmclient/pkg/dlm/mode"
)

func TestMoveToGranted(t *testing.T) {
	res := &Resource{ID: ResourceID{Type: PLAIN}}
	l := NewLock(res, PLAIN, mode.EX, Callbacks{}, 0, 0)

	res.Lock()
	res.AddWaiting(l)
	if !res.OnWaitingList(l) {
		t.Fatal("lock should be on the waiting list")
	}
	res.MoveToGranted(l)
	res.Unlock()

	res.Lock()
	waiting := res.OnWaitingList(l)
	res.Unlock()

	if waiting {
		t.Fatal("lock should have left the waiting list")
	}
	if len(res.Granted) != 1 || res.Granted[0] != l {
		t.Fatal("lock should be on the granted list")
	}
}

func TestResourceEmpty(t *testing.T) {
	res := &Resource{ID: ResourceID{Type: PLAIN}}
	if !res.Empty() {
		t.Fatal("fresh resource should be empty")
	}

	l := NewLock(res, PLAIN, mode.EX, Callbacks{}, 0, 0)
	res.Lock()
	res.AddGranted(l)
	empty := res.Empty()
	res.Unlock()

	if empty {
		t.Fatal("resource with a granted lock should not be empty")
	}

	res.Lock()
	res.Remove(l)
	empty = res.Empty()
	res.Unlock()

	if !empty {
		t.Fatal("resource should be empty after removing its only lock")
	}
}
