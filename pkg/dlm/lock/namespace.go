package lock

import (
	"sync"
	"time"

	"github.com/marmos91/ldlmclient/pkg/dlm/flags"
	"github.com/marmos91/ldlmclient/pkg/dlm/timing"
)

// Namespace is a per-remote-target container: a resource hash table, an
// unused-LRU list ordered by last_used, idle-age/unused-count ceilings, the
// adaptive timer, and the server-fed pool.
//
// Thread safety: mu is ns_lock, guarding the resource table, the LRU list,
// and NrUnused. Lock ordering is namespace < resource < lock (§5).
type Namespace struct {
	mu sync.Mutex

	Name string

	resources map[ResourceID]*Resource

	// lru is ordered oldest-first by last_used; the head is always the
	// next eviction candidate.
	lru []*Lock

	MaxUnused       int
	MaxAge          time.Duration
	AdaptiveTimeout bool

	Estimator *timing.Estimator
	Pool      *Pool

	lastDumpAt time.Time
}

// ShouldDumpNow reports whether it's time to emit another namespace-wide
// lock dump while a completion wait is stuck on a local (import-less) lock,
// and if so stamps lastDumpAt. Throttled to at most once per throttle
// duration (§4.2: "at most every 300s"), guarded by ns_lock like every other
// namespace-wide counter.
func (ns *Namespace) ShouldDumpNow(throttle time.Duration) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	now := time.Now()
	if now.Sub(ns.lastDumpAt) < throttle {
		return false
	}
	ns.lastDumpAt = now
	return true
}

// NewNamespace constructs an empty namespace with the given tunables.
func NewNamespace(name string, maxUnused int, maxAge time.Duration, adaptiveOn bool, enqueueMin time.Duration, slv, lvf uint64) *Namespace {
	return &Namespace{
		Name:            name,
		resources:       make(map[ResourceID]*Resource),
		MaxUnused:       maxUnused,
		MaxAge:          maxAge,
		AdaptiveTimeout: adaptiveOn,
		Estimator:       timing.NewEstimator(enqueueMin),
		Pool:            NewPool(slv, lvf),
	}
}

// Lock acquires ns_lock.
func (ns *Namespace) Lock() { ns.mu.Lock() }

// Unlock releases ns_lock.
func (ns *Namespace) Unlock() { ns.mu.Unlock() }

// GetOrCreateResource returns the resource for id, creating it if absent.
// Caller must hold ns.
func (ns *Namespace) GetOrCreateResource(id ResourceID) *Resource {
	if r, ok := ns.resources[id]; ok {
		return r
	}
	r := &Resource{ID: id, Namespace: ns}
	ns.resources[id] = r
	return r
}

// GetResource returns the resource for id, or nil. Caller must hold ns.
func (ns *Namespace) GetResource(id ResourceID) *Resource {
	return ns.resources[id]
}

// DropResourceIfEmpty removes id from the resource table if it has no
// remaining locks. Caller must hold ns.
func (ns *Namespace) DropResourceIfEmpty(id ResourceID) {
	if r, ok := ns.resources[id]; ok {
		r.Lock()
		empty := r.Empty()
		r.Unlock()
		if empty {
			delete(ns.resources, id)
		}
	}
}

// NrUnused returns the current length of the LRU list. Caller must hold ns.
func (ns *Namespace) NrUnused() int {
	return len(ns.lru)
}

// AddToLRU appends l to the tail of the unused list (most recently used) and
// stamps LastUsed. Caller must hold ns AND l.
//
// I1 (readers+writers>0 ⇒ not in LRU) is the caller's responsibility to
// check before calling this — AddToLRU does not itself verify holder counts
// since the check must be atomic with whatever transition put the lock at
// zero holders.
func (ns *Namespace) AddToLRU(l *Lock) {
	l.TouchUsed()
	l.inLRU = true
	ns.lru = append(ns.lru, l)
}

// RemoveFromLRU drops l from the unused list if present. Caller must hold
// ns AND l.
func (ns *Namespace) RemoveFromLRU(l *Lock) bool {
	for i, e := range ns.lru {
		if e == l {
			ns.lru = append(ns.lru[:i], ns.lru[i+1:]...)
			l.inLRU = false
			return true
		}
	}
	return false
}

// PeekLRU returns a snapshot slice of the current LRU list, oldest first.
// Caller must hold ns. The snapshot is advisory (§5: "derived policy uses a
// snapshot taken at scan entry") — the real list may change concurrently.
func (ns *Namespace) PeekLRU() []*Lock {
	out := make([]*Lock, len(ns.lru))
	copy(out, ns.lru)
	return out
}

// RemoveFromLRUCheck implements remove_from_lru_check: detaches l from the
// LRU only if its last_used still matches lastUsed, i.e. nothing touched it
// between the scan snapshot and the cancel decision. Caller must hold ns AND
// l.
func (ns *Namespace) RemoveFromLRUCheck(l *Lock, lastUsed time.Time) bool {
	if !l.LastUsed.Equal(lastUsed) {
		return false
	}
	return ns.RemoveFromLRU(l)
}

// AllLocks returns a snapshot of every lock (granted and waiting) across
// every resource in the namespace, for namespace-wide iteration (replay's
// ldlm_namespace_foreach, resource-wide LRU eviction). Self-contained: locks
// ns and, briefly, each resource in turn.
func (ns *Namespace) AllLocks() []*Lock {
	ns.mu.Lock()
	resources := make([]*Resource, 0, len(ns.resources))
	for _, r := range ns.resources {
		resources = append(resources, r)
	}
	ns.mu.Unlock()

	var out []*Lock
	for _, r := range resources {
		r.Lock()
		out = append(out, r.Granted...)
		out = append(out, r.Waiting...)
		r.Unlock()
	}
	return out
}

// AllResources returns a snapshot of every resource currently in the
// namespace's hash table, for whole-namespace sweeps (cancel_unused, §C.1).
// Caller must not hold ns.
func (ns *Namespace) AllResources() []*Resource {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	out := make([]*Resource, 0, len(ns.resources))
	for _, r := range ns.resources {
		out = append(out, r)
	}
	return out
}

// EnqueueLock implements the namespace "enqueue" helper invoked from
// enqueue_fini (§4.1 step "call the namespace enqueue helper to insert the
// lock on the waiting/granted lists per reply flags"): places l on its
// resource's waiting list if f still carries a BLOCKED_MASK bit, otherwise
// moves it to granted and marks it granted. Acquires the resource and the
// lock internally; caller must not already hold either.
func (ns *Namespace) EnqueueLock(l *Lock, f flags.Flags) {
	res := l.Resource
	res.Lock()
	l.Lock()
	if f.Blocked() {
		if !res.OnWaitingList(l) {
			res.AddWaiting(l)
		}
	} else {
		res.MoveToGranted(l)
		l.SetGranted(l.ReqMode)
	}
	l.Unlock()
	res.Unlock()
}

// ChangeResource implements ldlm_lock_change_resource: moves l from its
// current resource to newID's resource within the same namespace, preserving
// its granted-vs-waiting membership. Acquires ns, both resources, and l
// internally; caller must not already hold any of them.
func (ns *Namespace) ChangeResource(l *Lock, newID ResourceID) error {
	ns.Lock()
	defer ns.Unlock()

	oldRes := l.Resource
	newRes := ns.GetOrCreateResource(newID)
	if oldRes == newRes {
		return nil
	}

	oldRes.Lock()
	onWaiting := oldRes.OnWaitingList(l)
	oldRes.Remove(l)
	empty := oldRes.Empty()
	oldRes.Unlock()
	if empty {
		delete(ns.resources, oldRes.ID)
	}

	newRes.Lock()
	if onWaiting {
		newRes.AddWaiting(l)
	} else {
		newRes.AddGranted(l)
	}
	newRes.Unlock()

	l.Lock()
	l.Resource = newRes
	l.Unlock()

	return nil
}
