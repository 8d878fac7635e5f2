package lock

import "sync"

// Resource is a bucket of co-located locks: granted and waiting ordered
// lists, under a per-resource spinlock. A resource has no ownership beyond
// its namespace backref.
type Resource struct {
	mu sync.Mutex

	ID        ResourceID
	Namespace *Namespace

	Granted []*Lock
	Waiting []*Lock
}

// Lock acquires the resource's internal mutex (lock_res).
func (r *Resource) Lock() { r.mu.Lock() }

// Unlock releases the resource's internal mutex.
func (r *Resource) Unlock() { r.mu.Unlock() }

// AddGranted appends l to the granted list. Caller must hold r.
func (r *Resource) AddGranted(l *Lock) {
	r.Granted = append(r.Granted, l)
}

// AddWaiting appends l to the waiting list. Caller must hold r.
func (r *Resource) AddWaiting(l *Lock) {
	r.Waiting = append(r.Waiting, l)
}

// MoveToGranted removes l from the waiting list (if present) and appends it
// to granted. Caller must hold r.
func (r *Resource) MoveToGranted(l *Lock) {
	r.removeFrom(&r.Waiting, l)
	r.Granted = append(r.Granted, l)
}

// Remove drops l from both lists. Caller must hold r.
func (r *Resource) Remove(l *Lock) {
	r.removeFrom(&r.Granted, l)
	r.removeFrom(&r.Waiting, l)
}

// OnWaitingList reports whether l currently sits on the waiting list. Caller
// must hold r.
func (r *Resource) OnWaitingList(l *Lock) bool {
	for _, w := range r.Waiting {
		if w == l {
			return true
		}
	}
	return false
}

// OnList reports whether l currently sits on either the granted or the
// waiting list. Caller must hold r.
func (r *Resource) OnList(l *Lock) bool {
	for _, g := range r.Granted {
		if g == l {
			return true
		}
	}
	return r.OnWaitingList(l)
}

func (r *Resource) removeFrom(list *[]*Lock, l *Lock) {
	s := *list
	for i, e := range s {
		if e == l {
			*list = append(s[:i], s[i+1:]...)
			return
		}
	}
}

// Empty reports whether the resource has no granted or waiting locks left —
// a candidate for eviction from the namespace's resource table.
func (r *Resource) Empty() bool {
	return len(r.Granted) == 0 && len(r.Waiting) == 0
}
