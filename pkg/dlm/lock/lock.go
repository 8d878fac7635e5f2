package lock

import (
	"sync"
	"time"

	"github.com/marmos91/ldlmclient/pkg/dlm/flags"
	"github.com/marmos91/ldlmclient/pkg/dlm/mode"
)

// Lock is a client-side handle to a server-held lock.
//
// Ownership: a lock is shared by its resource's lists, the namespace LRU,
// transient callers, and possibly a per-export handle index. It is destroyed
// iff its refcount reaches zero AND the DESTROYED flag is set (the flag
// alone does not free it — other observers may still be unwinding).
//
// Thread safety: all field access outside of construction must hold mu. mu
// is the "lock's internal lock" the spec refers to throughout §4; lock
// ordering is namespace < resource < lock (§5).
type Lock struct {
	mu sync.Mutex

	LocalCookie  uint64
	RemoteCookie uint64

	ReqMode     mode.Mode
	GrantedMode mode.Mode

	Resource *Resource
	Type     Type
	Policy   Policy

	LVB     []byte
	LVBType uint32
	LVBLen  uint32

	Flags flags.Flags

	Readers int
	Writers int

	LastUsed     time.Time
	LastActivity time.Time

	Callbacks Callbacks

	// ExportGeneration snapshots the import's connection generation at the
	// time the lock was last attached to an export; used by replay to
	// detect a stale handle.
	ExportGeneration uint64

	refcount int32

	// Linkage markers. Only one of inLRU / inBLAst / inPendingChain may be
	// true at a time (T1); enforced by the namespace/cancel/replay drivers
	// that flip them, not by this struct itself.
	inLRU          bool
	inBLAst        bool
	inPendingChain bool

	waitCh chan struct{} // closed and replaced each time the lock transitions
}

// NewLock constructs a lock bound to a resource, taking one reference for
// the caller and assigning a fresh LocalCookie via NewLocalCookie.
func NewLock(res *Resource, t Type, reqMode mode.Mode, cb Callbacks, lvbLen uint32, lvbType uint32) *Lock {
	now := time.Now()
	l := &Lock{
		LocalCookie:  NewLocalCookie(),
		ReqMode:      reqMode,
		Resource:     res,
		Type:         t,
		Callbacks:    cb,
		LVBLen:       lvbLen,
		LVBType:      lvbType,
		LastUsed:     now,
		LastActivity: now,
		refcount:     1,
		waitCh:       make(chan struct{}),
	}
	return l
}

// Lock acquires the lock's internal mutex. Exported so collaborating
// packages in this module (enqueue, completion, cancel, lru, replay) can
// sequence operations under it per §5's "lock's internal lock" contract,
// without every accessor needing a matching unexported method here.
func (l *Lock) Lock() { l.mu.Lock() }

// Unlock releases the lock's internal mutex.
func (l *Lock) Unlock() { l.mu.Unlock() }

// AddRef increments the reference count. Must be called with at least one
// reference already held (or under a lock that guarantees the object can't
// be concurrently freed, e.g. while found via a handle table still holding
// its own reference).
func (l *Lock) AddRef() {
	l.mu.Lock()
	l.refcount++
	l.mu.Unlock()
}

// DecRef releases one reference. Returns true if this was the last
// reference and the lock was DESTROYED, meaning the caller should finish
// unlinking it from any remaining collections.
func (l *Lock) DecRef() (destroyed bool) {
	l.mu.Lock()
	l.refcount--
	n := l.refcount
	d := l.Flags.Has(flags.Destroyed)
	l.mu.Unlock()
	return n <= 0 && d
}

// RefCount returns the current reference count. For tests and diagnostics.
func (l *Lock) RefCount() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refcount
}

// unusedLocked reports whether the lock currently has no holders (I1: readers +
// writers == 0 is the precondition for LRU membership). Caller must hold mu.
func (l *Lock) unusedLocked() bool {
	return l.Readers == 0 && l.Writers == 0
}

// IsGrantedOrCancelled implements the is_granted_or_cancelled predicate from
// §4.2: the lock has reached a terminal disposition one way or the other.
// Caller must hold mu.
func (l *Lock) IsGrantedOrCancelled() bool {
	if l.GrantedMode == l.ReqMode {
		return true
	}
	return l.Flags.Any(flags.Failed | flags.Destroyed | flags.Canceling | flags.CBPending)
}

// Wait returns a channel that is closed the next time the lock's
// disposition changes (grant, cancel, or destroy). Callers must re-check
// IsGrantedOrCancelled after a receive — spurious wakeups are possible by
// design, matching the underlying wait-queue's broadcast-on-any-change
// semantics.
func (l *Lock) Wait() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitCh
}

// wakeLocked broadcasts a disposition change to anyone blocked in Wait. Caller
// must hold mu (called from within the lock's own state-transition paths).
func (l *Lock) wakeLocked() {
	close(l.waitCh)
	l.waitCh = make(chan struct{})
}

// Wake is the exported form for collaborators (completion, cancel) that
// already hold mu via Lock()/Unlock() and need to signal a transition.
func (l *Lock) Wake() {
	l.wakeLocked()
}

// SetGranted installs a granted mode and clears the blocked-mask bits,
// waking any parked waiter. Caller must hold mu.
func (l *Lock) SetGranted(m mode.Mode) {
	l.GrantedMode = m
	l.Flags = l.Flags.Clear(flags.BlockedMask)
	l.wakeLocked()
}

// AddReader/AddWriter/DropReader/DropWriter adjust holder counts. I2: callers
// must check CBPENDING before calling AddReader/AddWriter — this method does
// not enforce it itself since the check-then-act must be atomic with
// whatever the caller does next, which only the caller's own critical
// section can guarantee.

func (l *Lock) AddReader() { l.Readers++ }
func (l *Lock) AddWriter() { l.Writers++ }

func (l *Lock) DropReader() {
	if l.Readers > 0 {
		l.Readers--
	}
}

func (l *Lock) DropWriter() {
	if l.Writers > 0 {
		l.Writers--
	}
}

// TouchActivity stamps LastActivity to now. Caller must hold mu.
func (l *Lock) TouchActivity() {
	l.LastActivity = time.Now()
}

// TouchUsed stamps LastUsed to now. Caller must hold mu.
func (l *Lock) TouchUsed() {
	l.LastUsed = time.Now()
}

// AgeSeconds returns how long the lock has been idle, in seconds. Caller
// must hold mu.
func (l *Lock) AgeSeconds() float64 {
	return time.Since(l.LastUsed).Seconds()
}
