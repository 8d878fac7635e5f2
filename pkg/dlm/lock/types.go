// Package lock is the client-side DLM data model: Lock, Resource, Namespace,
// Import and Pool, and the CRUD/lifecycle operations the engine packages
// (enqueue, completion, cancel, lru, replay) build on.
//
// Import graph: flags, mode, timing <- lock <- enqueue/completion/cancel/lru/replay <- dlmclient
package lock

import (
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/ldlmclient/pkg/dlm/flags"
	"github.com/marmos91/ldlmclient/pkg/dlm/mode"
)

// Type governs policy-data shape and grant rules for a lock.
type Type int

const (
	PLAIN Type = iota
	EXTENT
	IBITS
	FLOCK
)

func (t Type) String() string {
	switch t {
	case PLAIN:
		return "PLAIN"
	case EXTENT:
		return "EXTENT"
	case IBITS:
		return "IBITS"
	case FLOCK:
		return "FLOCK"
	default:
		return "UNKNOWN"
	}
}

// ResourceID names a resource: a typed 4x64-bit name, as used on the wire.
type ResourceID struct {
	Name [4]uint64
	Type Type
}

// Policy is the type-dependent policy data attached to a lock request.
// Exactly one of the fields is meaningful, selected by the owning lock's
// Type (PLAIN carries none).
type Policy struct {
	Extent ExtentPolicy
	Ibits  uint64
	Flock  FlockPolicy
}

// ExtentPolicy is the policy data for an EXTENT lock: a byte range.
type ExtentPolicy struct {
	Start, End uint64
}

// FlockPolicy is the policy data for a FLOCK lock: a byte range plus the
// owning process id.
type FlockPolicy struct {
	Start, End uint64
	PID        uint32
}

// Callbacks is the callback set a lock is created with: blocking,
// completion, glimpse, and cancel ASTs. All are set at create time and never
// change for the life of the lock. Cancel is optional — most locks have no
// lock-specific state to free on cancel.
type Callbacks struct {
	Blocking   func(l *Lock, newMode mode.Mode) error
	Completion func(l *Lock, f flags.Flags, data any) error
	Glimpse    func(l *Lock) ([]byte, error)
	Cancel     func(l *Lock) error
}

// NewLocalCookie returns a fresh opaque 64-bit local lock identity.
//
// UUIDs are 128 bits; only the low 64 are used as the cookie, which keeps
// the local namespace free of coordination with the server (the server
// assigns the remote cookie independently on first enqueue).
func NewLocalCookie() uint64 {
	id := uuid.New()
	hi := uint64(0)
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(id[8+i])
	}
	return hi
}

func nowSeconds() int64 {
	return time.Now().Unix()
}
