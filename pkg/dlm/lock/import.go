package lock

import "sync"

// Import is the client's view of a connection to a particular server
// target: generation/connection counters used to detect reconnects, and the
// in-flight replay counter the replay engine guards with (§4.6).
type Import struct {
	mu sync.Mutex

	Generation uint64
	ConnCnt    uint64
	Invalid    bool

	// VBRFailed marks a prior recovery attempt as permanently failed;
	// replay_locks short-circuits to success without work when set.
	VBRFailed bool

	// ConnectLRUResize records whether the server negotiated LRU-resize
	// support on this import (§4.5: ldlm_cli_update_pool is a no-op unless
	// this is true).
	ConnectLRUResize bool

	replayInflight int32
}

// NewImport returns a fresh, valid import at generation 1.
func NewImport() *Import {
	return &Import{Generation: 1, ConnCnt: 1}
}

// Lock acquires imp_lock.
func (imp *Import) Lock() { imp.mu.Lock() }

// Unlock releases imp_lock.
func (imp *Import) Unlock() { imp.mu.Unlock() }

// SnapshotConnCnt returns the current connection count under imp_lock, as
// completion_ast does before parking (§4.2: "Snapshot imp_conn_cnt if this
// is a remote lock").
func (imp *Import) SnapshotConnCnt() uint64 {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return imp.ConnCnt
}

// BumpGeneration increments the generation and connection count, as happens
// on a successful reconnect.
func (imp *Import) BumpGeneration() {
	imp.mu.Lock()
	imp.Generation++
	imp.ConnCnt++
	imp.mu.Unlock()
}

// SnapshotGeneration returns the current generation under imp_lock, as
// ldlm_cli_cancel_req does to detect whether a reconnect raced an ETIMEDOUT
// cancel RPC.
func (imp *Import) SnapshotGeneration() uint64 {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return imp.Generation
}

// IsInvalid reports whether the import currently refuses new requests.
func (imp *Import) IsInvalid() bool {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return imp.Invalid
}

// ReplayInflight returns the current in-flight replay RPC count.
func (imp *Import) ReplayInflight() int32 {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return imp.replayInflight
}

// IncReplayInflight increments the in-flight replay counter.
func (imp *Import) IncReplayInflight() {
	imp.mu.Lock()
	imp.replayInflight++
	imp.mu.Unlock()
}

// DecReplayInflight decrements the in-flight replay counter. It is a
// programmer error to call this without a matching prior increment; callers
// (replay_locks, replay_lock_interpret) are required to pair every increment
// exactly once (§4.6 step 3 takes the guard increment; step 6 and
// replay_lock_interpret release it).
func (imp *Import) DecReplayInflight() {
	imp.mu.Lock()
	imp.replayInflight--
	imp.mu.Unlock()
}
