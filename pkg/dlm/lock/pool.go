package lock

import "sync"

// Pool holds the server-fed SLV/LIMIT pair the lrur LRU policy weighs local
// value against, guarded by its own reader-writer lock (§5: per-pool RWMutex
// for SLV/LIMIT, separate from ns_lock).
type Pool struct {
	mu    sync.RWMutex
	slv   uint64
	lvf   uint64
	limit uint64
	clv   uint64
}

// NewPool constructs a pool seeded with slv/lvf (limit starts at 0, meaning
// "no LRU-resize capability negotiated yet").
func NewPool(slv, lvf uint64) *Pool {
	return &Pool{slv: slv, lvf: lvf}
}

// Get returns the current (SLV, LVF, LIMIT) triple.
func (p *Pool) Get() (slv, lvf, limit uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.slv, p.lvf, p.limit
}

// LVF returns just the lock-volume factor, the per-lock weight coefficient
// used by every LV computation regardless of whether SLV/LIMIT have ever
// been pushed by the server.
func (p *Pool) LVF() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lvf
}

// SetCLV publishes the namespace's current computed local value, for
// observability (debugfs/metrics) only — it never gates any decision.
func (p *Pool) SetCLV(lv uint64) {
	p.mu.Lock()
	p.clv = lv
	p.mu.Unlock()
}

// CLV returns the last published current local value.
func (p *Pool) CLV() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clv
}

// Update installs a new (SLV, LIMIT) pair, per §4.5: zero SLV or zero LIMIT
// means "server does not support this" and is dropped rather than
// overwriting a prior good value. Reports whether the update was applied.
func (p *Pool) Update(slv, limit uint64) bool {
	if slv == 0 || limit == 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slv = slv
	p.limit = limit
	return true
}

// UpdatePoolIfResize implements ldlm_cli_update_pool's outer gate (§4.5,
// §C.1): the whole operation is skipped unless the import has negotiated
// LRU-resize support, regardless of what the server's reply carries.
func UpdatePoolIfResize(imp *Import, pool *Pool, slv, limit uint64) bool {
	imp.Lock()
	resize := imp.ConnectLRUResize
	imp.Unlock()
	if !resize {
		return false
	}
	return pool.Update(slv, limit)
}
