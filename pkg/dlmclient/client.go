// Package dlmclient is the composition root tying the DLM client engine's
// namespace, import, and per-concern environments (enqueue, cancel, lru,
// replay, metrics) into one public API surface, the way cmd/dittofs wires
// its controlplane/adapter layers together from a single entry point.
package dlmclient

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marmos91/ldlmclient/internal/config"
	"github.com/marmos91/ldlmclient/internal/dlmerrors"
	"github.com/marmos91/ldlmclient/internal/logger"
	"github.com/marmos91/ldlmclient/pkg/dlm/cancel"
	"github.com/marmos91/ldlmclient/pkg/dlm/completion"
	"github.com/marmos91/ldlmclient/pkg/dlm/enqueue"
	"github.com/marmos91/ldlmclient/pkg/dlm/flags"
	"github.com/marmos91/ldlmclient/pkg/dlm/lock"
	"github.com/marmos91/ldlmclient/pkg/dlm/lru"
	"github.com/marmos91/ldlmclient/pkg/dlm/metrics"
	"github.com/marmos91/ldlmclient/pkg/dlm/mode"
	"github.com/marmos91/ldlmclient/pkg/dlm/replay"
	"github.com/marmos91/ldlmclient/pkg/dlm/transport"
)

// Client is the per-namespace façade: one DLM client engine instance bound
// to a single remote target, with a handle table translating the public
// uint64 handle surface callers operate on into the resolved *lock.Lock
// enqueue/cancel actually need.
//
// This is the "per-export handle index" engine packages explicitly treat as
// an optional collaborator (§4.1, §C.1) — it lives here rather than in
// pkg/dlm/lock because it is the client's bookkeeping, not the engine's.
type Client struct {
	NS  *lock.Namespace
	Imp *lock.Import

	Completion *completion.Env
	Enqueue    *enqueue.Env
	Cancel     *cancel.Env
	LRU        *lru.Env
	Replay     *replay.Env
	Metrics    *metrics.Metrics

	cfg config.Config

	mu      sync.Mutex
	handles map[uint64]*handleEntry
}

// handleEntry pairs a resolved lock with which holder-count bucket Lock()
// bumped for it (§4.1's addref_internal split by mode, taken in
// enqueue.Env.Enqueue), so Unlock can drop the matching one. The engine
// packages have no handle table of their own (enqueue.Env's own doc comment
// calls the per-export index an optional collaborator), so this bookkeeping
// lives here.
type handleEntry struct {
	lock     *lock.Lock
	isWriter bool
}

// New wires a fresh Client for namespace nsName over tr, using cfg's
// tunables (see internal/config.DefaultConfig for what ships). registry may
// be nil to skip Prometheus registration (e.g. in tests).
func New(nsName string, cfg config.Config, tr transport.Transport, registry prometheus.Registerer) *Client {
	ns := lock.NewNamespace(
		nsName,
		cfg.Namespace.MaxUnused,
		cfg.Namespace.MaxAge,
		cfg.Namespace.AdaptiveTimeout,
		cfg.EnqueueMin,
		cfg.Namespace.PoolSLV,
		cfg.Namespace.PoolLVF,
	)
	imp := lock.NewImport()

	comp := completion.NewEnv(ns, imp, tr, cfg.EnqueueMin, cfg.ObdTimeout, cfg.NamespaceDumpThrottle)
	enq := enqueue.NewEnv(ns, imp, tr, comp)
	ce := cancel.NewEnv(ns, imp, tr, cfg.ObdTimeout)
	lr := lru.NewEnv(ns, ce)
	rp := replay.NewEnv(ns, imp, tr, enq, ce, lr, cfg.CancelUnusedLocksBeforeReplay)
	m := metrics.NewMetrics(registry)

	// The two mutual-dependency wirings the engine packages can't express
	// directly through Go's import graph (§C.1): cli_cancel's LRU scavenge,
	// and ldlm_prep_enqueue_req's piggyback cancel fold.
	ce.ScavengeLRU = lr.Scavenge
	enq.PiggybackCancel = func(ctx context.Context, ns *lock.Namespace, req *transport.Request, maxHandles int) {
		cancels := lr.PrepareLRUList(0, maxHandles, lru.Passed)
		if len(cancels) == 0 {
			return
		}
		if err := ce.CancelList(ctx, cancels, len(cancels), req, 0); err != nil {
			logger.Debug("piggyback cancel fold failed", logger.ErrAttr(err))
		}
	}

	return &Client{
		NS:         ns,
		Imp:        imp,
		Completion: comp,
		Enqueue:    enq,
		Cancel:     ce,
		LRU:        lr,
		Replay:     rp,
		Metrics:    m,
		cfg:        cfg,
		handles:    make(map[uint64]*handleEntry),
	}
}

// NewWithDefaults is New with config.DefaultConfig(), for the common case of
// a single ad hoc namespace (e.g. the CLI).
func NewWithDefaults(nsName string, tr transport.Transport, registry prometheus.Registerer) *Client {
	return New(nsName, config.DefaultConfig(), tr, registry)
}

// LockParams is the public request shape for Lock, trimming enqueue.Params
// down to what an external caller supplies (resource id, type, mode, policy)
// while the client manages flags/async/handle bookkeeping itself.
type LockParams struct {
	ResourceID lock.ResourceID
	Type       lock.Type
	Mode       mode.Mode
	Policy     *lock.Policy
	Callbacks  lock.Callbacks
	LVBLen     uint32
	LVBType    uint32
	NoLRU      bool
}

// Lock acquires a new lock and registers it in the handle table, returning
// the handle a caller uses for every subsequent Unlock/Cancel.
func (c *Client) Lock(ctx context.Context, p LockParams) (handle uint64, err error) {
	f := flags.Flags(0)
	if p.NoLRU {
		f = f.Set(flags.NoLRU)
	}

	result, err := c.Enqueue.Enqueue(ctx, enqueue.Params{
		ResourceID: p.ResourceID,
		Info: enqueue.Info{
			Type:      p.Type,
			Mode:      p.Mode,
			Callbacks: p.Callbacks,
			LVBLen:    p.LVBLen,
			LVBType:   p.LVBType,
		},
		Policy: p.Policy,
		Flags:  f,
	})
	if err != nil {
		c.Metrics.ObserveEnqueue(c.NS.Name, typeLabel(p.Type), metrics.StatusFailed)
		return 0, err
	}

	c.mu.Lock()
	c.handles[result.Handle] = &handleEntry{lock: result.Lock, isWriter: mode.IsWrite(p.Mode)}
	c.mu.Unlock()

	c.Metrics.ObserveEnqueue(c.NS.Name, typeLabel(p.Type), metrics.StatusGranted)
	return result.Handle, nil
}

// Unlock drops a previously acquired lock's reader/writer reference (§4.1
// lifecycle: readers+writers migrates to the LRU on reaching zero, spec.md
// DATA MODEL). If that was the last holder and the lock wasn't requested
// with NoLRU, it is released onto the namespace's unused list rather than
// canceled outright — the LRU scan (pkg/dlm/lru) decides later whether and
// when to actually cancel it with the server. Otherwise, or when NoLRU was
// set, it is canceled immediately via the CANCEL RPC. Either way the handle
// is removed from the table regardless of whether a CANCEL RPC itself
// succeeds (a cancel is, by design, never retried by its caller — §4.3).
func (c *Client) Unlock(ctx context.Context, handle uint64, async bool) error {
	entry, err := c.resolveEntry(handle)
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.handles, handle)
	c.mu.Unlock()

	l := entry.lock
	l.Lock()
	if entry.isWriter {
		l.DropWriter()
	} else {
		l.DropReader()
	}
	unused := l.Readers == 0 && l.Writers == 0
	noLRU := l.Flags.Has(flags.NoLRU)
	l.Unlock()

	if unused && !noLRU {
		c.NS.Lock()
		l.Lock()
		c.NS.AddToLRU(l)
		l.Unlock()
		c.NS.Unlock()
		c.refreshUnusedGauge()
		return nil
	}

	var cf cancel.CancelFlag
	if async {
		cf = cancel.Async
	}
	err = c.Cancel.CliCancel(ctx, l, cf)
	c.Metrics.ObserveCancel(c.NS.Name, metrics.ReasonExplicit)
	return err
}

// ReplayAll re-asserts every surviving lock after a reconnect, blocking
// until every dispatched ENQUEUE's interpret callback has settled.
func (c *Client) ReplayAll(ctx context.Context) error {
	if err := c.Replay.ReplayLocks(ctx); err != nil {
		c.Metrics.ObserveReplay(c.NS.Name, metrics.StatusFailed)
		return err
	}
	err := c.Replay.Wait()
	if err != nil {
		c.Metrics.ObserveReplay(c.NS.Name, metrics.StatusFailed)
		return err
	}
	c.Metrics.ObserveReplay(c.NS.Name, metrics.StatusGranted)
	return nil
}

// CancelUnused sweeps every resource in the namespace and locally+remotely
// cancels whatever is presently unused, for an explicit flush (e.g. unmount)
// rather than the background LRU scan.
func (c *Client) CancelUnused(ctx context.Context) int {
	canceled := c.LRU.CancelUnused(ctx, 0)
	c.Metrics.ObserveLRUEviction(c.NS.Name, "explicit_sweep", float64(len(canceled)))
	return len(canceled)
}

// PublishPoolUpdate implements the client-side half of ldlm_cli_update_pool:
// a caller (typically the transport's PING/connect reply handler) reports
// the server's pushed (SLV, LIMIT) here, and Client applies §4.5's
// resize-gate and zero-drop rules before it reaches the pool.
func (c *Client) PublishPoolUpdate(slv, limit uint64) bool {
	applied := lock.UpdatePoolIfResize(c.Imp, c.NS.Pool, slv, limit)
	if applied {
		_, lvf, _ := c.NS.Pool.Get()
		c.Metrics.SetLocalValue(c.NS.Name, float64(lvf))
	}
	return applied
}

// SetConnectLRUResize records whether the server negotiated LRU-resize
// support on this client's import, gating every future PublishPoolUpdate
// call (§4.5, §C.1).
func (c *Client) SetConnectLRUResize(v bool) {
	c.Imp.Lock()
	c.Imp.ConnectLRUResize = v
	c.Imp.Unlock()
}

func (c *Client) resolveEntry(handle uint64) (*handleEntry, error) {
	c.mu.Lock()
	e, ok := c.handles[handle]
	c.mu.Unlock()
	if !ok {
		return nil, dlmerrors.NewNoLockError("dlmclient: unknown handle")
	}
	return e, nil
}

func (c *Client) resolve(handle uint64) (*lock.Lock, error) {
	e, err := c.resolveEntry(handle)
	if err != nil {
		return nil, err
	}
	return e.lock, nil
}

func typeLabel(t lock.Type) string {
	switch t {
	case lock.PLAIN:
		return "plain"
	case lock.EXTENT:
		return "extent"
	case lock.IBITS:
		return "ibits"
	case lock.FLOCK:
		return "flock"
	default:
		return "unknown"
	}
}

// refreshUnusedGauge publishes the namespace's current LRU length, for
// callers that run a periodic metrics tick rather than wiring a push on
// every AddToLRU/RemoveFromLRU.
func (c *Client) refreshUnusedGauge() {
	c.NS.Lock()
	n := c.NS.NrUnused()
	c.NS.Unlock()
	c.Metrics.SetUnusedLocks(c.NS.Name, float64(n))
}

// StartMetricsTicker runs refreshUnusedGauge every interval until ctx is
// done, for a caller that wants the LRU gauge kept warm without wiring a
// push at every list mutation site.
func (c *Client) StartMetricsTicker(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.refreshUnusedGauge()
			}
		}
	}()
}
