// Package replay implements the reconnect lock-replay engine (§4.6):
// re-asserting every surviving lock against the server once a transport
// reconnect completes, and reconciling each one's server-assigned handle as
// its ENQUEUE reply comes back.
package replay

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/ldlmclient/internal/logger"
	"github.com/marmos91/ldlmclient/pkg/dlm/cancel"
	"github.com/marmos91/ldlmclient/pkg/dlm/enqueue"
	"github.com/marmos91/ldlmclient/pkg/dlm/flags"
	"github.com/marmos91/ldlmclient/pkg/dlm/lock"
	"github.com/marmos91/ldlmclient/pkg/dlm/lru"
	"github.com/marmos91/ldlmclient/pkg/dlm/transport"
)

// Env bundles the collaborators a reconnect replay needs.
type Env struct {
	NS        *lock.Namespace
	Imp       *lock.Import
	Transport transport.Transport
	Enqueue   *enqueue.Env
	Cancel    *cancel.Env

	// LRU drives the best-effort "drop unused locks before replay" step
	// (§4.6 step 4). Nil skips it regardless of CancelUnusedBeforeReplay.
	LRU *lru.Env

	// CancelUnusedBeforeReplay mirrors ldlm_cancel_unused_locks_before_replay.
	CancelUnusedBeforeReplay bool

	mu       sync.Mutex
	inflight *errgroup.Group
}

func NewEnv(ns *lock.Namespace, imp *lock.Import, tr transport.Transport, enq *enqueue.Env, ce *cancel.Env, lr *lru.Env, cancelBeforeReplay bool) *Env {
	return &Env{NS: ns, Imp: imp, Transport: tr, Enqueue: enq, Cancel: ce, LRU: lr, CancelUnusedBeforeReplay: cancelBeforeReplay}
}

// ReplayLocks implements replay_locks (§4.6): re-asserts every surviving
// lock after a reconnect. The submission loop is synchronous and stops
// dispatching at the first lock whose ENQUEUE fails to go out, matching the
// original's short-circuit ("skip the remainder but still release
// references"); each dispatched ENQUEUE itself completes asynchronously, so
// ReplayLocks returns once submission finishes — call Wait to block until
// every in-flight interpret callback has actually settled.
func (e *Env) ReplayLocks(ctx context.Context) error {
	if e.Imp.ReplayInflight() != 0 {
		panic("replay_locks: imp_replay_inflight != 0 at entry")
	}

	e.Imp.Lock()
	vbrFailed := e.Imp.VBRFailed
	e.Imp.Unlock()
	if vbrFailed {
		return nil
	}

	e.Imp.IncReplayInflight()
	defer e.Imp.DecReplayInflight()

	if e.CancelUnusedBeforeReplay && e.LRU != nil {
		e.NS.Lock()
		unused := e.NS.NrUnused()
		e.NS.Unlock()
		dropped := e.LRU.CancelLRULocal(ctx, unused, 0, cancel.Local, lru.NoWait)
		logger.Debug("dropped unused locks before replay", logger.Namespace(e.NS.Name), logger.Added(len(dropped)))
	}

	var g errgroup.Group
	e.mu.Lock()
	e.inflight = &g
	e.mu.Unlock()

	var firstErr error
	for _, l := range e.chainForReplay() {
		if firstErr != nil {
			l.DecRef()
			continue
		}
		if err := e.replayOneLock(ctx, l, &g); err != nil {
			firstErr = err
		}
		l.DecRef()
	}

	return firstErr
}

// Wait blocks until every ENQUEUE dispatched by the most recent ReplayLocks
// call has been interpreted (replied, timed out, or failed to send). Safe
// to call after ReplayLocks returns; a nil receiver or a replay that
// dispatched nothing returns immediately.
func (e *Env) Wait() error {
	e.mu.Lock()
	g := e.inflight
	e.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// chainForReplay implements ldlm_chain_lock_for_replay over the whole
// namespace: every lock whose flags carry neither FAILED nor BL_DONE is
// collected with a reference held, so it can't disappear out from under the
// drain loop (e.g. via a concurrent cancel).
func (e *Env) chainForReplay() []*lock.Lock {
	var out []*lock.Lock
	for _, l := range e.NS.AllLocks() {
		l.Lock()
		skip := l.Flags.Any(flags.Failed | flags.BLDone)
		l.Unlock()
		if skip {
			continue
		}
		l.AddRef()
		out = append(out, l)
	}
	return out
}

// replayOneLock implements replay_one_lock (§4.6): classifies the lock's
// pre-disconnect disposition into replay flags, then dispatches an async
// ENQUEUE carrying them. The dispatched request's interpret callback runs
// replayLockInterpret.
func (e *Env) replayOneLock(ctx context.Context, l *lock.Lock, g *errgroup.Group) error {
	l.Lock()
	blDone := l.Flags.Has(flags.BLDone)
	cancelOnBlock := l.Flags.Has(flags.CancelOnBlock)
	l.Unlock()

	if blDone {
		logger.Debug("not replaying canceled lock", logger.LockID(l.LocalCookie))
		return nil
	}
	if cancelOnBlock {
		logger.Debug("not replaying reply-less lock", logger.LockID(l.LocalCookie))
		return e.Cancel.CliCancel(ctx, l, cancel.Local)
	}

	replayFlags := dispositionFlags(l)

	l.Lock()
	lvbLen := l.LVBLen
	l.Unlock()

	result, err := e.Enqueue.Enqueue(ctx, enqueue.Params{
		Flags:      replayFlags,
		ReplayLock: l,
		Async:      true,
		Info:       enqueue.Info{LVBLen: lvbLen},
	})
	if err != nil {
		return err
	}

	logger.Debug("replaying lock", logger.LockID(l.LocalCookie), logger.Flags(uint64(replayFlags)))

	e.Imp.IncReplayInflight()
	req := result.Req
	req.Replay = true // dispatch at the recovery send-state, bypassing normal queueing
	g.Go(func() error {
		rpcErr := e.Transport.QueueWait(ctx, req)
		e.Transport.ReqFinished(req)
		return e.replayLockInterpret(ctx, l, req, rpcErr)
	})

	return nil
}

// dispositionFlags implements replay_one_lock's flag classification: what
// the lock was doing right before the outage determines what the replay
// ENQUEUE asks the server to restore (T7). Reads l under its own lock first
// (granted/req mode, resource backref), then — only if neither of the first
// two cases applies — separately takes the resource lock to check list
// membership, preserving the resource-before-lock ordering (§5) rather than
// nesting the resource lock inside the lock's.
func dispositionFlags(l *lock.Lock) flags.Flags {
	l.Lock()
	granted := l.GrantedMode
	req := l.ReqMode
	res := l.Resource
	l.Unlock()

	switch {
	case granted == req:
		return flags.Replay | flags.BlockGranted
	case granted != 0:
		return flags.Replay | flags.BlockConv
	}

	res.Lock()
	onList := res.OnList(l)
	res.Unlock()
	if onList {
		return flags.Replay | flags.BlockWait
	}
	return flags.Replay
}

// replayLockInterpret implements replay_lock_interpret (§4.6): releases the
// inflight guard, then on success reconciles the lock's remote handle from
// the reply and advances import recovery; on failure triggers a reconnect.
// There is no per-export lock-handle hash to rehash in this engine (same
// no-handle-table rationale as enqueue/cancel), so reconciliation is just
// overwriting RemoteCookie, the original's fallback branch when exp_lock_hash
// is absent.
func (e *Env) replayLockInterpret(ctx context.Context, l *lock.Lock, req *transport.Request, rpcErr error) error {
	defer e.Imp.DecReplayInflight()

	if rpcErr != nil {
		logger.Debug("replay RPC failed, reconnecting", logger.LockID(l.LocalCookie), logger.ErrAttr(rpcErr))
		return e.Transport.ConnectImport(ctx, e.Imp)
	}
	if req.Reply == nil {
		logger.Warn("replay reply missing", logger.LockID(l.LocalCookie))
		return nil
	}

	l.Lock()
	l.RemoteCookie = req.Reply.Handle
	l.Unlock()

	logger.Debug("replayed lock", logger.LockID(l.LocalCookie))
	e.Transport.ImportRecoveryStateMachine(e.Imp)
	return nil
}
