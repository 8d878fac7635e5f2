// Package cancel implements the three-layer cancel engine (§4.3): local
// cancel of a single lock, the public per-lock cancel entry point, and the
// batched CANCEL-RPC driver that dispatches one or many locks per request.
package cancel

import (
	"context"
	"time"

	"github.com/marmos91/ldlmclient/internal/dlmerrors"
	"github.com/marmos91/ldlmclient/internal/faultinjection"
	"github.com/marmos91/ldlmclient/internal/logger"
	"github.com/marmos91/ldlmclient/pkg/dlm/flags"
	"github.com/marmos91/ldlmclient/pkg/dlm/lock"
	"github.com/marmos91/ldlmclient/pkg/dlm/mode"
	"github.com/marmos91/ldlmclient/pkg/dlm/transport"
	"github.com/marmos91/ldlmclient/pkg/dlm/wire"
)

// CancelFlag mirrors the ldlm_cancel_flags bitset: caller-supplied
// modifiers to how a cancel is dispatched, distinct from the lock's own
// flags bitset.
type CancelFlag uint8

const (
	// Async means don't wait for the CANCEL RPC's reply.
	Async CancelFlag = 1 << iota
	// Local means never send a CANCEL RPC at all — local bookkeeping only.
	Local
	// BLAst marks a batch as already a blocking-AST-only cancel, so
	// CancelListLocal won't try to re-route it into a separate RPC.
	BLAst
)

// Has reports whether all bits in mask are set in f.
func (f CancelFlag) Has(mask CancelFlag) bool { return f&mask == mask }

// Env bundles the collaborators a cancel needs.
type Env struct {
	NS        *lock.Namespace
	Imp       *lock.Import
	Transport transport.Transport

	// ScavengeLRU, when set, lets cli_cancel piggyback additional unused
	// locks onto the same CANCEL RPC (§4.3(b): "scavenge additional unused
	// locks from the same namespace's LRU"). It is deliberately a plain
	// func rather than an import of pkg/dlm/lru: lru's own scan ends by
	// calling back into this package's CancelListLocal, so importing lru
	// here would be circular. A composition root (pkg/dlmclient) wires the
	// two together.
	ScavengeLRU func(ns *lock.Namespace, max int) []*lock.Lock

	ReqTimeout time.Duration
}

func NewEnv(ns *lock.Namespace, imp *lock.Import, tr transport.Transport, reqTimeout time.Duration) *Env {
	return &Env{NS: ns, Imp: imp, Transport: tr, ReqTimeout: reqTimeout}
}

// CancelLocal implements cancel_local (§4.3(a)): arms CBPENDING, runs the
// lock's registered cancel callback outside of any spinlock (§5: never call
// a user callback while holding the resource or lock lock — the original's
// literal lock_res_and_lock-wrapped call is not reproduced here), then
// unlinks the lock from its resource. Returns one of {LocalOnly, Canceling,
// BLAST} as a sentinel value, reusing the same bits the lock's own flag word
// uses, exactly as the original overloads LDLM_FL_* for both purposes.
func (e *Env) CancelLocal(l *lock.Lock) flags.Flags {
	l.Lock()
	l.Flags = l.Flags.Set(flags.CBPending)
	localOnly := l.Flags.Has(flags.LocalOnly) || l.Flags.Has(flags.CancelOnBlock)
	result := flags.Canceling
	if l.Flags.Has(flags.BLAST) {
		result = flags.BLAST
	}
	cb := l.Callbacks.Cancel
	l.Unlock()

	logger.Debug("client-side cancel", logger.LockID(l.LocalCookie))

	if faultinjection.Check(faultinjection.PauseCancel) {
		time.Sleep(10 * time.Millisecond)
	}

	if cb != nil {
		if err := cb(l); err != nil {
			logger.Warn("cancel callback failed", logger.LockID(l.LocalCookie), logger.ErrAttr(err))
		}
	}

	if localOnly {
		logger.Debug("not sending request (at caller's instruction)", logger.LockID(l.LocalCookie))
		result = flags.LocalOnly
	}

	e.lockCancel(l)
	return result
}

// lockCancel implements the resource-level lock_cancel routine: unlinks l
// from its resource's lists (and the namespace LRU, if it's still sitting
// there), drops the resource's empty-bucket hold, and releases the
// reference the resource held on l.
func (e *Env) lockCancel(l *lock.Lock) {
	res := l.Resource

	e.NS.Lock()
	l.Lock()
	e.NS.RemoveFromLRU(l)
	l.Flags = l.Flags.Set(flags.Canceling)
	l.Unlock()
	e.NS.Unlock()

	res.Lock()
	res.Remove(l)
	empty := res.Empty()
	res.Unlock()
	if empty {
		e.NS.Lock()
		e.NS.DropResourceIfEmpty(res.ID)
		e.NS.Unlock()
	}

	l.DecRef()
}

// CancelResourceLocal implements cancel_resource_local (§C.1): scans a
// single resource's granted list for locks with no readers or writers, not
// already mid-cancel, and whose granted mode conflicts with m (mode.MinMode
// matches every mode, for a sweep with no one target mode to test against),
// and locally cancels each one. Used ahead of a namespace-wide unused-lock
// sweep (cancel_unused_resource) and exercised directly by its own tests.
func (e *Env) CancelResourceLocal(res *lock.Resource, m mode.Mode) []*lock.Lock {
	res.Lock()
	candidates := make([]*lock.Lock, 0, len(res.Granted))
	for _, l := range res.Granted {
		l.Lock()
		held := l.Readers != 0 || l.Writers != 0
		pending := l.Flags.Any(flags.BLAST | flags.Canceling | flags.CBPending)
		compatible := m != mode.MinMode && mode.Compatible(l.GrantedMode, m)
		l.Unlock()
		if !held && !pending && !compatible {
			candidates = append(candidates, l)
		}
	}
	res.Unlock()

	var out []*lock.Lock
	for _, l := range candidates {
		e.CancelLocal(l)
		out = append(out, l)
	}
	return out
}

// CliCancel implements cli_cancel (§4.3(b)): the public per-lock cancel
// entry point. There is no handle table in this engine (per the same
// rationale as enqueue.EnqueueFini), so the caller passes the resolved lock
// directly rather than a handle; a nil lock is treated the way a handle
// lookup miss is in the original — already gone, nothing to do.
func (e *Env) CliCancel(ctx context.Context, l *lock.Lock, cancelFlags CancelFlag) error {
	if l == nil {
		logger.Debug("lock is already being destroyed")
		return nil
	}

	l.Lock()
	if l.Flags.Has(flags.Canceling) && cancelFlags.Has(Async) {
		l.Unlock()
		return nil
	}
	l.Flags = l.Flags.Set(flags.Canceling)
	l.Unlock()

	rc := e.CancelLocal(l)
	if rc == flags.LocalOnly || cancelFlags.Has(Local) {
		return nil
	}

	cancels := []*lock.Lock{l}
	if e.Transport.SupportsCancelSet(e.Imp) && e.ScavengeLRU != nil {
		avail := wire.AvailableHandleSlots(wire.BaseRequestSize, 0)
		if avail > 1 {
			cancels = append(cancels, e.ScavengeLRU(e.NS, avail-1)...)
		}
	}

	return e.CancelList(ctx, cancels, len(cancels), nil, cancelFlags)
}

// CancelList implements cancel_list (§4.3(d)): either packs handles into an
// already-allocated request (piggyback mode, inlineReq non-nil) or slices
// cancels into per-batch CANCEL RPCs, sized by the server's cancel-set
// capability. Every processed lock is released (its slot in cancels is
// considered handled whether the RPC succeeded, was treated as
// canceled-anyway, or found the lock already forgotten by the server).
func (e *Env) CancelList(ctx context.Context, cancels []*lock.Lock, count int, inlineReq *transport.Request, cancelFlags CancelFlag) error {
	if len(cancels) == 0 || count == 0 {
		return nil
	}
	if count > len(cancels) {
		count = len(cancels)
	}

	if inlineReq != nil {
		packCancelPiggyback(inlineReq, cancels[:count])
		return nil
	}

	remaining := cancels[:count]
	for len(remaining) > 0 {
		batch := remaining
		if !e.Transport.SupportsCancelSet(e.Imp) {
			batch = remaining[:1]
		}

		sent, err := e.CancelReq(ctx, batch, len(batch), cancelFlags)
		if err != nil {
			logger.Debug("cancel RPC aborted", logger.ErrAttr(err))
		}
		if sent <= 0 {
			// ESTALE (or a hard RPC error) reports 0 sent, but every lock in
			// batch already ran through CancelLocal before reaching here --
			// there's nothing left to retry, so treat the whole attempted
			// slice as handled rather than looping on it forever.
			sent = len(batch)
		}
		if sent > len(batch) {
			sent = len(batch)
		}

		for _, l := range batch[:sent] {
			l.DecRef()
		}
		remaining = remaining[sent:]
	}
	return nil
}

// CancelReq implements cancel_req (§4.3(c)): builds and sends a single
// batched CANCEL RPC covering up to count locks, capped by the handle slots
// that fit in one request. Returns the number of locks the caller should
// consider handled (0 only for the ESTALE case, where the server has
// already forgotten the lock).
func (e *Env) CancelReq(ctx context.Context, cancels []*lock.Lock, count int, cancelFlags CancelFlag) (sent int, err error) {
	if count > len(cancels) {
		count = len(cancels)
	}
	if avail := wire.AvailableHandleSlots(wire.BaseRequestSize, 0); count > avail {
		count = avail
	}
	if count <= 0 {
		return 0, nil
	}
	if faultinjection.Check(faultinjection.ShortCircuitCancelRPC) {
		logger.Debug("cancel RPC short-circuited by fault injection")
		return count, nil
	}

	for {
		if e.Imp != nil && e.Imp.IsInvalid() {
			logger.Debug("skipping cancel on invalid import")
			return count, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return 0, cerr
		}

		var genBefore uint64
		if e.Imp != nil {
			genBefore = e.Imp.SnapshotGeneration()
		}

		req := e.Transport.RequestAlloc(transport.PortalCancel, "CANCEL")
		e.Transport.RequestPack(req, cancelRequestDesc(cancels[:count]))
		e.Transport.RequestSetReplen(req, 0)
		e.Transport.AtSetReqTimeout(req, e.ReqTimeout)

		if cancelFlags.Has(Async) {
			e.Transport.PtlrpcdAddReq(req, nil)
			return count, nil
		}

		rpcErr := e.Transport.QueueWait(ctx, req)
		e.Transport.ReqFinished(req)

		switch {
		case rpcErr == nil:
			return count, nil
		case dlmerrors.Code(rpcErr) == dlmerrors.ErrStale:
			logger.Debug("client/server out of sync -- not fatal")
			return 0, nil
		case dlmerrors.Code(rpcErr) == dlmerrors.ErrTimedOut && e.Imp != nil && e.Imp.SnapshotGeneration() == genBefore:
			logger.Debug("cancel RPC timed out, retrying without reconnect")
			continue
		default:
			logger.Debug("cancel RPC failed, canceling anyway", logger.ErrAttr(rpcErr))
			return count, nil
		}
	}
}

// CancelListLocal implements cancel_list_local (§4.3(e)): locally cancels up
// to count locks from cancels. A BL_AST result not already batched as such
// is routed to a separate RPC (BL_AST cancels must not ride with ordinary
// ones); a LOCAL_ONLY result drops the lock without any RPC. Returns the
// locks still needing an ordinary CANCEL RPC.
func (e *Env) CancelListLocal(ctx context.Context, cancels []*lock.Lock, count int, cancelFlags CancelFlag) []*lock.Lock {
	if count > len(cancels) {
		count = len(cancels)
	}

	var remaining, blAst []*lock.Lock
	for _, l := range cancels[:count] {
		var rc flags.Flags
		if cancelFlags.Has(Local) {
			rc = flags.LocalOnly
			e.lockCancel(l)
		} else {
			rc = e.CancelLocal(l)
		}

		switch {
		case rc == flags.BLAST && !cancelFlags.Has(BLAst):
			logger.Debug("cancel lock separately", logger.LockID(l.LocalCookie))
			blAst = append(blAst, l)
		case rc == flags.LocalOnly:
			l.DecRef()
		default:
			remaining = append(remaining, l)
		}
	}

	if len(blAst) > 0 {
		if err := e.CancelList(ctx, blAst, len(blAst), nil, BLAst); err != nil {
			logger.Debug("bl_ast cancel batch failed", logger.ErrAttr(err))
		}
	}

	return remaining
}

func cancelRequestDesc(locks []*lock.Lock) *wire.Request {
	d := &wire.Request{}
	for _, l := range locks {
		l.Lock()
		h := l.RemoteCookie
		l.Unlock()
		appendHandle(d, h)
	}
	return d
}

func packCancelPiggyback(req *transport.Request, locks []*lock.Lock) {
	for _, l := range locks {
		l.Lock()
		h := l.RemoteCookie
		l.Unlock()
		appendHandle(req.Req, h)
	}
}

func appendHandle(d *wire.Request, h uint64) {
	idx := int(d.LockCount)
	if idx < wire.LDLMLockreqHandles {
		d.Handle[idx] = h
	} else {
		d.Extra = append(d.Extra, h)
	}
	d.LockCount++
}
