// Package enqueue implements the two-phase lock acquisition protocol (§4.1):
// request construction and dispatch, then reconciliation of the server's
// reply against the local lock's state.
package enqueue

import (
	"context"
	"fmt"

	"github.com/marmos91/ldlmclient/internal/dlmerrors"
	"github.com/marmos91/ldlmclient/internal/logger"
	"github.com/marmos91/ldlmclient/pkg/dlm/completion"
	"github.com/marmos91/ldlmclient/pkg/dlm/flags"
	"github.com/marmos91/ldlmclient/pkg/dlm/lock"
	"github.com/marmos91/ldlmclient/pkg/dlm/mode"
	"github.com/marmos91/ldlmclient/pkg/dlm/transport"
	"github.com/marmos91/ldlmclient/pkg/dlm/wire"
)

// Env bundles the collaborators a lock enqueue needs.
type Env struct {
	NS         *lock.Namespace
	Imp        *lock.Import
	Transport  transport.Transport
	Completion *completion.Env

	// PiggybackCancel, when set, lets a freshly-built ENQUEUE request carry
	// along cancels for locally-scavenged unused locks, folded into the
	// same request buffer ahead of dispatch (§6 ldlm_prep_enqueue_req,
	// §C.1 "piggyback cancel sizing"). A plain injected func rather than an
	// import of lru/cancel, the same DI pattern cancel.Env.ScavengeLRU
	// uses to avoid a circular dependency; the composition root wires it.
	PiggybackCancel func(ctx context.Context, ns *lock.Namespace, req *transport.Request, maxHandles int)
}

// NewEnv returns an Env wiring a namespace, its import, the transport that
// dispatches requests, and the completion-wait engine invoked on reply.
func NewEnv(ns *lock.Namespace, imp *lock.Import, tr transport.Transport, comp *completion.Env) *Env {
	return &Env{NS: ns, Imp: imp, Transport: tr, Completion: comp}
}

// Info mirrors ldlm_enqueue_info: the shape of a brand-new lock request.
type Info struct {
	Type      lock.Type
	Mode      mode.Mode
	Callbacks lock.Callbacks
	LVBLen    uint32
	LVBType   uint32
}

// Params is the full input to Enqueue (§4.1).
type Params struct {
	ResourceID lock.ResourceID
	Info       Info
	Policy     *lock.Policy // required when Info.Type == lock.EXTENT
	Flags      flags.Flags  // caller's initial flags; REPLAY is checked here
	LVBBuf     []byte       // optional out-param: final LVB copied here if non-nil
	Async      bool

	// PreallocatedReq lets a caller that already built a request (e.g. to
	// piggyback cancels ahead of it) hand it in instead of having Enqueue
	// allocate one.
	PreallocatedReq *transport.Request

	// ReplayLock is required when Flags has REPLAY: the caller's existing
	// lock being re-asserted after reconnect. There is no handle table in
	// this engine (the per-export index is an optional collaborator per
	// §4.1) so replay resolves its lock directly rather than by handle
	// lookup.
	ReplayLock *lock.Lock
}

// Result is returned by a successful (or async-dispatched) Enqueue.
type Result struct {
	Handle uint64
	Lock   *lock.Lock
	Req    *transport.Request // set when Async, for the caller to finish later
	Flags  flags.Flags
}

// Enqueue implements the enqueue operation (§4.1 steps 1-7).
func (e *Env) Enqueue(ctx context.Context, p Params) (*Result, error) {
	isReplay := p.Flags.Has(flags.Replay)

	var l *lock.Lock
	if isReplay {
		if p.ReplayLock == nil {
			return nil, dlmerrors.NewInvalidError("enqueue", "replay requires an existing lock")
		}
		l = p.ReplayLock
		logger.Debug("client-side enqueue START (replay)", logger.LockID(l.LocalCookie))
	} else {
		if p.Info.Type == lock.EXTENT && p.Policy == nil {
			return nil, dlmerrors.NewInvalidError("enqueue", "extent lock requires a policy")
		}
		res := e.NS.GetOrCreateResource(p.ResourceID)
		l = lock.NewLock(res, p.Info.Type, p.Info.Mode, p.Info.Callbacks, p.Info.LVBLen, p.Info.LVBType)

		// "for the local lock, add the reference": the caller's handle owns
		// one reader/writer slot on l from the moment it's created, before
		// the ENQUEUE reply (or even dispatch) completes. FailedLockCleanup
		// drops it again if the RPC never grants.
		l.Lock()
		if mode.IsWrite(p.Info.Mode) {
			l.AddWriter()
		} else {
			l.AddReader()
		}
		l.Unlock()

		if p.Policy != nil {
			l.Lock()
			l.Policy = *p.Policy
			l.Unlock()
		}
		logger.Debug("client-side enqueue START", logger.LockID(l.LocalCookie), logger.Resource(resourceName(p.ResourceID)), logger.Flags(uint64(p.Flags)))
	}

	l.Lock()
	l.Flags = l.Flags.Set(p.Flags & (flags.NoLRU | flags.Excl))
	l.TouchActivity()
	l.Unlock()

	req := p.PreallocatedReq
	reqOwnedHere := false
	if req == nil {
		req = e.Transport.RequestAlloc(transport.PortalDLM, "ENQUEUE")
		e.Transport.RequestSetReplen(req, int(p.Info.LVBLen))
		reqOwnedHere = true
	}

	desc := &wire.Request{
		Flags:     uint64(p.Flags),
		LockCount: 1,
		Desc:      descFromLock(l),
	}
	desc.Handle[0] = l.LocalCookie
	e.Transport.RequestPack(req, desc)

	if !isReplay && reqOwnedHere && e.PiggybackCancel != nil {
		if avail := wire.AvailableHandleSlots(wire.BaseRequestSize, wire.LDLMEnqueueCancelOff); avail > 0 {
			e.PiggybackCancel(ctx, e.NS, req, avail)
		}
	}

	if p.Async {
		return &Result{Handle: l.LocalCookie, Lock: l, Req: req, Flags: p.Flags}, nil
	}

	logger.Debug("sending request", logger.LockID(l.LocalCookie))
	rpcErr := e.Transport.QueueWait(ctx, req)

	finiResult, finiErr := e.EnqueueFini(ctx, FiniParams{
		Lock:      l,
		Reply:     req.Reply,
		Type:      p.Info.Type,
		HasPolicy: p.Policy != nil,
		Mode:      p.Info.Mode,
		LVBBuf:    p.LVBBuf,
		RPCErr:    rpcErr,
		IsReplay:  isReplay,
	})

	finalErr := finiErr
	if dlmerrors.Code(finiErr) == dlmerrors.ErrNoLock {
		// enqueue_fini could not resolve the lock handle; release the
		// reference this call took, preserving whatever rc the RPC itself
		// produced (the original's "rc = err" assignment is skipped on
		// this path).
		l.DecRef()
		finalErr = rpcErr
	}

	if reqOwnedHere {
		e.Transport.ReqFinished(req)
	}

	if finalErr != nil {
		return nil, finalErr
	}

	result := &Result{Handle: l.LocalCookie, Lock: l, Flags: finiResult.Flags}
	return result, nil
}

// FiniParams is the input to EnqueueFini (§4.1 reconciliation).
type FiniParams struct {
	Lock      *lock.Lock // resolved lock; nil only if an external handle table's lookup missed
	Reply     *wire.Reply
	Type      lock.Type
	HasPolicy bool
	Mode      mode.Mode
	LVBBuf    []byte
	RPCErr    error
	IsReplay  bool
}

// FiniResult carries the reconciled out-flags and LVB back to the caller.
type FiniResult struct {
	Flags flags.Flags
	LVB   []byte
}

// EnqueueFini reconciles a server reply against the local lock (§4.1
// "Reconciliation in enqueue_fini").
func (e *Env) EnqueueFini(ctx context.Context, p FiniParams) (fr *FiniResult, err error) {
	if p.Lock == nil {
		if p.Type != lock.FLOCK {
			panic("enqueue_fini: lock handle resolution failed for a non-FLOCK type")
		}
		return nil, dlmerrors.NewNoLockError("enqueue_fini")
	}
	l := p.Lock
	cleanupPhase := true

	defer func() {
		if cleanupPhase && err != nil {
			e.FailedLockCleanup(l, p.Mode)
		}
	}()

	if p.RPCErr != nil && dlmerrors.Code(p.RPCErr) != dlmerrors.ErrLockAborted {
		err = p.RPCErr
		return nil, err
	}

	reply := p.Reply
	if reply == nil {
		err = dlmerrors.NewProtoError("enqueue_fini", "missing server reply")
		return nil, err
	}

	lvb := reply.LVB
	l.Lock()
	lvbLen := l.LVBLen
	l.Unlock()
	if lvbLen > 0 && uint32(len(lvb)) > lvbLen {
		err = dlmerrors.NewInvalidError("enqueue_fini", "replied LVB larger than expected")
		return nil, err
	}

	if dlmerrors.Code(p.RPCErr) == dlmerrors.ErrLockAborted {
		if len(lvb) > 0 && p.LVBBuf != nil {
			copy(p.LVBBuf, lvb)
		}
		err = dlmerrors.NewLockAbortedError("enqueue_fini")
		return nil, err
	}

	// Lock is now known to the server; failures past this point are not
	// automatically "never existed" failures.
	cleanupPhase = false

	replyFlags := flags.Flags(reply.LockFlags)

	l.Lock()
	l.RemoteCookie = reply.Handle
	l.Flags = l.Flags.Set(replyFlags & flags.InheritMask)
	l.Unlock()

	if replyFlags.Has(flags.LockChanged) && !p.IsReplay {
		l.Lock()
		newMode := mode.Mode(reply.Desc.ReqMode)
		if mode.Valid(newMode) && newMode != l.ReqMode {
			logger.Debug("server returned different mode", logger.LockID(l.LocalCookie), logger.Mode(newMode.String()))
			l.ReqMode = newMode
		}
		l.Unlock()

		newID := lock.ResourceID{Name: reply.Desc.ResourceName, Type: l.Type}
		if newID != l.Resource.ID {
			if rerr := e.NS.ChangeResource(l, newID); rerr != nil {
				// Matches the original's asymmetry: a rehash failure here
				// does not re-arm cleanupPhase, so FailedLockCleanup is
				// not invoked even though EnqueueFini still fails.
				err = dlmerrors.NewNoMemError("enqueue_fini")
				return nil, err
			}
			logger.Debug("client-side enqueue, new resource", logger.LockID(l.LocalCookie))
		}
		if p.HasPolicy {
			l.Lock()
			l.Policy = policyFromWire(l.Type, reply.Desc)
			l.Unlock()
		}
	}

	if replyFlags.Has(flags.ASTSent) {
		l.Lock()
		l.Flags = l.Flags.Set(flags.CBPending | flags.BLAST)
		l.Unlock()
		logger.Debug("enqueue reply includes blocking AST", logger.LockID(l.LocalCookie))
	}

	if len(lvb) > 0 {
		l.Lock()
		if l.GrantedMode != l.ReqMode {
			l.LVB = append([]byte(nil), lvb...)
		}
		l.Unlock()
	}

	if !p.IsReplay {
		e.NS.EnqueueLock(l, replyFlags)
		// data is nil here: this is the initial grant-or-park kickoff, not
		// a CP-RPC delivery, so the tail's metrics-feeding branch is
		// skipped regardless of whether the lock ended up parked.
		if aerr := e.Completion.Ast(ctx, l, replyFlags, nil); aerr != nil {
			cleanupPhase = true
			err = aerr
			return nil, err
		}
	}

	var finalLVB []byte
	l.Lock()
	if len(l.LVB) > 0 {
		finalLVB = append([]byte(nil), l.LVB...)
	}
	l.Unlock()
	if len(finalLVB) > 0 && p.LVBBuf != nil {
		copy(p.LVBBuf, finalLVB)
	}

	logger.Debug("client-side enqueue END", logger.LockID(l.LocalCookie))
	return &FiniResult{Flags: replyFlags, LVB: finalLVB}, nil
}

// FailedLockCleanup implements failed_lock_cleanup (§4.1): releases the
// reference Enqueue took at lock creation, arms the
// LOCAL_ONLY|FAILED|ATOMIC_CB|CBPENDING combination so a later destroy never
// races a spurious CANCEL against the server's own error reply, then tears
// down FLOCK locks in place (no blocking AST drives a flock's destruction on
// this client).
func (e *Env) FailedLockCleanup(l *lock.Lock, m mode.Mode) {
	l.Lock()
	if mode.IsWrite(m) {
		l.DropWriter()
	} else {
		l.DropReader()
	}
	needCancel := false
	if l.GrantedMode != l.ReqMode && !l.Flags.Has(flags.Failed) {
		l.Flags = l.Flags.Set(flags.LocalOnly | flags.Failed | flags.AtomicCB | flags.CBPending)
		needCancel = true
	}
	l.Unlock()

	if needCancel {
		logger.Debug("failed_lock_cleanup: setting LOCAL_ONLY|FAILED|ATOMIC_CB|CBPENDING", logger.LockID(l.LocalCookie))
	} else {
		logger.Debug("failed_lock_cleanup: lock was granted or failed in race", logger.LockID(l.LocalCookie))
	}

	if l.Type == lock.FLOCK {
		l.Lock()
		alreadyDestroyed := l.Flags.Has(flags.Destroyed)
		if !alreadyDestroyed {
			l.Resource.Lock()
			l.Resource.Remove(l)
			l.Resource.Unlock()
			l.Flags = l.Flags.Set(flags.Destroyed)
		}
		l.Unlock()
		if !alreadyDestroyed {
			l.DecRef()
		}
		return
	}

	l.DecRef()
}

func descFromLock(l *lock.Lock) wire.LockDesc {
	l.Lock()
	defer l.Unlock()
	d := wire.LockDesc{
		ResourceName: l.Resource.ID.Name,
		ResourceType: uint32(l.Resource.ID.Type),
		ReqMode:      uint32(l.ReqMode),
		GrantedMode:  uint32(l.GrantedMode),
	}
	switch l.Type {
	case lock.EXTENT:
		d.PolicyExtentStart = l.Policy.Extent.Start
		d.PolicyExtentEnd = l.Policy.Extent.End
	case lock.IBITS:
		d.PolicyIbits = l.Policy.Ibits
	case lock.FLOCK:
		d.PolicyExtentStart = l.Policy.Flock.Start
		d.PolicyExtentEnd = l.Policy.Flock.End
		d.PolicyFlockPID = l.Policy.Flock.PID
	}
	return d
}

func policyFromWire(t lock.Type, d wire.LockDesc) lock.Policy {
	switch t {
	case lock.EXTENT:
		return lock.Policy{Extent: lock.ExtentPolicy{Start: d.PolicyExtentStart, End: d.PolicyExtentEnd}}
	case lock.IBITS:
		return lock.Policy{Ibits: d.PolicyIbits}
	case lock.FLOCK:
		return lock.Policy{Flock: lock.FlockPolicy{Start: d.PolicyExtentStart, End: d.PolicyExtentEnd, PID: d.PolicyFlockPID}}
	default:
		return lock.Policy{}
	}
}

func resourceName(id lock.ResourceID) string {
	return fmt.Sprintf("%x:%x:%x:%x/%s", id.Name[0], id.Name[1], id.Name[2], id.Name[3], id.Type)
}
