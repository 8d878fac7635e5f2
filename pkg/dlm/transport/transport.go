// Package transport is the narrow RPC collaborator the engine packages send
// requests through (§6). Everything here — request allocation, queue-and-
// wait, async dispatch, import recovery — is explicitly out of scope for the
// engine itself; this package only defines the contract and a fake
// implementation tests can drive deterministically.
package transport

import (
	"context"
	"time"

	"github.com/marmos91/ldlmclient/internal/dlmerrors"
	"github.com/marmos91/ldlmclient/pkg/dlm/lock"
	"github.com/marmos91/ldlmclient/pkg/dlm/wire"
)

// Portal selects which request/reply portal pair a request rides on. DLM
// requests use one portal; CANCEL requests use a dedicated pair so a busy
// enqueue stream never starves a cancel (§6: "CANCEL portals").
type Portal int

const (
	PortalDLM Portal = iota
	PortalCancel
)

// Request is an allocated, in-flight transport request wrapping a wire
// buffer. Request is how enqueue/cancel/replay thread state through
// RequestAlloc -> RequestPack -> QueueWait/PtlrpcdAddReq -> ReqFinished.
type Request struct {
	Portal  Portal
	Opcode  string
	Req     *wire.Request
	Reply   *wire.Reply
	Replay  bool // dispatched at recovery send-state, bypassing normal queueing
	Timeout time.Duration
}

// InterpretFunc is the async completion callback passed to PtlrpcdAddReq,
// invoked with the transport's result code once the reply (or a terminal
// failure) is available.
type InterpretFunc func(req *Request, rc error)

// Transport is the collaborator interface described in §6. Implementations
// own request lifetime, dispatch, and import recovery; the engine packages
// never reach into a connection directly.
type Transport interface {
	// RequestAlloc allocates a new request for portal/opcode.
	RequestAlloc(portal Portal, opcode string) *Request

	// RequestPack fills req.Req from desc ahead of dispatch.
	RequestPack(req *Request, desc *wire.Request)

	// RequestFree releases a request allocated by RequestAlloc that was
	// never dispatched (e.g. the caller bailed out before sending).
	RequestFree(req *Request)

	// RequestSetReplen sizes the reply buffer req expects back, typically
	// driven by the LVB length a lock was created with.
	RequestSetReplen(req *Request, replyLen int)

	// AtSetReqTimeout installs the adaptive timeout this request should use
	// instead of a fixed default.
	AtSetReqTimeout(req *Request, timeout time.Duration)

	// QueueWait sends req synchronously and blocks until the reply arrives
	// or the context is done. Returns the dlmerrors-classified result.
	QueueWait(ctx context.Context, req *Request) error

	// PtlrpcdAddReq hands req to the async RPC dispatcher; done is invoked
	// from a dispatcher-owned goroutine once the reply settles.
	PtlrpcdAddReq(req *Request, done InterpretFunc)

	// ReqFinished releases a request's resources after the caller is done
	// reading its reply.
	ReqFinished(req *Request)

	// FailImport triggers reconnect on imp if its connection count still
	// matches snapshotConnCnt (i.e. nobody else already reconnected it).
	FailImport(imp *lock.Import, snapshotConnCnt uint64)

	// ImportRecoveryStateMachine advances imp's recovery state machine,
	// called after a replay interpret callback processes its reply.
	ImportRecoveryStateMachine(imp *lock.Import)

	// ConnectImport (re)establishes the transport-level connection for imp.
	ConnectImport(ctx context.Context, imp *lock.Import) error

	// SupportsCancelSet reports whether the server side of imp has
	// negotiated the capability to batch multiple cancel handles onto one
	// request (§4.3(b)/(d): "cancel-set").
	SupportsCancelSet(imp *lock.Import) bool
}

// classify maps a raw transport failure to the dlmerrors taxonomy §6 says a
// Transport surfaces: OK, LOCK_ABORTED, STALE, TIMEDOUT, SHUTDOWN, PROTO,
// NOMEM.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return dlmerrors.NewFailedError(op, err)
}
