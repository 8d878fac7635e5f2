// Package wire defines the DLM request/reply wire structures (§6) and the
// handle-slot capacity math used to size a piggybacked-cancel buffer. Actual
// byte encoding is delegated to rasky/go-xdr, the reflection-based XDR codec
// the wider stack already depends on for RPC wire framing.
package wire

import (
	"bytes"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// LDLMLockreqHandles is the number of handle slots reserved inline in the
// ldlm_request header, before any trailing piggyback array.
const LDLMLockreqHandles = 2

// LDLMEnqueueCancelOff is the index of the first handle slot available to
// piggybacked cancels on an ENQUEUE request; slots before it are reserved
// for the primary lock handle(s).
const LDLMEnqueueCancelOff = 1

// LDLMMaxReqSize is the hard ceiling on a DLM request buffer, mirroring the
// original's LDLM_MAXREQSIZE.
const LDLMMaxReqSize = 5 * 1024

// PageSize is the assumed transport page size used by the handle-capacity
// formula (§6). 4096 matches the common case the original formula assumes.
const PageSize = 4096

// HandleSize is the on-wire size, in bytes, of a single lock handle.
const HandleSize = 8

// BaseRequestSize approximates the marshaled size of a request's fixed
// portion — flags, lock count, descriptor, and the LDLM_LOCKREQ_HANDLES
// inline handle slots — before any trailing piggyback handles. This is the
// reqSize callers that haven't marshaled yet (capacity planning ahead of
// RequestPack) should feed into AvailableHandleSlots, mirroring the
// original's capsule-format sizing, which is known before the buffer is
// actually filled.
const BaseRequestSize = 96

// LockDesc carries a resource id, requested/granted mode, type, and
// type-specific policy data, exactly as laid out on the wire.
type LockDesc struct {
	ResourceName [4]uint64
	ResourceType uint32
	ReqMode      uint32
	GrantedMode  uint32
	PolicyExtentStart uint64
	PolicyExtentEnd   uint64
	PolicyIbits       uint64
	PolicyFlockPID    uint32
}

// Request is the ldlm_request header: flags, a lock count, the descriptor,
// and LDLM_LOCKREQ_HANDLES inline handle slots. Extra handles beyond that
// are appended by the caller as a trailing array sized by RequestBufSize.
type Request struct {
	Flags     uint64
	LockCount uint32
	Desc      LockDesc
	Handle    [LDLMLockreqHandles]uint64
	Extra     []uint64 // trailing piggyback handles, beyond Handle
}

// Reply is the ldlm_reply: flags, the (possibly rewritten) handle and
// descriptor, and an optional LVB.
type Reply struct {
	LockFlags uint64
	Handle    uint64
	Desc      LockDesc
	LVB       []byte
}

// Marshal encodes v (a *Request or *Reply) using XDR.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v (a *Request or *Reply) using XDR.
func Unmarshal(data []byte, v any) error {
	_, err := xdr.Unmarshal(bytes.NewReader(data), v)
	return err
}

// RequestBufSize returns the total buffer size, in bytes, needed for a
// request carrying extraHandles beyond the inline LDLM_LOCKREQ_HANDLES
// slots: sizeof(ldlm_request) + extra_handles * sizeof(handle) (§6).
func RequestBufSize(baseSize int, extraHandles int) int {
	return baseSize + extraHandles*HandleSize
}

// AvailableHandleSlots implements the §6 available-handles calculation:
//
//	avail = min(LDLM_MAXREQSIZE, PAGE_SIZE - 512) - req_size
//	avail /= sizeof(handle)
//	avail += LDLM_LOCKREQ_HANDLES - off
//
// reqSize is the size of the request already filled in (header + descriptor,
// before any trailing handles); off is LDLM_ENQUEUE_CANCEL_OFF for an
// ENQUEUE request, or 0 for a bare CANCEL request with no reserved primary
// handle.
func AvailableHandleSlots(reqSize, off int) int {
	ceiling := LDLMMaxReqSize
	if PageSize-512 < ceiling {
		ceiling = PageSize - 512
	}
	avail := ceiling - reqSize
	avail /= HandleSize
	avail += LDLMLockreqHandles - off
	if avail < 0 {
		return 0
	}
	return avail
}
