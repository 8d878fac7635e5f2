// Package dlmerrors is a leaf package with no internal dependencies: it
// defines the error taxonomy surfaced by the DLM client engine and nothing
// else. Import graph: dlmerrors <- transport/completion/enqueue/cancel <- dlmclient.
package dlmerrors

import "fmt"

// ErrorCode classifies a DLM client engine failure. These map directly to the
// exit kinds the engine surfaces upward: OK, LOCK_ABORTED, FAILED, NOLCK, IO,
// PROTO, NOMEM, EINTR, plus the transport-level STALE/TIMEDOUT/SHUTDOWN/INVAL
// a collaborator may report.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrLockAborted
	ErrFailed
	ErrNoLock
	ErrIO
	ErrProto
	ErrNoMem
	ErrInterrupted
	ErrStale
	ErrTimedOut
	ErrShutdown
	ErrInvalid
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "OK"
	case ErrLockAborted:
		return "LOCK_ABORTED"
	case ErrFailed:
		return "FAILED"
	case ErrNoLock:
		return "NOLCK"
	case ErrIO:
		return "IO"
	case ErrProto:
		return "PROTO"
	case ErrNoMem:
		return "NOMEM"
	case ErrInterrupted:
		return "EINTR"
	case ErrStale:
		return "STALE"
	case ErrTimedOut:
		return "TIMEDOUT"
	case ErrShutdown:
		return "SHUTDOWN"
	case ErrInvalid:
		return "INVAL"
	default:
		return "UNKNOWN"
	}
}

// DLMError is the concrete error type returned by this module. Op names the
// operation that failed (e.g. "enqueue_fini", "cli_cancel").
type DLMError struct {
	Code    ErrorCode
	Message string
	Op      string
}

func (e *DLMError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Is lets errors.Is match two *DLMError values carrying the same Code,
// whatever their Op or Message; a target of any other type never matches.
func (e *DLMError) Is(target error) bool {
	other, ok := target.(*DLMError)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// Code extracts the ErrorCode from err: ErrNone if err is nil, ErrFailed if
// err is not itself a *DLMError (wrapped errors are not unwrapped).
func Code(err error) ErrorCode {
	if err == nil {
		return ErrNone
	}
	var de *DLMError
	if e, ok := err.(*DLMError); ok {
		de = e
	} else {
		return ErrFailed
	}
	return de.Code
}

func newError(op string, code ErrorCode, message string) *DLMError {
	return &DLMError{Code: code, Message: message, Op: op}
}

func NewLockAbortedError(op string) *DLMError {
	return newError(op, ErrLockAborted, "server refused the lock request")
}

func NewNoLockError(op string) *DLMError {
	return newError(op, ErrNoLock, "lock already freed (flock-special)")
}

func NewIOError(op string) *DLMError {
	return newError(op, ErrIO, "lock destroyed or failed at wake")
}

func NewProtoError(op, detail string) *DLMError {
	return newError(op, ErrProto, "malformed or missing reply: "+detail)
}

func NewNoMemError(op string) *DLMError {
	return newError(op, ErrNoMem, "allocation failure")
}

func NewInterruptedError(op string) *DLMError {
	return newError(op, ErrInterrupted, "wait interrupted")
}

func NewStaleError(op string) *DLMError {
	return newError(op, ErrStale, "server no longer recognizes this lock")
}

func NewTimedOutError(op string) *DLMError {
	return newError(op, ErrTimedOut, "rpc timed out")
}

func NewShutdownError(op string) *DLMError {
	return newError(op, ErrShutdown, "import is shutting down")
}

func NewInvalidError(op, detail string) *DLMError {
	return newError(op, ErrInvalid, detail)
}

func NewFailedError(op string, cause error) *DLMError {
	msg := "rpc failed"
	if cause != nil {
		msg = cause.Error()
	}
	return newError(op, ErrFailed, msg)
}
