package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging across the DLM client engine.
// Use these keys consistently across all log statements so aggregation and
// querying stay stable as call sites move.
const (
	// ------------------------------------------------------------------
	// Distributed tracing
	// ------------------------------------------------------------------
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// ------------------------------------------------------------------
	// Lock identity & policy
	// ------------------------------------------------------------------
	KeyLockID      = "lock_id"      // local cookie, hex
	KeyRemoteLock  = "remote_lock"  // server-assigned cookie, hex
	KeyResource    = "resource"     // resource name (4xu64)
	KeyLockType    = "lock_type"    // PLAIN, EXTENT, IBITS, FLOCK
	KeyMode        = "mode"         // requested/granted mode
	KeyGrantedMode = "granted_mode"
	KeyFlags       = "flags"
	KeyPolicy      = "policy"    // lrur, aged, passed, no_wait, default
	KeyImportGen   = "import_gen"
	KeyNamespace   = "namespace"

	// ------------------------------------------------------------------
	// LRU / pool
	// ------------------------------------------------------------------
	KeySLV       = "slv"
	KeyLVF       = "lvf"
	KeyLV        = "lv"
	KeyUnused    = "unused_locks"
	KeyAdded     = "added"
	KeyMaxAge    = "max_age_s"

	// ------------------------------------------------------------------
	// Operation metadata
	// ------------------------------------------------------------------
	KeyOperation  = "operation"
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
	KeyAttempt    = "attempt"
	KeyMaxRetries = "max_retries"
	KeyTimeoutS   = "timeout_s"
)

// ----------------------------------------------------------------------
// Field constructors
// ----------------------------------------------------------------------

func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }
func SpanID(id string) slog.Attr  { return slog.String(KeySpanID, id) }

// LockID returns a slog.Attr for a local lock cookie, formatted as hex.
func LockID(cookie uint64) slog.Attr {
	return slog.String(KeyLockID, fmt.Sprintf("%016x", cookie))
}

// RemoteLockID returns a slog.Attr for a server-assigned cookie.
func RemoteLockID(cookie uint64) slog.Attr {
	return slog.String(KeyRemoteLock, fmt.Sprintf("%016x", cookie))
}

// Resource returns a slog.Attr for a resource name.
func Resource(name string) slog.Attr { return slog.String(KeyResource, name) }

// LockType returns a slog.Attr for the lock type (PLAIN/EXTENT/IBITS/FLOCK).
func LockType(t string) slog.Attr { return slog.String(KeyLockType, t) }

// Mode returns a slog.Attr for a lock mode name.
func Mode(m string) slog.Attr { return slog.String(KeyMode, m) }

// GrantedMode returns a slog.Attr for the currently granted mode.
func GrantedMode(m string) slog.Attr { return slog.String(KeyGrantedMode, m) }

// Flags returns a slog.Attr rendering a flag bitset in hex.
func Flags(bits uint64) slog.Attr {
	return slog.String(KeyFlags, fmt.Sprintf("0x%x", bits))
}

// Policy returns a slog.Attr for the LRU policy name applied.
func Policy(name string) slog.Attr { return slog.String(KeyPolicy, name) }

// ImportGeneration returns a slog.Attr for the import's connection generation.
func ImportGeneration(gen uint64) slog.Attr { return slog.Uint64(KeyImportGen, gen) }

// Namespace returns a slog.Attr for a namespace name.
func Namespace(name string) slog.Attr { return slog.String(KeyNamespace, name) }

// SLV returns a slog.Attr for the server lock volume.
func SLV(v uint64) slog.Attr { return slog.Uint64(KeySLV, v) }

// LVF returns a slog.Attr for the lock-volume factor.
func LVF(v uint64) slog.Attr { return slog.Uint64(KeyLVF, v) }

// LV returns a slog.Attr for a computed local value.
func LV(v uint64) slog.Attr { return slog.Uint64(KeyLV, v) }

// Unused returns a slog.Attr for the namespace's unused-lock count.
func Unused(n int) slog.Attr { return slog.Int(KeyUnused, n) }

// Added returns a slog.Attr for the number of locks added to a cancel batch.
func Added(n int) slog.Attr { return slog.Int(KeyAdded, n) }

// MaxAge returns a slog.Attr for a namespace's max idle age, in seconds.
func MaxAge(seconds float64) slog.Attr { return slog.Float64(KeyMaxAge, seconds) }

// Operation returns a slog.Attr naming the engine operation in progress.
func Operation(name string) slog.Attr { return slog.String(KeyOperation, name) }

// ErrAttr returns a slog.Attr for an error value's message.
func ErrAttr(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for a numeric/symbolic error code.
func ErrorCode(code string) slog.Attr { return slog.String(KeyErrorCode, code) }

// Attempt returns a slog.Attr for a retry attempt counter.
func Attempt(n int) slog.Attr { return slog.Int(KeyAttempt, n) }

// MaxRetries returns a slog.Attr for the configured retry ceiling.
func MaxRetries(n int) slog.Attr { return slog.Int(KeyMaxRetries, n) }

// TimeoutSeconds returns a slog.Attr for a computed timeout, in seconds.
func TimeoutSeconds(seconds float64) slog.Attr { return slog.Float64(KeyTimeoutS, seconds) }
