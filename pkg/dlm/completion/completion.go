// Package completion implements the completion-wait half of the enqueue
// protocol (§4.2): the bounded-to-adaptive sleep a caller does between a
// blocked enqueue reply and the server's eventual completion callback.
package completion

import (
	"context"
	"time"

	"github.com/marmos91/ldlmclient/internal/dlmerrors"
	"github.com/marmos91/ldlmclient/internal/faultinjection"
	"github.com/marmos91/ldlmclient/internal/logger"
	"github.com/marmos91/ldlmclient/pkg/dlm/flags"
	"github.com/marmos91/ldlmclient/pkg/dlm/lock"
	"github.com/marmos91/ldlmclient/pkg/dlm/transport"
)

// Env bundles the collaborators a completion wait needs: the lock's owning
// namespace (for the adaptive estimator and dump throttle), its import (nil
// for a server-local lock), the transport used to trigger reconnects on
// timeout, and the tunables governing timeout computation.
type Env struct {
	NS         *lock.Namespace
	Imp        *lock.Import // nil for a local lock
	Transport  transport.Transport
	EnqueueMin time.Duration
	ObdTimeout time.Duration
	DumpThrottle time.Duration

	// pollInterval bounds how often a parked wait re-checks
	// is_granted_or_cancelled against the timeout deadline; tests shrink it
	// to keep cases fast. Production wiring leaves it at its default.
	pollInterval time.Duration
}

// NewEnv returns an Env with a production-sized poll interval.
func NewEnv(ns *lock.Namespace, imp *lock.Import, tr transport.Transport, enqueueMin, obdTimeout, dumpThrottle time.Duration) *Env {
	return &Env{
		NS:           ns,
		Imp:          imp,
		Transport:    tr,
		EnqueueMin:   enqueueMin,
		ObdTimeout:   obdTimeout,
		DumpThrottle: dumpThrottle,
		pollInterval: 100 * time.Millisecond,
	}
}

// Ast is the synchronous completion AST: it may park the calling goroutine.
// data is opaque to this package; a non-nil value marks the "fed a CP RPC,
// not an immediate grant" path per the tail semantics below.
func (e *Env) Ast(ctx context.Context, l *lock.Lock, f flags.Flags, data any) error {
	if f == flags.WaitNoreproc {
		return e.park(ctx, l, data)
	}

	l.Lock()
	blocked := f.Blocked()
	if !blocked {
		l.Wake()
	}
	l.Unlock()

	if !blocked {
		// Immediate grant path: tail metrics are deliberately skipped here
		// (§4.2 "tail metrics skipped — already granted").
		return nil
	}

	return e.park(ctx, l, data)
}

// AstAsync never parks; it is used when the caller cannot sleep (e.g. a
// dispatcher goroutine). Unlike Ast, the non-blocked branch here does run
// the tail, matching the original's async completion handler.
func (e *Env) AstAsync(l *lock.Lock, f flags.Flags, data any) error {
	if f == flags.WaitNoreproc {
		return nil
	}

	l.Lock()
	blocked := f.Blocked()
	if !blocked {
		l.Wake()
	}
	l.Unlock()

	if blocked {
		return nil
	}
	return e.tail(l, data)
}

// park implements the parking contract: compute the adaptive timeout,
// snapshot the import connection count, then wait for either a disposition
// change, a timeout tick (which triggers a reconnect or a throttled
// namespace dump and keeps sleeping), or context cancellation (interrupt).
func (e *Env) park(ctx context.Context, l *lock.Lock, data any) error {
	l.Lock()
	noTimeout := l.Flags.Has(flags.NoTimeout)
	l.TouchActivity()
	l.Unlock()

	// Both hooks short-circuit park at the same control point the original's
	// OBD_FAIL_CHECK_RESET(INTR_CP_AST, CP_BL_RACE|ONCE) guards: an injected
	// EINTR standing in for either a plain interrupted wait or a simulated
	// CP/BL callback race landing first.
	if faultinjection.Check(faultinjection.InterruptCompletionWait) ||
		faultinjection.Check(faultinjection.CompletionBlockingRace) {
		return dlmerrors.NewInterruptedError("completion_ast")
	}

	var connCnt uint64
	if e.Imp != nil {
		connCnt = e.Imp.SnapshotConnCnt()
	}

	timeout := e.NS.Estimator.CompletionTimeout(e.NS.AdaptiveTimeout, e.EnqueueMin, e.ObdTimeout)
	poll := e.pollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	var deadline time.Time
	if !noTimeout {
		deadline = time.Now().Add(timeout)
	}

	for {
		l.Lock()
		granted := l.IsGrantedOrCancelled()
		l.Unlock()
		if granted {
			return e.tail(l, data)
		}
		ch := l.Wait()

		select {
		case <-ctx.Done():
			return dlmerrors.NewInterruptedError("completion_ast")
		case <-ch:
			continue
		case <-time.After(poll):
		}

		l.Lock()
		granted = l.IsGrantedOrCancelled()
		l.Unlock()
		if granted {
			return e.tail(l, data)
		}

		if !noTimeout && time.Now().After(deadline) {
			if e.Imp == nil {
				if e.NS.ShouldDumpNow(e.DumpThrottle) {
					logger.Warn("completion wait exceeded timeout on a local lock; dumping namespace state",
						logger.Namespace(e.NS.Name), logger.TimeoutSeconds(timeout.Seconds()))
					for _, ol := range e.NS.AllLocks() {
						ol.Lock()
						id, req, granted, fl := ol.LocalCookie, ol.ReqMode, ol.GrantedMode, ol.Flags
						ol.Unlock()
						logger.Warn("namespace lock", logger.Namespace(e.NS.Name), logger.LockID(id),
							logger.Mode(req.String()), logger.GrantedMode(granted.String()), logger.Flags(uint64(fl)))
					}
				}
			} else {
				e.Transport.FailImport(e.Imp, connCnt)
			}
			// Keep sleeping; push the deadline out so we don't re-fire the
			// reconnect/dump on every subsequent poll tick.
			deadline = time.Now().Add(timeout)
		}
	}
}

// tail implements the post-wake reconciliation: terminal-state check,
// immediate-grant short-circuit, and adaptive-estimator feedback.
func (e *Env) tail(l *lock.Lock, data any) error {
	l.Lock()
	defer l.Unlock()

	if l.Flags.Any(flags.Destroyed | flags.Failed) {
		return dlmerrors.NewIOError("completion_ast")
	}
	if data == nil {
		return nil
	}

	delay := time.Since(l.LastActivity)
	e.NS.Estimator.Measured(delay)
	return nil
}
