// Package faultinjection provides named fault-injection hooks for tests,
// the Go-side equivalent of the original client's OBD_FAIL_CHECK sites. Each
// hook is a boolean toggle checked at one specific control-flow point; tests
// enable a hook, exercise the engine, then Reset before the next case.
package faultinjection

import "sync"

// Hook sites named by §6 of the engine's external-interfaces contract.
const (
	InterruptCompletionWait = "INTR_CP_AST"  // force completion wait to return EINTR
	CompletionBlockingRace  = "CP_BL_RACE"   // simulate a CP/BL callback race
	PauseCancel             = "PAUSE_CANCEL" // delay cancel_local before the callback runs
	ShortCircuitCancelRPC   = "CANCEL_RACE"  // make cancel_req return as if already canceled
)

var (
	mu      sync.Mutex
	enabled = map[string]bool{}
)

// Enable turns a named hook on.
func Enable(name string) {
	mu.Lock()
	defer mu.Unlock()
	enabled[name] = true
}

// Disable turns a named hook off.
func Disable(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(enabled, name)
}

// Check reports whether a named hook is currently enabled. Production code
// calls this at the documented site; it is always cheap (a mutexed map
// lookup) and a no-op when nothing has ever been enabled.
func Check(name string) bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled[name]
}

// Reset disables every hook. Call from test cleanup to avoid leaking state
// between table-driven cases.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	enabled = map[string]bool{}
}
