package flags

import "testing"

func TestHasAny(t *testing.T) {
	f := CBPending | Canceling
	if !f.Has(CBPending) {
		t.Error("Has(CBPending) should be true")
	}
	if f.Has(CBPending | BLAST) {
		t.Error("Has should require every bit in the mask")
	}
	if !f.Any(CBPending | BLAST) {
		t.Error("Any should require only one bit in the mask")
	}
}

func TestSetClear(t *testing.T) {
	var f Flags
	f = f.Set(CBPending)
	if !f.Has(CBPending) {
		t.Fatal("Set did not set the bit")
	}
	f = f.Clear(CBPending)
	if f.Has(CBPending) {
		t.Fatal("Clear did not clear the bit")
	}
}

func TestBlocked(t *testing.T) {
	if (Flags(0)).Blocked() {
		t.Error("zero flags should not be blocked")
	}
	if !(BlockWait).Blocked() {
		t.Error("BLOCK_WAIT should count as blocked")
	}
	if !(BlockGranted | BlockConv).Blocked() {
		t.Error("any blocked-mask bit should count as blocked")
	}
}

func TestTerminal(t *testing.T) {
	if (Flags(0)).Terminal() {
		t.Error("zero flags should not be terminal")
	}
	if !Failed.Terminal() || !Destroyed.Terminal() {
		t.Error("FAILED and DESTROYED should be terminal")
	}
}

func TestInheritMaskIncludesBlockedMask(t *testing.T) {
	if InheritMask&BlockedMask != BlockedMask {
		t.Error("INHERIT_MASK must carry the BLOCKED_MASK bits (§9 inheritable subset)")
	}
}
