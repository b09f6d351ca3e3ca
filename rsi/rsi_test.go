package rsi

import "testing"

func TestSetIPAStateRetriesUntilComplete(t *testing.T) {
	shim := New(nil)
	trap := NewSimTrap(shim)
	trap.IPAStateStep = 0x1000
	shim.trap = trap

	shim.SetIPAState(0x80000000, 0x80004000, KindRealm)

	if len(trap.Calls()) != 4 {
		t.Fatalf("expected 4 retries of 0x1000 over a 0x4000 range, got %d", len(trap.Calls()))
	}

	for _, c := range trap.Calls() {
		if c[0] != CallIPAStateSet {
			t.Fatalf("unexpected call number %#x", c[0])
		}
		if Kind(c[3]) != KindRealm {
			t.Fatalf("expected KindRealm, got %d", c[3])
		}
	}
}

func TestSetIPAStateSingleCallWhenComplete(t *testing.T) {
	shim := New(nil)
	trap := NewSimTrap(shim)
	shim.trap = trap

	shim.SetIPAState(0x88400000, 0x8c400000, KindHostShared)

	if len(trap.Calls()) != 1 {
		t.Fatalf("expected a single call, got %d", len(trap.Calls()))
	}
}

func TestHostCallReturnsReplyMessageType(t *testing.T) {
	shim := New(nil)
	trap := NewSimTrap(shim)
	trap.NextMsgType = []int{6}
	shim.trap = trap

	got := shim.HostCall(999999)
	if got != 6 {
		t.Fatalf("expected message type 6, got %d", got)
	}
}

func TestPrintDropsOverlongMessage(t *testing.T) {
	shim := New(nil)
	trap := NewSimTrap(shim)
	shim.trap = trap

	long := make([]byte, MaxPrintLen+10)
	for i := range long {
		long[i] = 'a'
	}

	shim.Print(string(long), 0, 0)

	if len(trap.Calls()) != 0 {
		t.Fatalf("expected overlong print to be dropped, got %d calls", len(trap.Calls()))
	}

	shim.Print("short message", 1, 2)
	if len(trap.Calls()) != 1 {
		t.Fatalf("expected short print to reach the trap, got %d calls", len(trap.Calls()))
	}
}
