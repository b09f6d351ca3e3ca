package gateway

import (
	"testing"

	"github.com/islet-project/cvmgateway/rsi"
	"github.com/islet-project/cvmgateway/sharedmem"
)

func TestNewWiresDefaultHandlersWithoutVsock(t *testing.T) {
	g := New(Config{})

	if g.Loop.Handlers.Blk == nil || g.Loop.Handlers.P9Request == nil || g.Loop.Handlers.NetTX == nil {
		t.Fatal("expected core handlers to be wired")
	}

	if g.Loop.Handlers.VsockTX != nil || g.Loop.Handlers.VsockRX != nil {
		t.Fatal("vsock handlers must stay nil when vsock is disabled")
	}
}

func TestRegisterDefaultModulesRegistersHardeningOnly(t *testing.T) {
	g := New(Config{})

	if err := g.RegisterDefaultModules(); err != nil {
		t.Fatalf("RegisterDefaultModules: %v", err)
	}

	if g.Modules.Len() != 1 {
		t.Fatalf("got %d modules, want 1 (cvm_hardening alone, spec.md §4.6)", g.Modules.Len())
	}
}

func TestBootProgramsIPARangesAndCreatesChannels(t *testing.T) {
	shim := rsi.New(nil)
	trap := rsi.NewSimTrap(shim)
	shim.SetTrap(trap)

	g := New(Config{})
	g.RSI = shim
	g.Loop.Caller = shim

	g.Boot()

	calls := trap.Calls()
	if len(calls) != 4 {
		t.Fatalf("got %d trap calls, want 4 (2 SetIPAState + 2 CreateSharedChannel): %v", len(calls), calls)
	}

	if calls[0][0] != rsi.CallIPAStateSet || calls[0][1] != sharedmem.RealmIPAStart {
		t.Fatalf("first call should program the realm-private range: %v", calls[0])
	}

	if calls[1][0] != rsi.CallIPAStateSet || calls[1][1] != sharedmem.HostSharedIPAStart {
		t.Fatalf("second call should program the realm-shared range: %v", calls[1])
	}

	if calls[2][0] != rsi.CallChannelCreate || calls[2][1] != sharedmem.ChannelControl {
		t.Fatalf("third call should create the control channel: %v", calls[2])
	}

	if calls[3][0] != rsi.CallChannelCreate || calls[3][1] != sharedmem.ChannelData {
		t.Fatalf("fourth call should create the data channel: %v", calls[3])
	}
}
