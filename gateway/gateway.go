// Package gateway wires the gateway's boot sequence (spec.md §4.8/§8's
// "Boot / init"): program the realm and host-shared IPA ranges,
// publish the shared-memory channels, allocate the block-sector tag
// table, register the default security module set, and hand back a
// dispatch.Loop ready to run.
//
// This is the Go analogue of the teacher's vmm package: vmm.Boot wires
// KVM, memory, and the PCI bus together and returns a runnable machine;
// New here wires rsi, sharedmem, module, and virtio together into a
// Gateway whose Loop is a runnable dispatch.Loop, and Boot runs the
// IPA/channel bring-up sequence on it.
package gateway

import (
	"unsafe"

	"github.com/islet-project/cvmgateway/aescrypto"
	"github.com/islet-project/cvmgateway/dispatch"
	"github.com/islet-project/cvmgateway/hardening"
	"github.com/islet-project/cvmgateway/module"
	"github.com/islet-project/cvmgateway/rsi"
	"github.com/islet-project/cvmgateway/sharedmem"
	"github.com/islet-project/cvmgateway/virtio"
	"github.com/islet-project/cvmgateway/vsock"
)

// MaxSectors bounds the tag side table's size: one aescrypto.TagStorage
// per block sector the gateway can address, sized generously for a
// software harness (a real deployment sizes this to the backing disk's
// sector count).
const MaxSectors = 1 << 16

// VsockConfig configures the optional vsock forwarding path (SPEC_FULL
// supplement restoring original_source/src/virtio.rs's vsock
// sub-channels). A zero value disables it: Gateway.Mediator.VsockTX/RX
// stay nil and dispatch.Handlers.VsockTX/RX are never wired.
type VsockConfig struct {
	Enabled bool
	Dialer  vsock.Dialer
	TXCID   uint32
	TXPort  uint32
	RXCID   uint32
	RXPort  uint32
}

// Config bundles everything New needs that isn't itself part of the
// gateway's own state: the RSI transport and the optional vsock
// forwarding configuration.
type Config struct {
	Trap  rsi.Trap
	Vsock VsockConfig

	// Log receives one line per boot-sequence step and per dispatch
	// event once running; nil means "discard" (see cmd/cvmgatewayd for
	// the logrus-backed Logger production wiring uses).
	Log dispatch.Logger
}

// Gateway holds every piece of process-global state the dispatch loop
// touches (spec.md §5: "Process-global mutable state ... is safe
// because of the single-threaded loop"), assembled once at boot.
type Gateway struct {
	RSI      *rsi.Shim
	Layout   *sharedmem.Layout
	Modules  *module.Registry
	Mediator *virtio.Mediator
	TagTable []aescrypto.TagStorage

	Loop *dispatch.Loop
}

// New allocates a Gateway's static state without touching the RSI
// transport yet. Calling Boot on the returned Gateway runs the
// IPA/channel-creation sequence; tests that only need the wiring (e.g.
// to drive Mediator.Handle* directly) can call New without Boot.
func New(cfg Config) *Gateway {
	layout := sharedmem.NewLayout()
	modules := module.NewRegistry()
	tagTable := make([]aescrypto.TagStorage, MaxSectors)
	tagTableAddr := uintptr(unsafe.Pointer(&tagTable[0]))

	mediator := virtio.NewMediator(layout, modules, tagTableAddr)

	if cfg.Vsock.Enabled {
		mediator.VsockTX = vsock.NewForwarder(cfg.Vsock.Dialer, cfg.Vsock.TXCID, cfg.Vsock.TXPort)
		mediator.VsockRX = vsock.NewForwarder(cfg.Vsock.Dialer, cfg.Vsock.RXCID, cfg.Vsock.RXPort)
	}

	g := &Gateway{
		Layout:   layout,
		Modules:  modules,
		Mediator: mediator,
		TagTable: tagTable,
	}

	if cfg.Trap != nil {
		g.RSI = rsi.New(cfg.Trap)
	}

	g.Loop = &dispatch.Loop{
		Handlers: handlersFor(mediator),
		Log:      cfg.Log,
	}

	if g.RSI != nil {
		g.Loop.Caller = g.RSI
	}

	return g
}

func handlersFor(m *virtio.Mediator) dispatch.Handlers {
	h := dispatch.Handlers{
		P9Request:       m.Handle9PRequest,
		P9Response:      m.Handle9PResponse,
		NetTX:           m.HandleNetTX,
		NetRXResponse:   m.HandleNetRXResponse,
		NetRXNumBuffers: m.HandleNetRXNumBuffers,
		Blk:             m.HandleBlk,
		BlkInResponse:   m.HandleBlkInResponse,
	}

	if m.VsockTX != nil {
		h.VsockTX = m.HandleVsockTX
	}

	if m.VsockRX != nil {
		h.VsockRX = m.HandleVsockRX
	}

	return h
}

// RegisterDefaultModules registers the gateway's default boot-time
// module set: cvm_hardening alone (spec.md §4.6), at priority 0. Extra
// modules (e.g. fedprivacy, via cvmgatewayd run --fed-privacy) are the
// caller's responsibility to register separately, at a distinct
// priority, before Boot is called.
func (g *Gateway) RegisterDefaultModules() error {
	return g.Modules.Register(hardening.New())
}

// Boot runs the realm's one-time bring-up sequence (spec.md §2's
// control flow: "boot → IPA programming → create shared channels →
// register modules → enter dispatch loop"):
//
//  1. Mark the realm-private IPA range as realm RAM.
//  2. Mark the realm-shared IPA range as host-shared.
//  3. Publish the control and data regions as named shared channels.
//
// Module registration is the caller's job (RegisterDefaultModules, or a
// custom set) so tests can boot a Gateway and then wire whichever
// modules a scenario needs before starting the loop.
func (g *Gateway) Boot() {
	g.log("gateway: programming realm-private IPA range")
	g.RSI.SetIPAState(sharedmem.RealmIPAStart, sharedmem.RealmIPAEnd, rsi.KindRealm)

	g.log("gateway: programming realm-shared IPA range")
	g.RSI.SetIPAState(sharedmem.HostSharedIPAStart, sharedmem.HostSharedIPAEnd, rsi.KindHostShared)

	g.log("gateway: creating control channel")
	g.RSI.CreateSharedChannel(sharedmem.ChannelControl, sharedmem.VQStart, sharedmem.ControlSize)

	g.log("gateway: creating data channel")
	g.RSI.CreateSharedChannel(sharedmem.ChannelData, sharedmem.VQStart+sharedmem.ControlSize, sharedmem.DataSize)
}

func (g *Gateway) log(format string, args ...any) {
	if g.Loop != nil && g.Loop.Log != nil {
		g.Loop.Log(format, args...)
	}
}
