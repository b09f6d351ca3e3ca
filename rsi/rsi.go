// Package rsi implements the caller side of the Realm Services Interface:
// the typed wrapper around the secure-monitor hypercalls a Realm uses to
// request IPA-state changes, publish shared-memory channels, block for a
// host message, and emit a debug line. The trap itself — the SMC that
// actually crosses into the monitor — is an external collaborator (see
// spec.md §1, "Out of scope"); this package only knows how to marshal
// arguments into an 11-word parameter block and hand them to a Trap.
package rsi

import "unsafe"

// Call numbers for the four RSI operations (spec.md §6).
const (
	CallIPAStateSet   = 0xC4000197
	CallHostCall      = 0xC4000199
	CallChannelCreate = 0xC4000200
	CallPrint         = 0xC4000204
)

// CloakHostCall is the immediate passed alongside CallHostCall.
const CloakHostCall = 799

// Kind is an IPA-state kind argument to SetIPAState.
type Kind int

const (
	// KindRealm marks a range as realm-private RAM.
	KindRealm Kind = 1
	// KindHostShared marks a range as shared with the untrusted host.
	KindHostShared Kind = 0
)

// MaxPrintLen is the hard upper bound on a debug message; longer
// messages are dropped silently (spec.md §4.1).
const MaxPrintLen = 1023

// Params is the 11-word argument block passed to a single secure-monitor
// call, mirroring the SmcParam layout of the Realm firmware ABI.
type Params [11]uintptr

// Trap performs one synchronous secure-monitor call and returns the
// register set the monitor replied with. Production code binds this to
// the real SMC instruction (architecture- and build-specific, and
// therefore out of this package's scope per spec.md §1); tests and
// software harnesses bind it to a fake that emulates the monitor's
// documented behavior.
type Trap interface {
	Call(p Params) Params
}

// Shim bundles a Trap with the two buffers that back HostCall and Print,
// serialized by the single-threaded loop. The buffers are ordinary fields
// of each Shim: they are not page-aligned, and each Shim has its own pair
// rather than sharing one process-global set.
type Shim struct {
	trap Trap

	printBuf    printCall
	hostCallBuf hostCallArg
}

//nolint:govet // field order/alignment mirrors the 4KiB-aligned firmware ABI, not Go struct packing rules.
type printCall struct {
	msg   [1024]byte
	data1 uintptr
	data2 uintptr
}

type hostCallArg struct {
	imm  uint16
	gprs [7]uintptr
}

// New returns a Shim bound to the given Trap.
func New(trap Trap) *Shim {
	return &Shim{trap: trap}
}

// SetTrap rebinds an existing Shim to trap. It exists for callers that
// must construct a Trap and a Shim in tandem — a SimTrap needs the Shim
// it will reply into before it can be built, so the Shim it is bound to
// has to be created first with a nil Trap and rebound afterwards.
func (s *Shim) SetTrap(trap Trap) {
	s.trap = trap
}

// SetIPAState requests that [start, end) transition to the given RIPAS
// state, looping until the monitor reports the full range has moved
// (spec.md §4.1: "the monitor may return a partial top address; the
// caller loops until top == end").
func (s *Shim) SetIPAState(start, end uintptr, kind Kind) {
	curr := start

	for curr != end {
		p := Params{}
		p[0] = CallIPAStateSet
		p[1] = curr
		p[2] = end - curr
		p[3] = uintptr(kind)

		res := s.trap.Call(p)
		curr = res[1]
	}
}

// CreateSharedChannel publishes an already-IPA-shared region to the host
// under the given channel id.
func (s *Shim) CreateSharedChannel(id int, ipa, size uintptr) {
	p := Params{}
	p[0] = CallChannelCreate
	p[1] = uintptr(id)
	p[2] = ipa
	p[3] = size

	s.trap.Call(p)
}

// HostCall traps to the host and blocks (from the gateway's point of
// view — see spec.md §5, "Only the host_call hypercall blocks") until the
// host has replied, then returns the message type encoded in the
// seventh GPR of the reply.
func (s *Shim) HostCall(outlen uintptr) int {
	s.hostCallBuf.gprs = [7]uintptr{}
	s.hostCallBuf.imm = CloakHostCall
	s.hostCallBuf.gprs[0] = outlen

	p := Params{}
	p[0] = CallHostCall
	p[1] = uintptr(unsafe.Pointer(&s.hostCallBuf.imm))

	s.trap.Call(p)

	return int(s.hostCallBuf.gprs[6])
}

// HostCallBuf exposes the raw reply registers so a software Trap can
// write a reply into them without importing package-private types.
func (s *Shim) HostCallBuf() *[7]uintptr {
	return &s.hostCallBuf.gprs
}

// Print sends a bounded debug line to the monitor's print channel. Per
// spec.md §4.1 the length check is a hard upper bound: longer messages
// are dropped silently, not truncated.
func (s *Shim) Print(msg string, data1, data2 uintptr) {
	if len(msg) > MaxPrintLen {
		return
	}

	s.printBuf.msg = [1024]byte{}
	copy(s.printBuf.msg[:], msg)
	s.printBuf.data1 = data1
	s.printBuf.data2 = data2

	p := Params{}
	p[0] = CallPrint
	p[1] = uintptr(unsafe.Pointer(&s.printBuf))

	s.trap.Call(p)
}
