// Package dispatch implements the gateway's single-threaded, run-to-
// completion main loop (spec.md §4.6, §5): block on the host via
// rsi.HostCall, demultiplex the reply's message type, and invoke exactly
// one virtio.Mediator handler before blocking again.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/islet-project/cvmgateway/module"
)

// MessageType identifies the kind of message a HostCall reply carries,
// encoded in the seventh GPR per spec.md §6.
type MessageType int

const (
	MsgP9Req           MessageType = 2
	MsgNetTX           MessageType = 3
	MsgNetRX           MessageType = 4
	MsgNetRXNumBuf     MessageType = 5
	MsgBlk             MessageType = 6
	MsgBlkIn           MessageType = 7
	MsgP9Resp          MessageType = 12
	MsgNetRXResp       MessageType = 14
	MsgNetRXNumBufResp MessageType = 15
	MsgBlkInResp       MessageType = 16

	// MsgVsockTX/MsgVsockRX are SPEC_FULL supplements restoring the
	// vsock sub-channels spec.md's distillation dropped
	// (original_source/src/virtio.rs's __handle_vsock); they are not
	// part of spec.md §6's wire ABI table, so they use message-type
	// values outside that table's range to avoid colliding with a
	// real monitor's numbering.
	MsgVsockTX MessageType = 100
	MsgVsockRX MessageType = 101
)

// HostCaller is the one suspension point in the gateway (spec.md §5):
// block until the host replies, and return the message type it
// encoded. Satisfied by *rsi.Shim.
type HostCaller interface {
	HostCall(outlen uintptr) int
}

// Handlers is the full set of per-message-type actions the loop may
// invoke, one per virtio.Mediator method (spec.md §4.6's dispatch
// table) plus the vsock supplement.
type Handlers struct {
	P9Request       func() error
	P9Response      func() error
	NetTX           func() error
	NetRXResponse   func() error
	NetRXNumBuffers func() error
	Blk             func() error
	BlkInResponse   func() error
	VsockTX         func() error
	VsockRX         func() error
}

// Logger receives one line per dropped/ignored/unknown message, mirroring
// spec.md §7's "logged, dropped, continue" treatment of malformed or
// unexpected input. Production wiring drives this from logrus; tests can
// supply a func that appends to a slice.
type Logger func(format string, args ...any)

// Loop runs the gateway's dispatch loop against one HostCaller and one
// Handlers table.
type Loop struct {
	Caller   HostCaller
	Handlers Handlers
	Log      Logger

	// OutLen is the scratch-buffer length argument passed to every
	// HostCall (spec.md §4.1's hostCallArg.gprs[0]).
	OutLen uintptr

	// Iterations caps how many messages Run processes before
	// returning, so tests and the run subcommand's --iterations flag
	// can drive a bounded number of iterations instead of running
	// forever. Zero
	// means unbounded (the real gateway's intended mode: run until a
	// module denial panics or the process is killed).
	Iterations int
}

// Run drives the loop. It returns only if Iterations is nonzero and
// that many messages have been dispatched; otherwise it runs until a
// handler's module.ErrDenied escapes, at which point — per spec.md §7,
// "the gateway considers this a security-relevant invariant violation
// and halts execution (panic)" — Run panics rather than returning an
// error.
func (l *Loop) Run() error {
	for n := 0; l.Iterations == 0 || n < l.Iterations; n++ {
		if err := l.Step(); err != nil {
			return err
		}
	}

	return nil
}

// Step blocks for exactly one host message and dispatches it. A handler
// error other than module.ErrDenied is logged and swallowed (spec.md
// §7: malformed input and internal inconsistencies are "logged ...
// dropped ... continue"); module.ErrDenied is fatal and panics.
func (l *Loop) Step() error {
	mt := MessageType(l.Caller.HostCall(l.OutLen))

	fn, logOnly := l.lookup(mt)
	if fn == nil {
		l.logf("dispatch: %s message type %d", logOnly, mt)
		return nil
	}

	if err := fn(); err != nil {
		var denied *module.ErrDenied
		if errors.As(err, &denied) {
			panic(err)
		}

		l.logf("dispatch: handler for message type %d failed: %v", mt, err)
	}

	return nil
}

func (l *Loop) lookup(mt MessageType) (func() error, string) {
	switch mt {
	case MsgP9Req:
		return l.Handlers.P9Request, ""
	case MsgP9Resp:
		return l.Handlers.P9Response, ""
	case MsgNetTX:
		return l.Handlers.NetTX, ""
	case MsgNetRXResp:
		return l.Handlers.NetRXResponse, ""
	case MsgNetRXNumBufResp:
		return l.Handlers.NetRXNumBuffers, ""
	case MsgBlk:
		return l.Handlers.Blk, ""
	case MsgBlkInResp:
		return l.Handlers.BlkInResponse, ""
	case MsgVsockTX:
		return l.Handlers.VsockTX, ""
	case MsgVsockRX:
		return l.Handlers.VsockRX, ""
	case MsgNetRX, MsgNetRXNumBuf, MsgBlkIn:
		// Raw request-direction types are never expected inbound to
		// the gateway (spec.md §4.6): "logged and otherwise ignored".
		return nil, "unexpected raw"
	default:
		return nil, "unknown"
	}
}

func (l *Loop) logf(format string, args ...any) {
	if l.Log != nil {
		l.Log(format, args...)
		return
	}

	_ = fmt.Sprintf(format, args...)
}
