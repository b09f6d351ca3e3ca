package rsi

// SimTrap is a software stand-in for the monitor trap, used by tests and
// by the cvmgatewayd "run" subcommand where no real Realm monitor is
// present. It emulates exactly the documented monitor behaviors this
// package depends on: SetIPAState's partial-progress retries and
// HostCall's message-type reply.
//
// It is not a fake of the RSI hypercall ABI's *meaning* — callers still
// see the same Params marshaling — only of the trap instruction itself,
// which spec.md §1 places outside this program's scope.
type SimTrap struct {
	shim *Shim

	// IPAStateStep caps how much progress SetIPAState's simulated
	// monitor makes per call, to exercise the retry loop. Zero means
	// "complete the whole range in one call."
	IPAStateStep uintptr

	// NextMsgType is consumed by HostCall: each call pops the front
	// element (default message type 0, "unknown", if the queue is
	// empty).
	NextMsgType []int

	calls []Params
}

// NewSimTrap returns a SimTrap. shim must be the same *Shim this trap
// will be installed into, so HostCall replies can be written into the
// shim's reply-register buffer the way the real monitor would.
func NewSimTrap(shim *Shim) *SimTrap {
	return &SimTrap{shim: shim}
}

// Calls returns every Params this trap has observed, in order — used by
// tests asserting on call shape (e.g. the gateway boot-sequence test).
func (t *SimTrap) Calls() []Params {
	return t.calls
}

func (t *SimTrap) Call(p Params) Params {
	t.calls = append(t.calls, p)

	switch p[0] {
	case CallIPAStateSet:
		start, size := p[1], p[2]
		end := start + size

		step := t.IPAStateStep
		if step == 0 || start+step >= end {
			return Params{0, end}
		}

		return Params{0, start + step}

	case CallHostCall:
		mt := 0
		if len(t.NextMsgType) > 0 {
			mt = t.NextMsgType[0]
			t.NextMsgType = t.NextMsgType[1:]
		}

		buf := t.shim.HostCallBuf()
		buf[6] = uintptr(mt)

		return Params{}

	default:
		return Params{}
	}
}
