package dispatch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/islet-project/cvmgateway/module"
)

type fakeCaller struct {
	types []int
	i     int
}

func (f *fakeCaller) HostCall(uintptr) int {
	mt := f.types[f.i]
	f.i++

	return mt
}

func TestLoopDispatchesToTheRightHandler(t *testing.T) {
	var got []string

	mark := func(name string) func() error {
		return func() error {
			got = append(got, name)
			return nil
		}
	}

	l := &Loop{
		Caller: &fakeCaller{types: []int{2, 12, 3, 14, 15, 6, 16, 100, 101}},
		Handlers: Handlers{
			P9Request:       mark("p9req"),
			P9Response:      mark("p9resp"),
			NetTX:           mark("nettx"),
			NetRXResponse:   mark("netrxresp"),
			NetRXNumBuffers: mark("netrxnumbuf"),
			Blk:             mark("blk"),
			BlkInResponse:   mark("blkinresp"),
			VsockTX:         mark("vsocktx"),
			VsockRX:         mark("vsockrx"),
		},
		Iterations: 9,
	}

	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"p9req", "p9resp", "nettx", "netrxresp", "netrxnumbuf", "blk", "blkinresp", "vsocktx", "vsockrx"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoopLogsUnexpectedRawAndUnknownTypes(t *testing.T) {
	var lines []string

	l := &Loop{
		Caller:     &fakeCaller{types: []int{4, 5, 7, 999}},
		Iterations: 4,
		Log: func(format string, args ...any) {
			lines = append(lines, fmt.Sprintf(format, args...))
		},
	}

	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(lines) != 4 {
		t.Fatalf("got %d log lines, want 4: %v", len(lines), lines)
	}
}

func TestLoopSwallowsNonDenialHandlerErrors(t *testing.T) {
	calls := 0

	l := &Loop{
		Caller: &fakeCaller{types: []int{6, 6}},
		Handlers: Handlers{
			Blk: func() error {
				calls++
				return errors.New("malformed block request")
			},
		},
		Iterations: 2,
	}

	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if calls != 2 {
		t.Fatalf("handler called %d times, want 2 (error must not stop the loop)", calls)
	}
}

func TestLoopPanicsOnModuleDenial(t *testing.T) {
	l := &Loop{
		Caller: &fakeCaller{types: []int{6}},
		Handlers: Handlers{
			Blk: func() error {
				return &module.ErrDenied{Hook: "blk_write", Module: "hardening"}
			},
		},
		Iterations: 1,
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected Run to panic on module denial")
		}
	}()

	_ = l.Run()
}
