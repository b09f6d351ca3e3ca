package sharedmem

import "testing"

func TestValidateAcceptsInRangeIOVec(t *testing.T) {
	iov := IOVec{Base: VQStart, Len: DataSize}
	if err := Validate(iov); err != nil {
		t.Fatalf("expected full-arena iovec to validate, got %v", err)
	}
}

func TestValidateRejectsBaseBeforeStart(t *testing.T) {
	iov := IOVec{Base: VQStart - 1, Len: 1}
	if err := Validate(iov); err == nil {
		t.Fatal("expected rejection of base before VQStart")
	}
}

func TestValidateRejectsBaseAtOrPastEnd(t *testing.T) {
	iov := IOVec{Base: VQStart + DataSize, Len: 1}
	if err := Validate(iov); err == nil {
		t.Fatal("expected rejection of base at end of arena")
	}
}

func TestValidateRejectsOverlongLen(t *testing.T) {
	iov := IOVec{Base: VQStart + DataSize - 10, Len: 11}
	if err := Validate(iov); err == nil {
		t.Fatal("expected rejection of len overrunning the arena")
	}
}

func TestHostAddrRoundTrip(t *testing.T) {
	for _, base := range []uint64{VQStart, VQStart + 4096, VQStart + DataSize - 1} {
		if got := HostAddr(base); got != base+IPAOffset {
			t.Fatalf("HostAddr(%#x) = %#x, want %#x", base, got, base+IPAOffset)
		}
	}
}

func TestCopyIovToHostAndBack(t *testing.T) {
	d := NewData()
	iov := IOVec{Base: VQStart + 100, Len: 16}

	g, err := d.GuestSlice(iov)
	if err != nil {
		t.Fatal(err)
	}
	for i := range g {
		g[i] = byte(i + 1)
	}

	if err := d.CopyIov(iov, true); err != nil {
		t.Fatal(err)
	}

	h, err := d.HostSlice(iov)
	if err != nil {
		t.Fatal(err)
	}
	for i := range h {
		if h[i] != byte(i+1) {
			t.Fatalf("host byte %d = %d, want %d", i, h[i], i+1)
		}
	}

	// mutate host and copy back
	for i := range h {
		h[i] = byte(0xAA)
	}
	if err := d.CopyIov(iov, false); err != nil {
		t.Fatal(err)
	}
	g, _ = d.GuestSlice(iov)
	for i := range g {
		if g[i] != 0xAA {
			t.Fatalf("guest byte %d = %d, want 0xAA", i, g[i])
		}
	}
}

func TestCopyIovsStopsAtFirstInvalidIOVec(t *testing.T) {
	d := NewData()
	iovs := []IOVec{
		{Base: VQStart, Len: 16},
		{Base: 0, Len: 16}, // invalid
		{Base: VQStart + 32, Len: 16},
	}

	err := d.CopyIovs(iovs, len(iovs), true)
	if err == nil {
		t.Fatal("expected error from the invalid iovec")
	}
}
