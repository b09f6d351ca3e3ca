// Package sharedmem implements the gateway's statically partitioned
// control and data regions and the address translation between the
// three address spaces described in spec.md §3: realm-private IPA,
// realm-shared IPA (the CVM-visible view), and the host-shared view
// (the same pages remapped at IPAOffset for the untrusted host).
//
// Real Realm hardware backs these regions with pages the monitor has
// moved into the RIPAS_RAM/RIPAS_EMPTY states via rsi.SetIPAState; this
// package models them as plain byte slices so the gateway — and its
// tests — can run as an ordinary Go process, the same way the teacher's
// memory package models guest RAM as an mmap'd byte slice instead of a
// hardware memory controller.
package sharedmem

import "fmt"

// Layout constants from spec.md §3/§6.
const (
	VQStart   = 0x99600000
	IPAOffset = 0x100000000

	ControlSize = 2 * 1024 * 1024
	DataSize    = 20 * 1024 * 1024

	VirtqueueNum = 128
)

// Realm and host-shared IPA ranges from spec.md §6's memory map. These
// are the two rsi.SetIPAState calls the gateway's boot sequence makes
// before it can touch either arena.
const (
	RealmIPAStart = 0x80000000
	RealmIPAEnd   = 0x90000000

	HostSharedIPAStart = 0x88400000
	HostSharedIPAEnd   = 0x8C400000
)

// Channel ids the gateway publishes its two realm-shared regions under
// via rsi.CreateSharedChannel (spec.md §3: "published to the monitor via
// create_shared(id, ipa, size)").
const (
	ChannelControl = 0
	ChannelData    = 1
)

// Control sub-channel byte offsets within the 2 MiB CVM-visible control
// region (spec.md §6). These are published as documentation/config
// values; the actual storage for each sub-channel is a distinct buffer
// (see ControlChannel) rather than a window into one contiguous slice,
// since the numeric host-side offsets in spec.md are meaningful only
// relative to real Realm IPA ranges this process does not have.
const (
	CtrlOffset9P      = 0
	CtrlOffsetVsockTX = 0x80000
	CtrlOffsetVsockRX = 0xC8000
	CtrlOffsetNetTX   = 0x100000
	CtrlOffsetNetRX   = 0x180000
	CtrlOffsetBlk     = 0x1C8000
)

// IOVec is a virtio scatter-gather descriptor: a guest-shared-IPA
// address and a length.
type IOVec struct {
	Base uint64
	Len  uint64
}

// ErrOutOfRange reports an iovec whose [Base, Base+Len) range falls
// outside the shared data arena — spec.md §3's invariant that every
// processed iovec must satisfy
// "VQ_START ≤ iov.base < VQ_START + data_size" and
// "iov.len ≤ data_size − (iov.base − VQ_START)".
type ErrOutOfRange struct {
	IOVec IOVec
}

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("iovec base=%#x len=%#x out of shared data range", e.IOVec.Base, e.IOVec.Len)
}

// Validate checks iov against the shared-data-arena invariant of
// spec.md §3. It does not look at the data itself.
func Validate(iov IOVec) error {
	if iov.Base < VQStart || iov.Base >= VQStart+DataSize {
		return &ErrOutOfRange{IOVec: iov}
	}

	if iov.Len > DataSize-(iov.Base-VQStart) {
		return &ErrOutOfRange{IOVec: iov}
	}

	return nil
}

// HostAddr returns the host-shared-view address corresponding to a
// guest-shared base: host_addr = realm_shared_ipa + IPAOffset
// (spec.md §3, the address-translation round-trip of spec.md §8).
func HostAddr(guestBase uint64) uint64 {
	return guestBase + IPAOffset
}

// ControlChannel is one named control sub-channel (9P, net-tx, net-rx,
// blk, vsock-tx, vsock-rx): a CVM-visible buffer the guest writes
// requests into, and a host-visible buffer the gateway mirrors requests
// and responses through.
type ControlChannel struct {
	Guest []byte
	Host  []byte
}

// NewControlChannel allocates a channel with equally sized guest/host
// buffers, large enough to hold whichever control struct it carries.
func NewControlChannel(size int) ControlChannel {
	return ControlChannel{Guest: make([]byte, size), Host: make([]byte, size)}
}

// Data is the shared data arena: one realm-private/guest-shared buffer
// (the gateway's working copy of guest data, addressed by guest iovecs)
// and one host-shared buffer holding the same bytes from the host's
// point of view. The two are never aliased — every transfer between
// them is an explicit, validated copy, mirroring the original
// prototype's copy_iovs.
type Data struct {
	Guest []byte
	Host  []byte
}

// NewData allocates a zeroed data arena pair of DataSize bytes each.
func NewData() *Data {
	return &Data{Guest: make([]byte, DataSize), Host: make([]byte, DataSize)}
}

// GuestSlice returns the guest-shared bytes backing iov, after
// validating it against the arena.
func (d *Data) GuestSlice(iov IOVec) ([]byte, error) {
	if err := Validate(iov); err != nil {
		return nil, err
	}

	off := iov.Base - VQStart

	return d.Guest[off : off+iov.Len], nil
}

// HostSlice returns the host-shared bytes backing iov, after validating
// it against the arena.
func (d *Data) HostSlice(iov IOVec) ([]byte, error) {
	if err := Validate(iov); err != nil {
		return nil, err
	}

	off := iov.Base - VQStart

	return d.Host[off : off+iov.Len], nil
}

// CopyIov copies iov's bytes between the guest-shared and host-shared
// arenas, in the direction requested. This is the Go counterpart of the
// original prototype's copy_iovs, called once per descriptor.
func (d *Data) CopyIov(iov IOVec, toHost bool) error {
	g, err := d.GuestSlice(iov)
	if err != nil {
		return err
	}

	h, err := d.HostSlice(iov)
	if err != nil {
		return err
	}

	if toHost {
		copy(h, g)
	} else {
		copy(g, h)
	}

	return nil
}

// CopyIovs copies the first cnt entries of iovs, in order, stopping at
// (and returning) the first validation error.
func (d *Data) CopyIovs(iovs []IOVec, cnt int, toHost bool) error {
	for i := 0; i < cnt; i++ {
		if err := d.CopyIov(iovs[i], toHost); err != nil {
			return err
		}
	}

	return nil
}

// Layout bundles the full set of control sub-channels and the data
// arena a Mediator needs (spec.md §3 "Control region sub-channels").
type Layout struct {
	Data *Data

	P9      ControlChannel
	NetTX   ControlChannel
	NetRX   ControlChannel
	Blk     ControlChannel
	BlkIn   ControlChannel
	VsockTX ControlChannel
	VsockRX ControlChannel
}

// controlChannelSize is large enough to hold the biggest control struct
// this gateway marshals (a P9PDU, with two 128-entry IOVec arrays).
const controlChannelSize = 4096 + VirtqueueNum*2*16

// NewLayout allocates a fresh Layout with zeroed arenas and channels.
func NewLayout() *Layout {
	return &Layout{
		Data:    NewData(),
		P9:      NewControlChannel(controlChannelSize),
		NetTX:   NewControlChannel(controlChannelSize),
		NetRX:   NewControlChannel(controlChannelSize),
		Blk:     NewControlChannel(controlChannelSize),
		BlkIn:   NewControlChannel(controlChannelSize),
		VsockTX: NewControlChannel(controlChannelSize),
		VsockRX: NewControlChannel(controlChannelSize),
	}
}
