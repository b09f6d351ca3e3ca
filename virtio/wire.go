// Package virtio mediates the confidential VM's virtio control
// channels: 9P file-server requests, network TX/RX, and block I/O. It
// is the Go counterpart of original_source/src/virtio.rs's
// handle_p9_request/handle_net_tx_request/handle_blk family, rebuilt
// around sharedmem.Data/ControlChannel instead of raw pointer
// arithmetic over static Rust buffers.
package virtio

import (
	"bytes"
	"encoding/binary"

	"github.com/islet-project/cvmgateway/sharedmem"
)

// MaxVirtqueueDescriptors bounds 9P and net iovec arrays, matching
// VIRTQUEUE_NUM in the control-struct layout.
const MaxVirtqueueDescriptors = sharedmem.VirtqueueNum

// MaxBlkDescriptors bounds a single block request's combined in+out
// descriptor count — the original's local `iovs: [IOVec; 16]` guard in
// handle_blk, distinct from (and much smaller than) MaxVirtqueueDescriptors.
const MaxBlkDescriptors = 16

const (
	// BlkTypeOut identifies a write request (VIRTIO_BLK_T_OUT).
	BlkTypeOut = 1
)

// P9PDU mirrors P9pdu: the 9P virtqueue's descriptor table, split into
// device-readable ("out") and device-writable ("in") halves.
type P9PDU struct {
	QueueHead   uint32
	ReadOffset  uint64
	WriteOffset uint64
	OutIovCnt   uint16
	InIovCnt    uint16
	InIov       [MaxVirtqueueDescriptors]sharedmem.IOVec
	OutIov      [MaxVirtqueueDescriptors]sharedmem.IOVec
}

// NetTXCtrl mirrors NetTX: the descriptors of one outbound network
// frame.
type NetTXCtrl struct {
	OutCnt uint32
	Iovs   [MaxVirtqueueDescriptors]sharedmem.IOVec
}

// NetRXNumBuffersCtrl mirrors the iov_base/num_buffers pair
// handle_net_rx_num_buffers reads off the host control channel.
type NetRXNumBuffersCtrl struct {
	IovBase     uint64
	NumBuffers  uint16
}

// VirtioNetHdr mirrors VirtioNetHdr: the fixed virtio-net header that
// precedes every frame's Ethernet payload.
type VirtioNetHdr struct {
	Flags          uint8
	GSOType        uint8
	HdrLen         uint16
	GSOSize        uint16
	ChecksumStart  uint16
	ChecksumOffset uint16
}

// VirtioNetHdrMgrRxbuf mirrors VirtioNetHdrMgrRxbuf: VirtioNetHdr plus
// the mergeable-receive-buffers extension field, for a combined 12-byte
// header — the VNET_HDR_SIZE both the hardening and fedprivacy modules
// parse past.
type VirtioNetHdrMgrRxbuf struct {
	Hdr         VirtioNetHdr
	NumBuffers  uint16
}

// BlockReq mirrors BlockReq: the raw in/out descriptor counts and
// table the host publishes for one block request, before the gateway
// has parsed the VirtioBlkOuthdr out of it.
type BlockReq struct {
	OutCnt uint32
	InCnt  uint32
	Iovs   [MaxBlkDescriptors]sharedmem.IOVec
}

// BlockReqHost mirrors BlockReqHost: the parsed, gateway-normalized
// view of a block request the host acts on — a single blk_type/sector
// pair, a status-byte address, and the data descriptors with the
// VirtioBlkOuthdr and status byte stripped out.
type BlockReqHost struct {
	BlkType uint32
	Cnt     uint32
	Sector  uint64
	Status  uint64
	Iovs    [MaxBlkDescriptors]sharedmem.IOVec
}

// VirtioBlkOuthdr mirrors VirtioBlkOuthdr: the request header a
// virtio-blk driver places in the first out-descriptor(s).
type VirtioBlkOuthdr struct {
	BlkType uint32
	IOPrio  uint32
	Sector  uint64
}

func decode(buf []byte, v any) error {
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

func encode(buf []byte, v any) error {
	w := bytes.NewBuffer(buf[:0])
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		return err
	}

	return nil
}
