package virtio

import (
	"fmt"
	"log"

	"github.com/islet-project/cvmgateway/module"
	"github.com/islet-project/cvmgateway/sharedmem"
	"github.com/islet-project/cvmgateway/vsock"
)

// Mediator holds the shared-memory layout, the security-module
// registry every payload is run through, and the block-sector tag
// table address, and exposes one method per dispatch.MessageType the
// gateway's main loop reacts to.
//
// Every Handle* method takes a snapshot of the host-published control
// struct before acting on it — the double-fetch defense
// handle_blk's own "copy block_req first to avoid double-fetch
// situation" comment documents, generalized to every control channel
// instead of just block requests.
type Mediator struct {
	Layout   *sharedmem.Layout
	Modules  *module.Registry
	TagTable uintptr

	VsockTX *vsock.Forwarder
	VsockRX *vsock.Forwarder

	p9 P9PDU
}

// NewMediator wires a Mediator around an already-allocated Layout and
// module Registry.
func NewMediator(layout *sharedmem.Layout, modules *module.Registry, tagTable uintptr) *Mediator {
	return &Mediator{Layout: layout, Modules: modules, TagTable: tagTable}
}

// Handle9PRequest mirrors handle_p9_request: snapshot the CVM-published
// PDU, mirror it to the host side, and copy every in/out descriptor's
// bytes into the host-shared arena.
func (m *Mediator) Handle9PRequest() error {
	var pdu P9PDU
	if err := decode(m.Layout.P9.Guest, &pdu); err != nil {
		return fmt.Errorf("virtio: decode 9p request: %w", err)
	}

	m.p9 = pdu

	if err := encode(m.Layout.P9.Host, &pdu); err != nil {
		return fmt.Errorf("virtio: mirror 9p request to host: %w", err)
	}

	if err := m.Layout.Data.CopyIovs(pdu.InIov[:], int(pdu.InIovCnt), true); err != nil {
		return fmt.Errorf("virtio: copy 9p in-iovs to host: %w", err)
	}

	if err := m.Layout.Data.CopyIovs(pdu.OutIov[:], int(pdu.OutIovCnt), true); err != nil {
		return fmt.Errorf("virtio: copy 9p out-iovs to host: %w", err)
	}

	return nil
}

// Handle9PResponse mirrors handle_p9_response: copy the response data
// back from the host-shared arena using the PDU snapshot taken at
// request time, never re-reading the (possibly since-mutated) control
// channel.
func (m *Mediator) Handle9PResponse() error {
	pdu := m.p9

	if err := m.Layout.Data.CopyIovs(pdu.InIov[:], int(pdu.InIovCnt), false); err != nil {
		return fmt.Errorf("virtio: copy 9p in-iovs from host: %w", err)
	}

	if err := m.Layout.Data.CopyIovs(pdu.OutIov[:], int(pdu.OutIovCnt), false); err != nil {
		return fmt.Errorf("virtio: copy 9p out-iovs from host: %w", err)
	}

	return nil
}

// HandleNetTX mirrors handle_net_tx_request: validate the descriptor
// count, run net_tx through the module registry over the frame bytes
// (zero-copy for a single descriptor, merged-then-split for two), then
// mirror the descriptor table and data to the host.
func (m *Mediator) HandleNetTX() error {
	var tx NetTXCtrl
	if err := decode(m.Layout.NetTX.Guest, &tx); err != nil {
		return fmt.Errorf("virtio: decode net_tx request: %w", err)
	}

	if int(tx.OutCnt) >= MaxVirtqueueDescriptors {
		log.Printf("virtio: net_tx out_cnt too big: %d", tx.OutCnt)
		return nil
	}

	if tx.OutCnt == 0 {
		log.Printf("virtio: no net_tx request")
		return nil
	}

	switch tx.OutCnt {
	case 1:
		data, err := m.Layout.Data.GuestSlice(tx.Iovs[0])
		if err != nil {
			return fmt.Errorf("virtio: net_tx zero-copy iovec: %w", err)
		}

		if _, err := m.Modules.MonitorNetTX(data, 0); err != nil {
			return err
		}

	case 2:
		total := tx.Iovs[0].Len + tx.Iovs[1].Len
		merged := make([]byte, 0, total)

		for i := 0; i < 2; i++ {
			data, err := m.Layout.Data.GuestSlice(tx.Iovs[i])
			if err != nil {
				return fmt.Errorf("virtio: net_tx merge iovec %d: %w", i, err)
			}

			merged = append(merged, data...)
		}

		res, err := m.Modules.MonitorNetTX(merged, 0)
		if err != nil {
			return err
		}

		if res.Modified {
			offset := 0
			for i := 0; i < 2; i++ {
				data, err := m.Layout.Data.GuestSlice(tx.Iovs[i])
				if err != nil {
					return fmt.Errorf("virtio: net_tx split-back iovec %d: %w", i, err)
				}

				copy(data, merged[offset:offset+len(data)])
				offset += len(data)
			}
		}

	default:
		log.Printf("virtio: net_tx out_cnt > 2, passing through unmonitored: %d", tx.OutCnt)
	}

	if err := encode(m.Layout.NetTX.Host, &tx); err != nil {
		return fmt.Errorf("virtio: mirror net_tx request to host: %w", err)
	}

	if err := m.Layout.Data.CopyIovs(tx.Iovs[:], int(tx.OutCnt), true); err != nil {
		return fmt.Errorf("virtio: copy net_tx iovs to host: %w", err)
	}

	if m.VsockTX != nil {
		buf, err := m.assembleIovs(tx.Iovs[:int(tx.OutCnt)])
		if err == nil {
			_, _ = m.VsockTX.Send(buf)
		}
	}

	return nil
}

// HandleNetRXResponse mirrors handle_net_rx_response: walk the
// host-published stream of (iovec, bytes) pairs, write each chunk into
// the guest-shared arena, and run net_rx on the freshly-written bytes.
func (m *Mediator) HandleNetRXResponse() error {
	host := m.Layout.NetRX.Host

	if len(host) < 4 {
		return fmt.Errorf("virtio: net_rx response too short for length header")
	}

	var total uint32
	if err := decode(host[:4], &total); err != nil {
		return fmt.Errorf("virtio: decode net_rx response length: %w", err)
	}

	cursor := 4
	remaining := int(total)

	for remaining > 0 {
		const iovSize = 16 // two uint64 fields
		if cursor+iovSize > len(host) {
			return fmt.Errorf("virtio: net_rx response truncated mid-iovec")
		}

		var iov sharedmem.IOVec
		if err := decode(host[cursor:cursor+iovSize], &iov); err != nil {
			return fmt.Errorf("virtio: decode net_rx iovec: %w", err)
		}
		cursor += iovSize

		if iov.Len == 0 {
			continue
		}

		n := int(iov.Len)
		if n > remaining {
			n = remaining
		}

		if cursor+n > len(host) {
			return fmt.Errorf("virtio: net_rx response truncated mid-payload")
		}

		dst, err := m.Layout.Data.GuestSlice(sharedmem.IOVec{Base: iov.Base, Len: uint64(n)})
		if err != nil {
			return fmt.Errorf("virtio: net_rx destination iovec: %w", err)
		}

		copy(dst, host[cursor:cursor+n])
		cursor += n
		remaining -= n

		if _, err := m.Modules.MonitorNetRX(dst, 0); err != nil {
			return err
		}
	}

	return nil
}

// HandleNetRXNumBuffers mirrors handle_net_rx_num_buffers: patch the
// mergeable-rx-buffers count into the virtio-net header already copied
// into the guest-shared arena.
func (m *Mediator) HandleNetRXNumBuffers() error {
	var ctrl NetRXNumBuffersCtrl
	if err := decode(m.Layout.NetRX.Host, &ctrl); err != nil {
		return fmt.Errorf("virtio: decode net_rx num_buffers: %w", err)
	}

	data, err := m.Layout.Data.GuestSlice(sharedmem.IOVec{Base: ctrl.IovBase, Len: 12})
	if err != nil {
		return fmt.Errorf("virtio: net_rx num_buffers iovec: %w", err)
	}

	var hdr VirtioNetHdrMgrRxbuf
	if err := decode(data, &hdr); err != nil {
		return fmt.Errorf("virtio: decode virtio-net header: %w", err)
	}

	hdr.NumBuffers = ctrl.NumBuffers

	return encode(data, &hdr)
}

// HandleBlk mirrors handle_blk: snapshot the host-published request
// once, parse VirtioBlkOuthdr out of the leading out-descriptors,
// locate and zero the trailing status byte, run blk_write over the
// data descriptors for write requests, and copy the request to the
// host.
func (m *Mediator) HandleBlk() error {
	var req BlockReq
	if err := decode(m.Layout.Blk.Host, &req); err != nil {
		return fmt.Errorf("virtio: decode block request: %w", err)
	}

	inCnt, outCnt := int(req.InCnt), int(req.OutCnt)
	if inCnt+outCnt >= MaxBlkDescriptors {
		log.Printf("virtio: block request too many descriptors: in=%d out=%d", inCnt, outCnt)
		return nil
	}

	iovs := make([]sharedmem.IOVec, inCnt+outCnt)
	copy(iovs, req.Iovs[:inCnt+outCnt])

	var hdr VirtioBlkOuthdr
	hdrLen := 16 // sizeof(VirtioBlkOuthdr): uint32+uint32+uint64
	hdrBuf := make([]byte, 0, hdrLen)

	iovIdx := 0
	iovCount := outCnt

	for hdrLen > 0 && iovCount > 0 {
		data, err := m.Layout.Data.GuestSlice(iovs[iovIdx])
		if err != nil {
			return fmt.Errorf("virtio: block out-header iovec %d: %w", iovIdx, err)
		}

		n := hdrLen
		if n > len(data) {
			n = len(data)
		}

		hdrBuf = append(hdrBuf, data[:n]...)

		iovs[iovIdx].Base += uint64(n)
		iovs[iovIdx].Len -= uint64(n)
		hdrLen -= n

		if iovs[iovIdx].Len == 0 {
			iovIdx++
			iovCount--
		}
	}

	if err := decode(hdrBuf, &hdr); err != nil {
		return fmt.Errorf("virtio: decode VirtioBlkOuthdr: %w", err)
	}

	// Extract the status byte from the trailing descriptor, walking
	// backward across any zero-length descriptors the header consumed.
	iovCount += inCnt

	lastIov := iovCount - 1
	for iovs[iovIdx+lastIov].Len == 0 {
		lastIov--
	}

	iovs[iovIdx+lastIov].Len--
	status := iovs[iovIdx+lastIov].Base + iovs[iovIdx+lastIov].Len

	if iovs[iovIdx+lastIov].Len == 0 {
		iovCount--
	}

	var host BlockReqHost
	host.BlkType = hdr.BlkType
	host.Cnt = uint32(iovCount)
	host.Sector = hdr.Sector
	host.Status = status

	copy(host.Iovs[:iovCount], iovs[iovIdx:iovIdx+iovCount])

	// Force the status byte to success; the gateway, not the guest,
	// decides the outcome of a mediated request.
	statusByte, err := m.Layout.Data.GuestSlice(sharedmem.IOVec{Base: status, Len: 1})
	if err != nil {
		return fmt.Errorf("virtio: block status byte: %w", err)
	}
	statusByte[0] = 0x00

	if host.BlkType == BlkTypeOut {
		for i := 0; i < iovCount; i++ {
			data, err := m.Layout.Data.GuestSlice(iovs[iovIdx+i])
			if err != nil {
				return fmt.Errorf("virtio: block write iovec %d: %w", i, err)
			}

			if _, err := m.Modules.MonitorBlkWrite(data, host.Sector, m.TagTable); err != nil {
				return err
			}
		}
	}

	if err := encode(m.Layout.Blk.Host, &host); err != nil {
		return fmt.Errorf("virtio: mirror block request to host: %w", err)
	}

	if err := m.Layout.Data.CopyIovs(iovs[iovIdx:iovIdx+iovCount], iovCount, true); err != nil {
		return fmt.Errorf("virtio: copy block iovs to host: %w", err)
	}

	return nil
}

// HandleBlkInResponse mirrors handle_blk_in_resp: copy the host's reply
// data into the guest-shared arena and, for read data, run blk_read to
// authenticate and decrypt each sector before the guest sees it.
func (m *Mediator) HandleBlkInResponse() error {
	var host BlockReqHost
	if err := decode(m.Layout.BlkIn.Host, &host); err != nil {
		return fmt.Errorf("virtio: decode block response: %w", err)
	}

	iovs := host.Iovs[:host.Cnt]

	if err := m.Layout.Data.CopyIovs(iovs, int(host.Cnt), false); err != nil {
		return fmt.Errorf("virtio: copy block response iovs from host: %w", err)
	}

	for i := 0; i < int(host.Cnt); i++ {
		data, err := m.Layout.Data.GuestSlice(iovs[i])
		if err != nil {
			return fmt.Errorf("virtio: block read iovec %d: %w", i, err)
		}

		if _, err := m.Modules.MonitorBlkRead(data, host.Sector, m.TagTable); err != nil {
			return err
		}
	}

	return nil
}

// HandleVsockTX and HandleVsockRX mirror handle_vsock_tx/handle_vsock_rx
// (__handle_vsock): validate the descriptor count the guest published,
// then actually forward the assembled payload to the gateway's vsock
// peer — the "[TODO] do the actual job" the prototype's emulation stub
// left undone.
func (m *Mediator) HandleVsockTX() error { return m.handleVsock(m.Layout.VsockTX, m.VsockTX) }
func (m *Mediator) HandleVsockRX() error { return m.handleVsock(m.Layout.VsockRX, m.VsockRX) }

func (m *Mediator) handleVsock(ch sharedmem.ControlChannel, fwd *vsock.Forwarder) error {
	var tx NetTXCtrl
	if err := decode(ch.Guest, &tx); err != nil {
		return fmt.Errorf("virtio: decode vsock request: %w", err)
	}

	if err := vsock.ValidateCount(int(tx.OutCnt)); err != nil {
		log.Printf("virtio: %v", err)
		return nil
	}

	if fwd == nil {
		return nil
	}

	buf, err := m.assembleIovs(tx.Iovs[:tx.OutCnt])
	if err != nil {
		return fmt.Errorf("virtio: assemble vsock payload: %w", err)
	}

	_, err = fwd.Send(buf)

	return err
}

func (m *Mediator) assembleIovs(iovs []sharedmem.IOVec) ([]byte, error) {
	var buf []byte

	for _, iov := range iovs {
		data, err := m.Layout.Data.GuestSlice(iov)
		if err != nil {
			return nil, err
		}

		buf = append(buf, data...)
	}

	return buf, nil
}
