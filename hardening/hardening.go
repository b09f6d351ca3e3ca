// Package hardening implements the gateway's one canonical security
// module (spec.md §4.4): AES-256-GCM authenticated encryption of every
// block sector, and AES-128-ECB obfuscation of TCP/UDP network payload
// bytes.
package hardening

import (
	"encoding/binary"
	"unsafe"

	"github.com/islet-project/cvmgateway/aescrypto"
	"github.com/islet-project/cvmgateway/module"
)

// Frame-layout offsets the network path parses through, in order:
// a virtio-net header, an Ethernet header, an IPv4 header, then an
// optional TCP/UDP header (spec.md §4.4).
const (
	vnetHdrSize  = 12
	ethHdrSize   = 14
	ipv4HdrSize  = 20
	udpHdrSize   = 8

	vnetDataOffset = vnetHdrSize
	ethDataOffset  = vnetDataOffset + ethHdrSize
	ipv4DataOffset = ethDataOffset + ipv4HdrSize
	udpDataOffset  = ipv4DataOffset + udpHdrSize

	ethTypeIPv4 = 0x0800
	ipProtoTCP  = 0x06
	ipProtoUDP  = 0x11
)

// Name is the registered name of this module; the gateway boots with it
// alone (spec.md §4.6 default module set).
const Name = "cvm_hardening"

// New returns the hardening module, ready to register at any priority.
func New() module.Module {
	return module.Module{
		Name:     Name,
		BlkWrite: blkWrite,
		BlkRead:  blkRead,
		NetTX:    netTX,
		NetRX:    netRX,
	}
}

// tagAt dereferences the host-shared tag side table at tagTableAddr for
// the given sector. The side table is a flat array of TagStorage values
// indexed by sector number (spec.md §3); tagTableAddr is the address of
// element zero, kept alive for the gateway's entire run by whoever owns
// the table (see gateway.Gateway).
func tagAt(tagTableAddr uintptr, sector uint64) *aescrypto.TagStorage {
	addr := tagTableAddr + uintptr(sector)*unsafe.Sizeof(aescrypto.TagStorage{})
	return (*aescrypto.TagStorage)(unsafe.Pointer(addr)) //nolint:govet
}

func blkWrite(data []byte, sector uint64, tagTableAddr uintptr) module.Return {
	tag := tagAt(tagTableAddr, sector)
	aescrypto.Encrypt(data, tag)

	return module.Return{Modified: true, Action: module.Allow}
}

func blkRead(data []byte, sector uint64, tagTableAddr uintptr) module.Return {
	tag := tagAt(tagTableAddr, sector)
	aescrypto.Decrypt(data, tag)

	return module.Return{Modified: true, Action: module.Allow}
}

// classify reports which transport protocol a frame carries and the
// byte offset its payload starts at, per the header-walk documented in
// spec.md §4.4. protocol 0 means "not TCP/UDP over IPv4" — the caller
// passes the frame through unmodified.
func classify(data []byte) (protocol byte, payloadOffset int) {
	if len(data) < vnetDataOffset+ethHdrSize {
		return 0, 0
	}

	ethType := binary.BigEndian.Uint16(data[vnetDataOffset+12 : vnetDataOffset+14])
	if ethType != ethTypeIPv4 {
		return 0, 0
	}

	if len(data) < ethDataOffset+10 {
		return 0, 0
	}

	ipProto := data[ethDataOffset+9]

	switch ipProto {
	case ipProtoTCP:
		if len(data) < ipv4DataOffset+13 {
			return 0, 0
		}

		tcpHdrLen := int(((data[ipv4DataOffset+12] & 0xf0) >> 4)) * 4
		off := ipv4DataOffset + tcpHdrLen

		if len(data) < off {
			return 0, 0
		}

		return ipProtoTCP, off

	case ipProtoUDP:
		if len(data) < udpDataOffset {
			return 0, 0
		}

		return ipProtoUDP, udpDataOffset

	default:
		return 0, 0
	}
}

func obfuscate(data []byte, offset int, encrypt bool) module.Return {
	if offset >= len(data) {
		return module.Return{Action: module.Allow}
	}

	payload := data[offset:]
	aescrypto.EncryptPadded(payload, encrypt)

	return module.Return{Modified: true, Action: module.Allow}
}

func netTX(data []byte, _ uintptr) module.Return {
	proto, off := classify(data)
	if proto != ipProtoTCP && proto != ipProtoUDP {
		return module.Return{Action: module.Allow}
	}

	return obfuscate(data, off, true)
}

func netRX(data []byte, _ uintptr) module.Return {
	proto, off := classify(data)
	if proto != ipProtoTCP && proto != ipProtoUDP {
		return module.Return{Action: module.Allow}
	}

	return obfuscate(data, off, false)
}
