package hardening

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/islet-project/cvmgateway/aescrypto"
	"github.com/islet-project/cvmgateway/module"
)

// tagTables keeps every table tagTable hands out on the heap and
// reachable: the hooks only see it as a uintptr, which neither pins a
// stack-allocated slice in place nor keeps a heap one alive.
var tagTables [][]aescrypto.TagStorage

func tagTable(n int) (uintptr, func()) {
	tags := make([]aescrypto.TagStorage, n)
	tagTables = append(tagTables, tags)
	return uintptr(unsafe.Pointer(&tags[0])), func() { _ = tags }
}

func TestBlkWriteThenReadRoundTrips(t *testing.T) {
	addr, keepAlive := tagTable(4)
	defer keepAlive()

	plain := bytes.Repeat([]byte("sector-data-"), 32)
	buf := make([]byte, len(plain))
	copy(buf, plain)

	if res := blkWrite(buf, 2, addr); !res.Modified || res.Action != module.Allow {
		t.Fatalf("blkWrite = %+v", res)
	}
	if bytes.Equal(buf, plain) {
		t.Fatal("blkWrite left the sector in plaintext")
	}

	if res := blkRead(buf, 2, addr); !res.Modified || res.Action != module.Allow {
		t.Fatalf("blkRead = %+v", res)
	}
	if !bytes.Equal(buf, plain) {
		t.Fatal("blkRead did not recover the original sector")
	}
}

func TestBlkWriteUsesSectorIndexedTagSlot(t *testing.T) {
	addr, keepAlive := tagTable(2)
	defer keepAlive()

	a := bytes.Repeat([]byte{0x11}, 16)
	b := bytes.Repeat([]byte{0x22}, 16)

	blkWrite(a, 0, addr)
	blkWrite(b, 1, addr)

	// Sector 0's tag must not have been clobbered by sector 1's write:
	// each sector gets its own slot in the side table.
	if res := blkRead(a, 0, addr); !res.Modified || res.Action != module.Allow {
		t.Fatalf("blkRead(sector 0) = %+v", res)
	}
	if got := string(a); got != string(bytes.Repeat([]byte{0x11}, 16)) {
		t.Fatal("sector 0 did not decrypt correctly after sector 1's write touched the table")
	}
}

func udpFrame(payload []byte) []byte {
	frame := make([]byte, udpDataOffset+len(payload))
	frame[vnetDataOffset+12] = 0x08
	frame[vnetDataOffset+13] = 0x00
	frame[ethDataOffset+9] = ipProtoUDP
	copy(frame[udpDataOffset:], payload)
	return frame
}

func TestNetTXObfuscatesUDPPayloadOnly(t *testing.T) {
	payload := bytes.Repeat([]byte("hello-udp-"), 2)
	frame := udpFrame(payload)
	header := append([]byte(nil), frame[:udpDataOffset]...)

	res := netTX(frame, 0)
	if !res.Modified {
		t.Fatal("expected UDP frame to be marked modified")
	}
	if !bytes.Equal(frame[:udpDataOffset], header) {
		t.Fatal("net_tx must not touch header bytes")
	}
	if bytes.Equal(frame[udpDataOffset:], payload) {
		t.Fatal("net_tx left the UDP payload in plaintext")
	}
}

func TestNetTXThenNetRXRoundTrips(t *testing.T) {
	payload := bytes.Repeat([]byte("round-trip-udp!!"), 1)
	frame := udpFrame(payload)

	netTX(frame, 0)
	netRX(frame, 0)

	if !bytes.Equal(frame[udpDataOffset:], payload) {
		t.Fatal("net_tx followed by net_rx did not recover the UDP payload")
	}
}

func TestNetTXPassesThroughNonIPv4Frames(t *testing.T) {
	frame := make([]byte, 64)
	frame[vnetDataOffset+12] = 0x86
	frame[vnetDataOffset+13] = 0xDD // IPv6
	orig := append([]byte(nil), frame...)

	res := netTX(frame, 0)
	if res.Modified {
		t.Fatal("expected non-IPv4 frame to pass through unmodified")
	}
	if !bytes.Equal(frame, orig) {
		t.Fatal("frame bytes changed despite Allow-unmodified verdict")
	}
}

func TestClassifyTCPUsesDataOffsetField(t *testing.T) {
	frame := make([]byte, ipv4DataOffset+20+8)
	frame[vnetDataOffset+12] = 0x08
	frame[vnetDataOffset+13] = 0x00
	frame[ethDataOffset+9] = ipProtoTCP
	frame[ipv4DataOffset+12] = 0x50 // data offset = 5 words = 20 bytes

	proto, off := classify(frame)
	if proto != ipProtoTCP {
		t.Fatalf("protocol = %d, want TCP", proto)
	}
	if want := ipv4DataOffset + 20; off != want {
		t.Fatalf("payload offset = %d, want %d", off, want)
	}
}
