package fedprivacy

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/islet-project/cvmgateway/module"
)

func TestBlkHooksAlwaysDeny(t *testing.T) {
	if res := denyBlk(nil, 0, 0); res.Action != module.Deny {
		t.Fatalf("blk hook = %+v, want Deny", res)
	}
}

func modelUpdateFrame() []byte {
	frame := make([]byte, udpDataOffset+modelUpdateLen)
	frame[vnetDataOffset+12] = 0x08
	frame[vnetDataOffset+13] = 0x00
	frame[ethDataOffset+9] = ipProtoUDP
	return frame
}

func TestNetTXInjectsNoiseOnlyOnModelUpdateLength(t *testing.T) {
	frame := modelUpdateFrame()
	payload := frame[udpDataOffset:]

	binary.LittleEndian.PutUint32(payload[biasStart:], math.Float32bits(1.0))

	res := netTX(frame, 0)
	if !res.Modified {
		t.Fatal("expected a recognized model update to be marked modified")
	}

	got := math.Float32frombits(binary.LittleEndian.Uint32(payload[biasStart:]))
	if got == 1.0 {
		t.Fatal("bias value unchanged; no noise was added")
	}
}

func TestNetTXIgnoresOtherUDPLengths(t *testing.T) {
	frame := make([]byte, udpDataOffset+16)
	frame[vnetDataOffset+12] = 0x08
	frame[vnetDataOffset+13] = 0x00
	frame[ethDataOffset+9] = ipProtoUDP

	orig := append([]byte(nil), frame...)

	res := netTX(frame, 0)
	if res.Modified {
		t.Fatal("expected non-model-update UDP payload to pass through untouched")
	}
	if string(frame) != string(orig) {
		t.Fatal("frame bytes changed despite unmodified verdict")
	}
}

func TestNetTXIgnoresTCP(t *testing.T) {
	frame := make([]byte, udpDataOffset+modelUpdateLen)
	frame[vnetDataOffset+12] = 0x08
	frame[vnetDataOffset+13] = 0x00
	frame[ethDataOffset+9] = ipProtoTCP
	frame[ipv4DataOffset+12] = 0x50

	res := netTX(frame, 0)
	if res.Modified {
		t.Fatal("expected TCP traffic to be left alone by the FL privacy module")
	}
}

func TestRNGIsDeterministicPerSeed(t *testing.T) {
	a := newRNG(noiseSeed)
	b := newRNG(noiseSeed)

	for i := 0; i < 8; i++ {
		if a.next() != b.next() {
			t.Fatal("same seed produced diverging sequences")
		}
	}
}

func TestBoxMullerProducesFiniteSamples(t *testing.T) {
	r := newRNG(1)
	for i := 0; i < 100; i++ {
		z0, z1 := boxMuller(r)
		if math.IsNaN(float64(z0)) || math.IsInf(float64(z0), 0) {
			t.Fatalf("z0 = %v, not finite", z0)
		}
		if math.IsNaN(float64(z1)) || math.IsInf(float64(z1), 0) {
			t.Fatalf("z1 = %v, not finite", z1)
		}
	}
}
