// Package fedprivacy supplements the gateway with a second security
// module the distilled specification does not name but the original
// prototype ships: a differential-privacy guard for a federated
// learning workload, grounded on original_source/src/module_fl.rs. It
// denies every block request outright (this deployment shape carries
// no persistent storage through the gateway) and injects calibrated
// Gaussian noise into one specific UDP payload shape on the TX path —
// the update a federated-learning client sends its aggregator.
//
// This module is never registered by the gateway's default boot
// sequence; it exists as an alternate policy an operator can opt into
// in place of, or alongside, hardening.
package fedprivacy

import (
	"encoding/binary"
	"math"

	"github.com/islet-project/cvmgateway/module"
)

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

	// modelUpdateLen is the exact UDP payload length this module
	// recognizes as a federated-learning client update; anything else
	// passes through untouched (module_fl.rs: "hard-coded one").
	modelUpdateLen = 6916

	// biasStart/biasEnd bound the bias-vector region of the recognized
	// payload layout, in 4-byte float32 strides.
	biasStart = 0x112
	biasEnd   = 0x182

	noiseStdDev  = 0.01
	noiseSeed    = 123456789
)

// Name is the registered name of this module.
const Name = "fl_privacy"

// New returns the federated-learning privacy module.
func New() module.Module {
	return module.Module{
		Name:     Name,
		BlkWrite: denyBlk,
		BlkRead:  denyBlk,
		NetTX:    netTX,
		NetRX:    netRX,
	}
}

func denyBlk(_ []byte, _ uint64, _ uintptr) module.Return {
	return module.Return{Action: module.Deny}
}

func netRX(_ []byte, _ uintptr) module.Return {
	return module.Return{Action: module.Allow}
}

// rng is the linear-congruential generator the original prototype
// hand-rolled to avoid pulling a no_std-incompatible crate; kept
// verbatim here (seed, multiplier, increment, shift) so the noise
// sequence a given seed produces is identical to the system this
// replaces.
type rng struct {
	seed uint32
}

func newRNG(seed uint32) *rng {
	return &rng{seed: seed}
}

func (r *rng) next() float32 {
	r.seed = r.seed*1664525 + 1013904223
	return float32(r.seed>>9) / float32(1<<23)
}

// boxMuller returns a pair of independent standard-normal samples.
func boxMuller(r *rng) (float32, float32) {
	u1, u2 := r.next(), r.next()

	mag := float32(math.Sqrt(float64(-2 * math.Log(float64(u1)))))
	z0 := mag * float32(math.Cos(2*math.Pi*float64(u2)))
	z1 := mag * float32(math.Sin(2*math.Pi*float64(u2)))

	return z0, z1
}

func gaussianNoise(r *rng, stdDev float32) float32 {
	z0, _ := boxMuller(r)
	return z0 * stdDev
}

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

	switch data[ethDataOffset+9] {
	case ipProtoTCP:
		if len(data) < ipv4DataOffset+13 {
			return 0, 0
		}

		hdrLen := int((data[ipv4DataOffset+12]&0xf0)>>4) * 4
		off := ipv4DataOffset + hdrLen

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

// netTX inspects every outbound frame and, for the one UDP payload
// shape it recognizes as a federated-learning model update, adds
// Gaussian noise to the bias-vector region before the packet leaves
// the confidential VM — local differential privacy applied at the
// network boundary rather than inside the training loop.
func netTX(data []byte, _ uintptr) module.Return {
	proto, off := classify(data)
	if proto != ipProtoUDP {
		return module.Return{Action: module.Allow}
	}

	payload := data[off:]
	if len(payload) != modelUpdateLen {
		return module.Return{Action: module.Allow}
	}

	r := newRNG(noiseSeed)
	for idx := biasStart; idx < biasEnd; idx += 4 {
		bits := binary.LittleEndian.Uint32(payload[idx : idx+4])
		val := math.Float32frombits(bits)
		val += gaussianNoise(r, noiseStdDev)
		binary.LittleEndian.PutUint32(payload[idx:idx+4], math.Float32bits(val))
	}

	return module.Return{Modified: true, Action: module.Allow}
}
