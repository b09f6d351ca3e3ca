package main

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/islet-project/cvmgateway/aescrypto"
	"github.com/islet-project/cvmgateway/sharedmem"
)

// SelftestCmd exercises spec.md §8's quantified invariants in-process,
// without a real Realm monitor — the gateway's analogue of the
// teacher's probe subcommand, which exercises KVM capabilities without
// booting a guest.
type SelftestCmd struct{}

func (s *SelftestCmd) Run(log *logrus.Logger) error {
	if err := checkAddressTranslationRoundTrip(); err != nil {
		return fmt.Errorf("address translation: %w", err)
	}

	log.Info("address translation round trip: ok")

	if err := checkGCMRoundTrip(); err != nil {
		return fmt.Errorf("AES-GCM round trip: %w", err)
	}

	log.Info("AES-256-GCM round trip: ok")

	if err := checkGCMTamperDetection(); err != nil {
		return fmt.Errorf("AES-GCM tamper detection: %w", err)
	}

	log.Info("AES-256-GCM tamper detection: ok")

	if err := checkECBRoundTrip(); err != nil {
		return fmt.Errorf("AES-ECB round trip: %w", err)
	}

	log.Info("AES-128-ECB round trip: ok")

	return nil
}

// checkAddressTranslationRoundTrip is spec.md §8's "for every valid
// shared base ... host_view(realm_view(base)) == base + IPAOffset".
// realm_view is the identity here (sharedmem.Data keys its guest-side
// slice directly by guest base), so this reduces to HostAddr's defining
// equation; it is checked across the arena's extremes and midpoint.
func checkAddressTranslationRoundTrip() error {
	bases := []uint64{
		sharedmem.VQStart,
		sharedmem.VQStart + sharedmem.DataSize/2,
		sharedmem.VQStart + sharedmem.DataSize - 1,
	}

	for _, base := range bases {
		if got, want := sharedmem.HostAddr(base), base+sharedmem.IPAOffset; got != want {
			return fmt.Errorf("HostAddr(%#x) = %#x, want %#x", base, got, want)
		}
	}

	return nil
}

func checkGCMRoundTrip() error {
	plain := bytes.Repeat([]byte{0xAA}, 4096)
	data := append([]byte(nil), plain...)

	var tag aescrypto.TagStorage
	if !aescrypto.Encrypt(data, &tag) {
		return fmt.Errorf("Encrypt failed")
	}

	if bytes.Equal(data, plain) {
		return fmt.Errorf("ciphertext equals plaintext")
	}

	if !aescrypto.Decrypt(data, &tag) {
		return fmt.Errorf("Decrypt failed")
	}

	if !bytes.Equal(data, plain) {
		return fmt.Errorf("decrypted bytes do not match original plaintext")
	}

	return nil
}

func checkGCMTamperDetection() error {
	plain := bytes.Repeat([]byte{0x42}, 512)
	data := append([]byte(nil), plain...)

	var tag aescrypto.TagStorage
	if !aescrypto.Encrypt(data, &tag) {
		return fmt.Errorf("Encrypt failed")
	}

	data[0] ^= 0x01

	if aescrypto.Decrypt(data, &tag) {
		return fmt.Errorf("Decrypt succeeded on tampered ciphertext")
	}

	return nil
}

func checkECBRoundTrip() error {
	for _, n := range []int{0, 1, 15, 16, 17, 1024} {
		plain := bytes.Repeat([]byte{0x7A}, n)
		data := append([]byte(nil), plain...)

		if !aescrypto.EncryptPadded(data, true) {
			return fmt.Errorf("EncryptPadded failed for len=%d", n)
		}

		if !aescrypto.EncryptPadded(data, false) {
			return fmt.Errorf("EncryptPadded (decrypt) failed for len=%d", n)
		}

		if !bytes.Equal(data[:n], plain) {
			return fmt.Errorf("round trip mismatch for len=%d", n)
		}
	}

	return nil
}
