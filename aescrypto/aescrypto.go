// Package aescrypto implements the two AES modes the gateway's hardening
// module drives: authenticated AES-256-GCM for block sectors, and
// unauthenticated AES-128-ECB for obfuscating TCP/UDP network payloads
// (spec.md §4.2).
//
// The key and nonce material is fixed at zero for bring-up, exactly as
// the original prototype documents (spec.md §9, "Open question: keys and
// nonces"). A real deployment must bind both to attested boot
// measurements; that binding is out of scope here and must not be
// silently dropped when this package is wired into production.
package aescrypto

import (
	"crypto/aes"
	"crypto/cipher"
)

// TagSize is the length of an AES-GCM authentication tag.
const TagSize = 16

// TagStorage holds one sector's GCM authentication tag, as stored in the
// host-shared tag side table (spec.md §3).
type TagStorage struct {
	Tag [TagSize]byte
}

var (
	gcmKey [32]byte // AES-256-GCM key; zero placeholder, see package doc.
	gcmNonce [12]byte
	ecbKey [16]byte // AES-128-ECB key; zero placeholder, see package doc.
)

func gcmCipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(gcmKey[:])
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

// Encrypt authenticated-encrypts data in place with AES-256-GCM and
// writes the resulting tag into tag. It returns false, leaving data
// unmodified, on failure.
func Encrypt(data []byte, tag *TagStorage) bool {
	gcm, err := gcmCipher()
	if err != nil {
		return false
	}

	sealed := gcm.Seal(nil, gcmNonce[:], data, nil)
	ct, authTag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	copy(data, ct)
	copy(tag.Tag[:], authTag)

	return true
}

// Decrypt authenticated-decrypts data‖tag in place with AES-256-GCM. It
// returns false, leaving data unmodified, if the tag does not verify.
func Decrypt(data []byte, tag *TagStorage) bool {
	gcm, err := gcmCipher()
	if err != nil {
		return false
	}

	sealed := make([]byte, 0, len(data)+TagSize)
	sealed = append(sealed, data...)
	sealed = append(sealed, tag.Tag[:]...)

	plain, err := gcm.Open(nil, gcmNonce[:], sealed, nil)
	if err != nil {
		return false
	}

	copy(data, plain)

	return true
}

// encryptNoAuth runs AES-128-ECB over data, which must be a multiple of
// 16 bytes long. Callers whose payload isn't 16-aligned are responsible
// for the zero-padding strategy documented in spec.md §4.2.
func encryptNoAuth(data []byte, encrypt bool) bool {
	if len(data)%aes.BlockSize != 0 {
		return false
	}

	block, err := aes.NewCipher(ecbKey[:])
	if err != nil {
		return false
	}

	for off := 0; off < len(data); off += aes.BlockSize {
		blk := data[off : off+aes.BlockSize]
		if encrypt {
			block.Encrypt(blk, blk)
		} else {
			block.Decrypt(blk, blk)
		}
	}

	return true
}

// EncryptNoAuth AES-128-ECB encrypts data in place.
func EncryptNoAuth(data []byte) bool {
	return encryptNoAuth(data, true)
}

// DecryptNoAuth AES-128-ECB decrypts data in place.
func DecryptNoAuth(data []byte) bool {
	return encryptNoAuth(data, false)
}

// EncryptPadded runs EncryptNoAuth/DecryptNoAuth over data after padding
// it with zero bytes to the next multiple of 16, per the lossy
// obfuscation strategy documented in spec.md §4.2: the tail ciphertext
// bytes beyond len(data) are discarded, only the original-length prefix
// is copied back. This is a deliberate, non-AEAD construction preserved
// to match the observable wire behavior of the system it replaces.
func EncryptPadded(data []byte, encrypt bool) bool {
	if len(data)%aes.BlockSize == 0 {
		if encrypt {
			return EncryptNoAuth(data)
		}

		return DecryptNoAuth(data)
	}

	padded := make([]byte, len(data)+(aes.BlockSize-len(data)%aes.BlockSize))
	copy(padded, data)

	var ok bool
	if encrypt {
		ok = EncryptNoAuth(padded)
	} else {
		ok = DecryptNoAuth(padded)
	}

	if !ok {
		return false
	}

	copy(data, padded[:len(data)])

	return true
}
