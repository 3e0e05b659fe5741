package blockstore

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/nmxmxh/morphis-overlay/internal/overlayerr"
	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
)

// blockSize is the AES block size; encrypt_data_block operates on whole blocks and carries
// anything left over in a separate "remainder," grounded on original_source/chord_tasks.go's
// own comment ("PyCrypto works in blocks, so extra than round block size goes into
// enc_data_remainder").
const blockSize = aes.BlockSize

// aesKey derives a deterministic 256-bit AES key from the content's data_key (spec §4.3: the
// decryption key is H(plaintext), a 64-byte overlayid.ID; AES-256 needs 32 bytes, so we use the
// first half of the digest).
func aesKey(dataKey overlayid.ID) []byte {
	return dataKey[:32]
}

// aesIV derives a deterministic per-block IV from the back half of data_key, distinct from the
// key material used for the cipher itself.
func aesIV(dataKey overlayid.ID) []byte {
	return dataKey[32:48]
}

// EncryptDataBlock deterministically encrypts plaintext under key (spec §4.3): main is the
// CBC-encrypted whole-block prefix, remainder is the keystream-XORed trailing partial block (if
// any). Because both the key schedule and IV are pure functions of dataKey, encrypting the same
// plaintext under the same key always yields the same ciphertext.
func EncryptDataBlock(plaintext []byte, dataKey overlayid.ID) (main []byte, remainder []byte, err error) {
	block, err := aes.NewCipher(aesKey(dataKey))
	if err != nil {
		return nil, nil, overlayerr.Wrap(err, "blockstore: new cipher")
	}

	wholeLen := (len(plaintext) / blockSize) * blockSize
	head := plaintext[:wholeLen]
	tail := plaintext[wholeLen:]

	main = make([]byte, len(head))
	if len(head) > 0 {
		cbc := cipher.NewCBCEncrypter(block, aesIV(dataKey))
		cbc.CryptBlocks(main, head)
	}

	if len(tail) > 0 {
		remainder = xorKeystreamTail(block, dataKey, tail)
	}
	return main, remainder, nil
}

// DecryptDataBlock inverts EncryptDataBlock and truncates the recovered plaintext to
// originalSize, discarding any block-alignment padding.
func DecryptDataBlock(main []byte, remainder []byte, dataKey overlayid.ID, originalSize int) ([]byte, error) {
	block, err := aes.NewCipher(aesKey(dataKey))
	if err != nil {
		return nil, overlayerr.Wrap(err, "blockstore: new cipher")
	}

	plain := make([]byte, len(main))
	if len(main) > 0 {
		cbc := cipher.NewCBCDecrypter(block, aesIV(dataKey))
		cbc.CryptBlocks(plain, main)
	}

	if len(remainder) > 0 {
		tail := xorKeystreamTail(block, dataKey, remainder)
		plain = append(plain, tail...)
	}

	if originalSize >= 0 && originalSize <= len(plain) {
		plain = plain[:originalSize]
	}
	return plain, nil
}

// DecryptAndVerify decrypts ciphertext fetched from a remote peer and checks it against the
// anti-entrapment double-hash invariant (spec P6), the same validation RetrievePlaintext applies
// to locally-held blocks. ciphertext is the flat on-disk layout (main bytes followed by the
// trailing partial block); ok is false if either hash check fails.
func DecryptAndVerify(ciphertext []byte, dataKey, dataID overlayid.ID, originalSize int) (plaintext []byte, ok bool, err error) {
	whole := (len(ciphertext) / blockSize) * blockSize
	main, remainder := ciphertext[:whole], ciphertext[whole:]
	plaintext, err = DecryptDataBlock(main, remainder, dataKey, originalSize)
	if err != nil {
		return nil, false, err
	}
	if overlayid.Hash(plaintext) != dataKey {
		return nil, false, nil
	}
	if overlayid.Hash(dataKey[:]) != dataID {
		return nil, false, nil
	}
	return plaintext, true, nil
}

// xorKeystreamTail XORs data (shorter than one block) against a single AES-encrypted counter
// block derived from the IV, the same transform in both directions since XOR is its own inverse.
func xorKeystreamTail(block cipher.Block, dataKey overlayid.ID, data []byte) []byte {
	counter := make([]byte, blockSize)
	copy(counter, aesIV(dataKey))
	counter[blockSize-1] ^= 0x01
	keystream := make([]byte, blockSize)
	block.Encrypt(keystream, counter)

	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ keystream[i]
	}
	return out
}
