package crypto

import (
	"crypto/aes"

	"tardis.dev/errors"
)

// AES-ECB is not exposed by crypto/cipher (deliberately, as a generic mode
// it's unsafe for multi-block messages with repeating content) but scheme 1
// names it explicitly for filename encryption and key wrap. ecbEncrypt
// applies PKCS#7 padding (not zero padding), so an n-byte plaintext becomes
// n/16+1 blocks: a name of 15 bytes or fewer fits in one block, while longer
// names and 32-byte working keys span several blocks, each encrypted
// independently.

func ecbEncrypt(key, plaintext []byte) ([]byte, error) {
	const op = "crypto.ecbEncrypt"
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.E(op, err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}
	return out, nil
}

func ecbDecrypt(key, ciphertext []byte) ([]byte, error) {
	const op = "crypto.ecbDecrypt"
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.E(op, errors.Integrity, errors.Str("ciphertext not block-aligned"))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.E(op, err)
	}
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], ciphertext[i:i+aes.BlockSize])
	}
	unpadded, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return nil, errors.E(op, errors.Integrity, err)
	}
	return unpadded, nil
}
