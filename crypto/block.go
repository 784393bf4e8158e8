package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"hash"
	"io"

	"tardis.dev/errors"
)

// blockEncryptor implements ContentCodec for schemes 1 and 2: AES-256-CBC
// for confidentiality, HMAC-SHA-512 over the ciphertext for integrity
// (encrypt-then-MAC), grounded on the HasherMixin/BlockEncryptor split in
// the original implementation's crypto module: hashing is composition over
// a block codec, not inheritance (spec §9 design note).
type blockEncryptor struct {
	block   cipher.Block
	mode    cipher.BlockMode
	mac     hash.Hash
	encrypt bool
	pending []byte // bytes not yet forming a full block
	blkSize int
	iv      []byte
	done    bool
}

// newBlockCodec builds an encryptor (encrypt=true) or decryptor bound to
// key, generating (or, for decrypt, expecting the caller to supply via
// SetIV) a fresh random IV.
func newBlockCodec(key []byte, macKey []byte, encrypt bool) (*blockEncryptor, error) {
	const op = "crypto.newBlockCodec"
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.E(op, err)
	}
	iv := make([]byte, aes.BlockSize)
	if encrypt {
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return nil, errors.E(op, errors.IO, err)
		}
	}
	var mode cipher.BlockMode
	if encrypt {
		mode = cipher.NewCBCEncrypter(block, iv)
	} else {
		mode = cipher.NewCBCDecrypter(block, iv)
	}
	return &blockEncryptor{
		block:   block,
		mode:    mode,
		mac:     hmac.New(sha512.New, macKey),
		encrypt: encrypt,
		blkSize: aes.BlockSize,
		iv:      iv,
	}, nil
}

// IV returns the (freshly generated, on encrypt) initialization vector so
// the caller can prepend it to the ciphertext stream.
func (b *blockEncryptor) IV() []byte { return b.iv }

// SetIV installs the IV read from the ciphertext stream before decrypting;
// callers must call this before any Decrypt call.
func (b *blockEncryptor) SetIV(iv []byte) {
	copy(b.iv, iv)
	// The CBC mode keeps its own copy of the IV, so rebuild it.
	if b.encrypt {
		b.mode = cipher.NewCBCEncrypter(b.block, b.iv)
	} else {
		b.mode = cipher.NewCBCDecrypter(b.block, b.iv)
	}
}

func (b *blockEncryptor) Update(aad []byte) {
	// The nonce/IV is included as AAD per the content-encryption contract.
	b.mac.Write(aad)
}

func (b *blockEncryptor) Encrypt(chunk []byte) ([]byte, error) {
	b.pending = append(b.pending, chunk...)
	n := (len(b.pending) / b.blkSize) * b.blkSize
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	b.mode.CryptBlocks(out, b.pending[:n])
	b.mac.Write(out)
	b.pending = append(b.pending[:0], b.pending[n:]...)
	return out, nil
}

func (b *blockEncryptor) Decrypt(chunk []byte) ([]byte, error) {
	b.mac.Write(chunk)
	b.pending = append(b.pending, chunk...)
	// Keep at least one block buffered: on decrypt we can't tell which
	// block is the padded final block until Finish, so emit all but the
	// trailing block.
	keep := b.blkSize
	if len(b.pending) <= keep {
		return nil, nil
	}
	n := ((len(b.pending) - keep) / b.blkSize) * b.blkSize
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	b.mode.CryptBlocks(out, b.pending[:n])
	b.pending = append(b.pending[:0], b.pending[n:]...)
	return out, nil
}

func (b *blockEncryptor) Finish() ([]byte, error) {
	const op = "crypto.blockEncryptor.Finish"
	if b.done {
		return nil, nil
	}
	b.done = true
	if b.encrypt {
		padded := pkcs7Pad(b.pending, b.blkSize)
		out := make([]byte, len(padded))
		b.mode.CryptBlocks(out, padded)
		b.mac.Write(out)
		return out, nil
	}
	if len(b.pending)%b.blkSize != 0 {
		return nil, errors.E(op, errors.Invalid, errors.Str("ciphertext not block-aligned"))
	}
	out := make([]byte, len(b.pending))
	b.mode.CryptBlocks(out, b.pending)
	unpadded, err := pkcs7Unpad(out, b.blkSize)
	if err != nil {
		return nil, errors.E(op, errors.Integrity, err)
	}
	return unpadded, nil
}

func (b *blockEncryptor) Digest() []byte {
	return b.mac.Sum(nil)
}

func (b *blockEncryptor) Verify(tag []byte) error {
	const op = "crypto.blockEncryptor.Verify"
	if !hmac.Equal(b.Digest(), tag) {
		return errors.E(op, errors.Integrity, errors.Str("MAC does not verify"))
	}
	return nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.Str("invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.Str("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.Str("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
