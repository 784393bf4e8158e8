package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"tardis.dev/errors"
)

// frameSize bounds how much plaintext is sealed under one AEAD nonce. Chunks
// pushed through Encrypt/Decrypt are reframed to this size internally so the
// caller can use any chunk size it likes.
const frameSize = 64 * 1024

// aeadStream implements ContentCodec for schemes 3 (AES-256-GCM) and 4
// (ChaCha20-Poly1305), reframing the byte stream into fixed-size frames each
// sealed under its own nonce (base nonce XOR big-endian frame counter), the
// way age's streaming format derives per-chunk nonces from a running
// counter. Digest/Verify track a running hash of the per-frame tags so the
// codec exposes the same composite-tag contract as the block scheme, even
// though each frame is already self-authenticating.
type aeadStream struct {
	aead      cipher.AEAD
	encrypt   bool
	base      []byte
	counter   uint64
	aad       []byte
	in        []byte
	digest    hash.Hash
	finished  bool
}

func newGCMStream(key []byte, encrypt bool) (ContentCodec, error) {
	const op = "crypto.newGCMStream"
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.E(op, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return newAEADStream(aead, encrypt)
}

func newChaChaStream(key []byte, encrypt bool) (ContentCodec, error) {
	const op = "crypto.newChaChaStream"
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return newAEADStream(aead, encrypt)
}

func newAEADStream(aead cipher.AEAD, encrypt bool) (*aeadStream, error) {
	const op = "crypto.newAEADStream"
	base := make([]byte, aead.NonceSize())
	if encrypt {
		if _, err := io.ReadFull(rand.Reader, base); err != nil {
			return nil, errors.E(op, errors.IO, err)
		}
	}
	return &aeadStream{
		aead:    aead,
		encrypt: encrypt,
		base:    base,
		digest:  sha256.New(),
	}, nil
}

// IV returns the stream's base nonce, to be carried alongside the ciphertext
// so the reader can reconstruct per-frame nonces.
func (s *aeadStream) IV() []byte { return s.base }

// SetIV installs the base nonce read from the ciphertext stream.
func (s *aeadStream) SetIV(base []byte) { copy(s.base, base) }

func (s *aeadStream) Update(aad []byte) {
	s.aad = append(s.aad, aad...)
}

func (s *aeadStream) frameNonce() []byte {
	nonce := make([]byte, len(s.base))
	copy(nonce, s.base)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], s.counter)
	for i := 0; i < 8 && i < len(nonce); i++ {
		nonce[len(nonce)-8+i] ^= ctr[i]
	}
	s.counter++
	return nonce
}

func (s *aeadStream) Encrypt(chunk []byte) ([]byte, error) {
	s.in = append(s.in, chunk...)
	var out []byte
	for len(s.in) > frameSize {
		frame := s.in[:frameSize]
		out = append(out, s.sealFrame(frame)...)
		s.in = append(s.in[:0], s.in[frameSize:]...)
	}
	return out, nil
}

func (s *aeadStream) sealFrame(frame []byte) []byte {
	nonce := s.frameNonce()
	sealed := s.aead.Seal(nil, nonce, frame, s.aad)
	s.digest.Write(sealed[len(sealed)-s.aead.Overhead():])
	return sealed
}

func (s *aeadStream) Decrypt(chunk []byte) ([]byte, error) {
	const op = "crypto.aeadStream.Decrypt"
	s.in = append(s.in, chunk...)
	sealedFrame := frameSize + s.aead.Overhead()
	var out []byte
	for len(s.in) > sealedFrame {
		frame := s.in[:sealedFrame]
		plain, err := s.openFrame(frame)
		if err != nil {
			return nil, errors.E(op, err)
		}
		out = append(out, plain...)
		s.in = append(s.in[:0], s.in[sealedFrame:]...)
	}
	return out, nil
}

func (s *aeadStream) openFrame(sealed []byte) ([]byte, error) {
	const op = "crypto.aeadStream.openFrame"
	nonce := s.frameNonce()
	s.digest.Write(sealed[len(sealed)-s.aead.Overhead():])
	plain, err := s.aead.Open(nil, nonce, sealed, s.aad)
	if err != nil {
		return nil, errors.E(op, errors.Integrity, err)
	}
	return plain, nil
}

func (s *aeadStream) Finish() ([]byte, error) {
	const op = "crypto.aeadStream.Finish"
	if s.finished {
		return nil, nil
	}
	s.finished = true
	if s.encrypt {
		return s.sealFrame(s.in), nil
	}
	if len(s.in) == 0 {
		return nil, nil
	}
	plain, err := s.openFrame(s.in)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return plain, nil
}

func (s *aeadStream) Digest() []byte {
	return s.digest.Sum(nil)
}

func (s *aeadStream) Verify(tag []byte) error {
	const op = "crypto.aeadStream.Verify"
	sum := s.Digest()
	if len(sum) != len(tag) {
		return errors.E(op, errors.Integrity, errors.Str("tag length mismatch"))
	}
	for i := range sum {
		if sum[i] != tag[i] {
			return errors.E(op, errors.Integrity, errors.Str("composite tag does not verify"))
		}
	}
	return nil
}
