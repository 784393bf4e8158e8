package crypto

import (
	"crypto/rand"
	"io"

	"tardis.dev/errors"
	"tardis.dev/tardis"
)

// ivLen is the length of the IV/nonce stored ahead of the ciphertext: the
// AES block size for the block-cipher schemes, the AEAD nonce size for the
// stream schemes.
func ivLen(env *Envelope) int {
	switch env.Scheme {
	case tardis.SchemeAESCBCEcbWrap, tardis.SchemeAESCBCSivWrap:
		return 16
	default:
		return 12
	}
}

// tagLen is the length of the authentication tag stored after the
// ciphertext: HMAC-SHA-512 for the block schemes, the composite running-tag
// digest for the AEAD stream schemes.
func tagLen(env *Envelope) int {
	switch env.Scheme {
	case tardis.SchemeAESCBCEcbWrap, tardis.SchemeAESCBCSivWrap:
		return 64
	default:
		return 32
	}
}

// EncryptBlob runs the envelope's content codec over a fully-buffered
// plaintext blob in one shot, returning [IV][ciphertext][tag] (spec §4.1's
// on-disk blob layout). Plaintext schemes (SchemePlain) pass bytes through
// unchanged.
func EncryptBlob(env *Envelope, plain []byte) ([]byte, error) {
	const op = "crypto.EncryptBlob"
	if env.Scheme == tardis.SchemePlain {
		return plain, nil
	}
	iv := make([]byte, ivLen(env))
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	enc, err := env.NewContentCodec(true)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if ic, ok := enc.(interface{ SetIV([]byte) }); ok {
		ic.SetIV(iv)
	}
	enc.Update(iv)
	cipher, err := enc.Encrypt(plain)
	if err != nil {
		return nil, errors.E(op, err)
	}
	final, err := enc.Finish()
	if err != nil {
		return nil, errors.E(op, err)
	}
	cipher = append(cipher, final...)
	tag := enc.Digest()

	out := make([]byte, 0, len(iv)+len(cipher)+len(tag))
	out = append(out, iv...)
	out = append(out, cipher...)
	out = append(out, tag...)
	return out, nil
}

// DecryptBlob is the inverse of EncryptBlob: it splits raw into its IV,
// ciphertext and tag, decrypts, and (if authenticate) verifies the tag
// before returning plaintext.
func DecryptBlob(env *Envelope, raw []byte, authenticate bool) ([]byte, error) {
	const op = "crypto.DecryptBlob"
	if env.Scheme == tardis.SchemePlain {
		return raw, nil
	}
	ivN, tagN := ivLen(env), tagLen(env)
	if len(raw) < ivN {
		return nil, errors.E(op, errors.Integrity, errors.Str("blob shorter than its IV"))
	}
	iv := raw[:ivN]
	body := raw[ivN:]
	if len(body) < tagN {
		return nil, errors.E(op, errors.Integrity, errors.Str("blob shorter than its tag"))
	}
	ciphertext := body[:len(body)-tagN]
	tag := body[len(body)-tagN:]

	dec, err := env.NewContentCodec(false)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if ic, ok := dec.(interface{ SetIV([]byte) }); ok {
		ic.SetIV(iv)
	}
	dec.Update(iv)
	plain, err := dec.Decrypt(ciphertext)
	if err != nil {
		return nil, errors.E(op, errors.Integrity, err)
	}
	final, err := dec.Finish()
	if err != nil {
		return nil, errors.E(op, errors.Integrity, err)
	}
	plain = append(plain, final...)
	if authenticate {
		if err := dec.Verify(tag); err != nil {
			return nil, errors.E(op, errors.Integrity, err)
		}
	}
	return plain, nil
}
