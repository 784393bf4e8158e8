// Package crypto implements the cryptographic envelope (C1): password-derived
// key hierarchy, streaming authenticated encryption of content, deterministic
// filename encryption, key wrapping, and SRP-based mutual authentication.
//
// The package is organized the way upspin.io/pack registers its packers: a
// small Codec interface, one implementation per scheme, and a registry keyed
// by tardis.Scheme so that session and store code never switch on the scheme
// number directly.
package crypto

import (
	"io"

	"tardis.dev/errors"
	"tardis.dev/tardis"
)

// ContentCodec is the streaming contract every content scheme implements.
// Implementations buffer trailing bytes internally so callers may push
// arbitrary chunk sizes; padding (where the scheme uses a block mode) is
// applied only in Finish.
type ContentCodec interface {
	// Update folds additional authenticated data (e.g. the nonce/IV) into
	// the running MAC before any Encrypt/Decrypt call.
	Update(aad []byte)

	// Encrypt consumes a chunk of plaintext and returns its ciphertext.
	// The returned slice aliases an internal buffer and is only valid
	// until the next call.
	Encrypt(chunk []byte) ([]byte, error)

	// Decrypt is the inverse of Encrypt.
	Decrypt(chunk []byte) ([]byte, error)

	// Finish flushes any buffered plaintext/ciphertext and returns the
	// final block, applying scheme-specific padding if needed.
	Finish() ([]byte, error)

	// Digest returns the deterministic authentication tag accumulated so
	// far. It may be called after Finish on an encryptor.
	Digest() []byte

	// Verify compares tag against Digest() and returns an errors.Integrity
	// error on a mismatch. Intended to be called after Finish on a decryptor.
	Verify(tag []byte) error
}

// FilenameCodec implements the deterministic filename/path encryption
// contract: equal plaintexts always produce equal ciphertexts under the
// same key, so directory lookup and dedup can operate on ciphertext alone.
type FilenameCodec interface {
	EncryptName(name string) (string, error)
	DecryptName(cipherB64 string) (string, error)
	EncryptPath(path tardis.Path) (tardis.Path, error)
	DecryptPath(path tardis.Path) (tardis.Path, error)
}

// KeyWrapper wraps and unwraps the two working keys (filename key, content
// key) under the password-derived master key.
type KeyWrapper interface {
	Wrap(key []byte) ([]byte, error)
	Unwrap(wrapped []byte) ([]byte, error)
}

// Envelope bundles everything a session needs for one client's crypto
// scheme: the content codec factory, the filename codec, and the key
// wrapper, all keyed by the two working keys generated once per client and
// stored wrapped in the metadata DB (see metadb.Config).
type Envelope struct {
	Scheme     tardis.Scheme
	FilenameKey []byte
	ContentKey  []byte

	newContent func(key []byte, encrypt bool) (ContentCodec, error)
	filenames  FilenameCodec
	wrapper    KeyWrapper
}

// NewContentCodec returns a fresh encryptor (encrypt=true) or decryptor
// (encrypt=false) bound to the envelope's content key.
func (e *Envelope) NewContentCodec(encrypt bool) (ContentCodec, error) {
	const op = "crypto.Envelope.NewContentCodec"
	if e.newContent == nil {
		return nil, errors.E(op, errors.Invalid, errors.Str("unregistered scheme"))
	}
	c, err := e.newContent(e.ContentKey, encrypt)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return c, nil
}

// EncryptName implements FilenameCodec by delegating to the scheme's
// filename codec.
func (e *Envelope) EncryptName(name string) (string, error) { return e.filenames.EncryptName(name) }

// DecryptName implements FilenameCodec by delegating to the scheme's
// filename codec.
func (e *Envelope) DecryptName(c string) (string, error) { return e.filenames.DecryptName(c) }

// EncryptPath preserves the separator and root marker: /a/b -> /E(a)/E(b).
func (e *Envelope) EncryptPath(p tardis.Path) (tardis.Path, error) { return e.filenames.EncryptPath(p) }

// DecryptPath is the inverse of EncryptPath.
func (e *Envelope) DecryptPath(p tardis.Path) (tardis.Path, error) { return e.filenames.DecryptPath(p) }

// WrapKey wraps a working key under the envelope's master key for storage
// in the metadata DB.
func (e *Envelope) WrapKey(key []byte) ([]byte, error) { return e.wrapper.Wrap(key) }

// UnwrapKey is the inverse of WrapKey.
func (e *Envelope) UnwrapKey(wrapped []byte) ([]byte, error) { return e.wrapper.Unwrap(wrapped) }

// schemeFactory builds an Envelope for a scheme given the password-derived
// master key and the two (unwrapped) working keys.
type schemeFactory func(master, filenameKey, contentKey []byte) (*Envelope, error)

var registry = map[tardis.Scheme]schemeFactory{}

// register is called from each scheme's init function, mirroring
// pack.Register in the teacher.
func register(s tardis.Scheme, f schemeFactory) {
	if _, dup := registry[s]; dup {
		panic("crypto: scheme registered twice: " + s.String())
	}
	registry[s] = f
}

// NewEnvelope builds the Envelope for scheme using the password-derived
// master key and the two stored-but-unwrapped working keys.
func NewEnvelope(s tardis.Scheme, master, filenameKey, contentKey []byte) (*Envelope, error) {
	const op = "crypto.NewEnvelope"
	f, ok := registry[s]
	if !ok {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("unsupported crypto scheme %v", s))
	}
	e, err := f(master, filenameKey, contentKey)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return e, nil
}

// GenerateWorkingKeys creates fresh, random filename and content keys, done
// once per client at creation time (spec §4.1: "Two random working keys...
// are generated once and stored wrapped in C4").
func GenerateWorkingKeys(rnd io.Reader, keyLen int) (filenameKey, contentKey []byte, err error) {
	filenameKey = make([]byte, keyLen)
	contentKey = make([]byte, keyLen)
	if _, err = io.ReadFull(rnd, filenameKey); err != nil {
		return nil, nil, err
	}
	if _, err = io.ReadFull(rnd, contentKey); err != nil {
		return nil, nil, err
	}
	return filenameKey, contentKey, nil
}
