package crypto

import (
	"tardis.dev/errors"
	"tardis.dev/tardis"
)

func init() {
	register(tardis.SchemePlain, newPlainEnvelope)
	register(tardis.SchemeAESCBCEcbWrap, newScheme1Envelope)
	register(tardis.SchemeAESCBCSivWrap, newScheme2Envelope)
	register(tardis.SchemeAESGCMSiv, newScheme3Envelope)
	register(tardis.SchemeChaCha20SivWrap, newScheme4Envelope)
}

// identityFilenames implements FilenameCodec for scheme 0: names pass
// through unchanged, matching the original implementation's NullCrypto.
type identityFilenames struct{}

func (identityFilenames) EncryptName(name string) (string, error) { return name, nil }
func (identityFilenames) DecryptName(name string) (string, error) { return name, nil }
func (identityFilenames) EncryptPath(p tardis.Path) (tardis.Path, error) { return p, nil }
func (identityFilenames) DecryptPath(p tardis.Path) (tardis.Path, error) { return p, nil }

// identityWrapper stores working keys unencrypted for scheme 0.
type identityWrapper struct{}

func (identityWrapper) Wrap(key []byte) ([]byte, error)   { return append([]byte(nil), key...), nil }
func (identityWrapper) Unwrap(w []byte) ([]byte, error)   { return append([]byte(nil), w...), nil }

// plainContentCodec implements ContentCodec for scheme 0: the bytes move
// through unchanged and the digest is empty (nil), since there is nothing
// to authenticate when there is no encryption.
type plainContentCodec struct{}

func (plainContentCodec) Update([]byte)                      {}
func (plainContentCodec) Encrypt(chunk []byte) ([]byte, error) { return chunk, nil }
func (plainContentCodec) Decrypt(chunk []byte) ([]byte, error) { return chunk, nil }
func (plainContentCodec) Finish() ([]byte, error)             { return nil, nil }
func (plainContentCodec) Digest() []byte                      { return nil }
func (plainContentCodec) Verify([]byte) error                 { return nil }

func newPlainEnvelope(master, filenameKey, contentKey []byte) (*Envelope, error) {
	return &Envelope{
		Scheme:      tardis.SchemePlain,
		FilenameKey: filenameKey,
		ContentKey:  contentKey,
		newContent: func(key []byte, encrypt bool) (ContentCodec, error) {
			return plainContentCodec{}, nil
		},
		filenames: identityFilenames{},
		wrapper:   identityWrapper{},
	}, nil
}

// newScheme1Envelope builds the AES-256-CBC + HMAC-SHA-512 / AES-ECB
// filenames envelope (scheme 1).
func newScheme1Envelope(master, filenameKey, contentKey []byte) (*Envelope, error) {
	const op = "crypto.newScheme1Envelope"
	if len(master) != masterKeyLen {
		return nil, errors.E(op, errors.Invalid, errors.Str("master key wrong size"))
	}
	return &Envelope{
		Scheme:      tardis.SchemeAESCBCEcbWrap,
		FilenameKey: filenameKey,
		ContentKey:  contentKey,
		newContent: func(key []byte, encrypt bool) (ContentCodec, error) {
			sub, err := splitKey(key, 32, "tardis-content-enc", "tardis-content-mac")
			if err != nil {
				return nil, errors.E(op, err)
			}
			return newBlockCodec(sub[0], sub[1], encrypt)
		},
		filenames: &ecbFilenameCodec{key: filenameKey},
		wrapper:   &ecbKeyWrapper{master: master},
	}, nil
}

// newScheme2Envelope builds the AES-256-CBC + HMAC-SHA-512 content codec
// from scheme 1 paired with SIV filename encryption and key wrap (scheme 2).
func newScheme2Envelope(master, filenameKey, contentKey []byte) (*Envelope, error) {
	const op = "crypto.newScheme2Envelope"
	masterSub, err := splitKey(master, 32, "tardis-wrap-mac", "tardis-wrap-enc")
	if err != nil {
		return nil, errors.E(op, err)
	}
	nameSub, err := splitKey(filenameKey, 32, "tardis-name-mac", "tardis-name-enc")
	if err != nil {
		return nil, errors.E(op, err)
	}
	return &Envelope{
		Scheme:      tardis.SchemeAESCBCSivWrap,
		FilenameKey: filenameKey,
		ContentKey:  contentKey,
		newContent: func(key []byte, encrypt bool) (ContentCodec, error) {
			sub, err := splitKey(key, 32, "tardis-content-enc", "tardis-content-mac")
			if err != nil {
				return nil, errors.E(op, err)
			}
			return newBlockCodec(sub[0], sub[1], encrypt)
		},
		filenames: &sivFilenameCodec{macKey: nameSub[0], encKey: nameSub[1]},
		wrapper:   &sivKeyWrapper{macKey: masterSub[0], encKey: masterSub[1]},
	}, nil
}

// newScheme3Envelope builds the AES-256-GCM content codec paired with SIV
// filenames and key wrap (scheme 3).
func newScheme3Envelope(master, filenameKey, contentKey []byte) (*Envelope, error) {
	const op = "crypto.newScheme3Envelope"
	masterSub, err := splitKey(master, 32, "tardis-wrap-mac", "tardis-wrap-enc")
	if err != nil {
		return nil, errors.E(op, err)
	}
	nameSub, err := splitKey(filenameKey, 32, "tardis-name-mac", "tardis-name-enc")
	if err != nil {
		return nil, errors.E(op, err)
	}
	return &Envelope{
		Scheme:      tardis.SchemeAESGCMSiv,
		FilenameKey: filenameKey,
		ContentKey:  contentKey,
		newContent: func(key []byte, encrypt bool) (ContentCodec, error) {
			return newGCMStream(key, encrypt)
		},
		filenames: &sivFilenameCodec{macKey: nameSub[0], encKey: nameSub[1]},
		wrapper:   &sivKeyWrapper{macKey: masterSub[0], encKey: masterSub[1]},
	}, nil
}

// newScheme4Envelope builds the ChaCha20-Poly1305 content codec paired with
// SIV filenames and key wrap (scheme 4).
func newScheme4Envelope(master, filenameKey, contentKey []byte) (*Envelope, error) {
	const op = "crypto.newScheme4Envelope"
	masterSub, err := splitKey(master, 32, "tardis-wrap-mac", "tardis-wrap-enc")
	if err != nil {
		return nil, errors.E(op, err)
	}
	nameSub, err := splitKey(filenameKey, 32, "tardis-name-mac", "tardis-name-enc")
	if err != nil {
		return nil, errors.E(op, err)
	}
	return &Envelope{
		Scheme:      tardis.SchemeChaCha20SivWrap,
		FilenameKey: filenameKey,
		ContentKey:  contentKey,
		newContent: func(key []byte, encrypt bool) (ContentCodec, error) {
			return newChaChaStream(key, encrypt)
		},
		filenames: &sivFilenameCodec{macKey: nameSub[0], encKey: nameSub[1]},
		wrapper:   &sivKeyWrapper{macKey: masterSub[0], encKey: masterSub[1]},
	}, nil
}
