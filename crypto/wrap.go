package crypto

import (
	"tardis.dev/errors"
)

// ecbKeyWrapper wraps the filename/content working keys under the
// password-derived master key using AES-ECB, matching scheme 1's choice of
// primitive for filenames. A 32-byte working key wraps to three blocks (two
// key blocks plus one PKCS#7 padding block); see ecb.go.
type ecbKeyWrapper struct {
	master []byte
}

func (w *ecbKeyWrapper) Wrap(key []byte) ([]byte, error) {
	const op = "crypto.ecbKeyWrapper.Wrap"
	wrapped, err := ecbEncrypt(w.master, key)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return wrapped, nil
}

func (w *ecbKeyWrapper) Unwrap(wrapped []byte) ([]byte, error) {
	const op = "crypto.ecbKeyWrapper.Unwrap"
	key, err := ecbDecrypt(w.master, wrapped)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return key, nil
}

// sivKeyWrapper wraps working keys for schemes 2-4 using the same
// synthetic-IV construction as filename encryption, labeled separately so a
// wrapped key can never be replayed as a filename ciphertext or vice versa.
type sivKeyWrapper struct {
	macKey, encKey []byte
}

func (w *sivKeyWrapper) Wrap(key []byte) ([]byte, error) {
	const op = "crypto.sivKeyWrapper.Wrap"
	sealed, err := sivSeal(w.macKey, w.encKey, sivLabelKeyWrap, key)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return sealed, nil
}

func (w *sivKeyWrapper) Unwrap(sealed []byte) ([]byte, error) {
	const op = "crypto.sivKeyWrapper.Unwrap"
	key, err := sivOpen(w.macKey, w.encKey, sivLabelKeyWrap, sealed)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return key, nil
}
