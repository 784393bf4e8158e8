package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"tardis.dev/errors"
)

// splitKey derives n independent keys of size keyLen from secret using
// HKDF-SHA-256 with info distinguishing each output, grounded on the
// wrappedKey derivation in upspin's ee packer (pack/ee/ee.go), which uses
// the same primitive to turn one shared secret into a cipher key and an
// HMAC key.
func splitKey(secret []byte, keyLen int, infos ...string) ([][]byte, error) {
	const op = "crypto.splitKey"
	out := make([][]byte, len(infos))
	for i, info := range infos {
		r := hkdf.New(sha256.New, secret, nil, []byte(info))
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, errors.E(op, err)
		}
		out[i] = key
	}
	return out, nil
}
