package crypto

import (
	"crypto/sha512"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"

	"tardis.dev/errors"
	"tardis.dev/tardis"
)

// masterKeyLen is the size of the derived wrapping key (AES-256).
const masterKeyLen = 32

// PBKDF2 parameters for scheme 1, matching the original implementation's
// fixed iteration count so databases created by either implementation
// derive the same key from the same password.
const pbkdf2Iterations = 20000

// scrypt parameters for schemes >= 2.
const (
	scryptN = 1 << 16
	scryptR = 8
	scryptP = 1
)

// DeriveMasterKey derives the 32-byte wrap key for scheme s from password,
// using the client name as salt (spec §4.1). Scheme 1 uses PBKDF2-SHA512;
// schemes 2-4 use scrypt with N=2^16, r=8, p=1.
func DeriveMasterKey(s tardis.Scheme, password string, client tardis.ClientName) ([]byte, error) {
	const op = "crypto.DeriveMasterKey"
	salt := []byte(client)
	switch s {
	case tardis.SchemePlain:
		return make([]byte, masterKeyLen), nil
	case tardis.SchemeAESCBCEcbWrap:
		return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, masterKeyLen, sha512.New), nil
	case tardis.SchemeAESCBCSivWrap, tardis.SchemeAESGCMSiv, tardis.SchemeChaCha20SivWrap:
		key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, masterKeyLen)
		if err != nil {
			return nil, errors.E(op, errors.IO, err)
		}
		return key, nil
	}
	return nil, errors.E(op, errors.Invalid, errors.Errorf("unsupported crypto scheme %v", s))
}
