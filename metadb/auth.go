package metadb

import (
	"encoding/base64"

	"tardis.dev/crypto"
	"tardis.dev/errors"
	"tardis.dev/tardis"
)

// SetKeys atomically records the SRP verifier and the wrapped working keys
// for this client, as issued by SETKEYS or client creation.
func (db *DB) SetKeys(salt, vkey, wrappedFilenameKey, wrappedContentKey []byte, scheme tardis.Scheme) error {
	const op = "metadb.SetKeys"
	kv := map[string]string{
		"SrpSalt":      base64.StdEncoding.EncodeToString(salt),
		"SrpVkey":      base64.StdEncoding.EncodeToString(vkey),
		"FilenameKey":  base64.StdEncoding.EncodeToString(wrappedFilenameKey),
		"ContentKey":   base64.StdEncoding.EncodeToString(wrappedContentKey),
		"CryptoScheme": scheme.String(),
	}
	tx, err := db.sqldb.Begin()
	if err != nil {
		return errors.E(op, errors.DB, err)
	}
	defer tx.Rollback()
	for k, v := range kv {
		if _, err := tx.Exec(
			`INSERT INTO config_entries(key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return errors.E(op, errors.DB, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.E(op, errors.DB, err)
	}
	return nil
}

// CryptoScheme returns the client's stored crypto scheme. A database
// without a CryptoScheme key (a legacy database, spec §9 Open Question) is
// reported as scheme 1 without being rewritten.
func (db *DB) CryptoScheme() (tardis.Scheme, error) {
	const op = "metadb.CryptoScheme"
	v, err := db.GetConfig("CryptoScheme")
	if errors.Match(errors.NotExist, err) {
		return tardis.SchemeAESCBCEcbWrap, nil
	}
	if err != nil {
		return 0, errors.E(op, err)
	}
	switch v {
	case "plain":
		return tardis.SchemePlain, nil
	case "aes-cbc-hmac/ecb":
		return tardis.SchemeAESCBCEcbWrap, nil
	case "aes-cbc-hmac/siv":
		return tardis.SchemeAESCBCSivWrap, nil
	case "aes-gcm/siv":
		return tardis.SchemeAESGCMSiv, nil
	case "chacha20poly1305/siv":
		return tardis.SchemeChaCha20SivWrap, nil
	}
	return 0, errors.E(op, errors.DB, errors.Errorf("unrecognized CryptoScheme %q", v))
}

// WrappedKeys returns the stored wrapped filename and content keys.
func (db *DB) WrappedKeys() (filenameKey, contentKey []byte, err error) {
	const op = "metadb.WrappedKeys"
	fk, err := db.GetConfig("FilenameKey")
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	ck, err := db.GetConfig("ContentKey")
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	filenameKey, err1 := base64.StdEncoding.DecodeString(fk)
	contentKey, err2 := base64.StdEncoding.DecodeString(ck)
	if err1 != nil {
		return nil, nil, errors.E(op, errors.DB, err1)
	}
	if err2 != nil {
		return nil, nil, errors.E(op, errors.DB, err2)
	}
	return filenameKey, contentKey, nil
}

// Authenticate1 begins an SRP handshake for name, given the client's
// ephemeral public value A (AUTH1{A}), and returns (salt, B) for
// AUTH1-OK{s,B}.
func (db *DB) Authenticate1(name tardis.ClientName, a []byte) (salt, bPub []byte, err error) {
	const op = "metadb.Authenticate1"
	saltB64, err := db.GetConfig("SrpSalt")
	if err != nil {
		return nil, nil, errors.E(op, errors.AuthFailed, err)
	}
	vkeyB64, err := db.GetConfig("SrpVkey")
	if err != nil {
		return nil, nil, errors.E(op, errors.AuthFailed, err)
	}
	saltBytes, e1 := base64.StdEncoding.DecodeString(saltB64)
	vkeyBytes, e2 := base64.StdEncoding.DecodeString(vkeyB64)
	if e1 != nil || e2 != nil {
		return nil, nil, errors.E(op, errors.DB, errors.Str("corrupt SRP material"))
	}
	srv, err := crypto.NewSRPServer(&crypto.SRPVerifier{Salt: saltBytes, Verifier: vkeyBytes})
	if err != nil {
		return nil, nil, errors.E(op, errors.AuthFailed, err)
	}
	salt, bPub, err = srv.Auth1(a)
	if err != nil {
		return nil, nil, errors.E(op, errors.AuthFailed, err)
	}
	db.mu.Lock()
	db.srpSrv = srv
	db.srpName = name
	db.mu.Unlock()
	return salt, bPub, nil
}

// Authenticate2 completes an SRP handshake begun by Authenticate1, given
// the client's proof M1 (AUTH2{M1}), and returns the server's proof HAMK
// for AUTH2-OK{HAMK}.
func (db *DB) Authenticate2(m1 []byte) (hamk []byte, err error) {
	const op = "metadb.Authenticate2"
	db.mu.Lock()
	srv := db.srpSrv
	db.mu.Unlock()
	if srv == nil {
		return nil, errors.E(op, errors.Protocol, errors.Str("AUTH2 without a preceding AUTH1"))
	}
	hamk, err = srv.Auth2(m1)
	if err != nil {
		return nil, errors.E(op, errors.AuthFailed, err)
	}
	return hamk, nil
}
