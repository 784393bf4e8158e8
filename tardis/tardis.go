// Package tardis defines the core types shared across the backup engine:
// client identity, encrypted path names, content addresses, and the crypto
// scheme enumeration. Packages that need these types import this one instead
// of redeclaring them, mirroring how upspin.io's root package anchors its
// satellite packages.
package tardis

import "fmt"

// ClientName identifies the machine (and its metadata database) that a
// backup session belongs to. It is opaque to the server beyond being a
// lookup key: "laptop", "db-host-01", etc.
type ClientName string

// Path is a slash-separated, possibly filename-encrypted path as exchanged
// on the wire (see crypto.EncryptPath). The root marker and separator are
// always the literal "/".
type Path string

// Checksum is the hex-encoded content address of a blob in the store. It is
// also the on-disk filename of the blob (see store.Store).
type Checksum string

// String makes Checksum satisfy fmt.Stringer so it prints without quotes in
// log output.
func (c Checksum) String() string { return string(c) }

// Scheme selects the crypto envelope used for a client's content, filenames,
// and key wrapping. Stored per-client in the metadata database's Config
// table under the CryptoScheme key.
type Scheme int

// The five supported crypto schemes, per the envelope contract.
const (
	SchemePlain Scheme = iota
	SchemeAESCBCEcbWrap
	SchemeAESCBCSivWrap
	SchemeAESGCMSiv
	SchemeChaCha20SivWrap
)

func (s Scheme) String() string {
	switch s {
	case SchemePlain:
		return "plain"
	case SchemeAESCBCEcbWrap:
		return "aes-cbc-hmac/ecb"
	case SchemeAESCBCSivWrap:
		return "aes-cbc-hmac/siv"
	case SchemeAESGCMSiv:
		return "aes-gcm/siv"
	case SchemeChaCha20SivWrap:
		return "chacha20poly1305/siv"
	}
	return fmt.Sprintf("scheme(%d)", int(s))
}

// MaxChainDefault is the default bound on delta chain length (spec C4
// invariant: chain_length(c) <= MaxChain). Overridable per client via the
// Config table's MaxDeltaChain key.
const MaxChainDefault = 20

// PlaceholderSize is the sentinel Checksum-record size meaning "reserved,
// not yet backed by bytes" (spec Data Model, Invariants).
const PlaceholderSize = -1

// SetID totally orders backup sets for one client.
type SetID int64

// InodeKey identifies a physical file on the client by (device, inode),
// the key File Version rows and Checksum/clone lookups are keyed on.
type InodeKey struct {
	Device uint64
	Inode  uint64
}

func (k InodeKey) String() string {
	return fmt.Sprintf("%d:%d", k.Device, k.Inode)
}
