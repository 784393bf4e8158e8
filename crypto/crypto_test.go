package crypto

import (
	"bytes"
	"testing"

	"tardis.dev/tardis"
)

// ivCodec is implemented by the block and AEAD content codecs so tests can
// carry the nonce/IV from encryptor to decryptor without widening the
// ContentCodec contract every caller has to satisfy.
type ivCodec interface {
	IV() []byte
	SetIV([]byte)
}

var allSchemes = []tardis.Scheme{
	tardis.SchemePlain,
	tardis.SchemeAESCBCEcbWrap,
	tardis.SchemeAESCBCSivWrap,
	tardis.SchemeAESGCMSiv,
	tardis.SchemeChaCha20SivWrap,
}

func testEnvelope(t *testing.T, s tardis.Scheme) *Envelope {
	t.Helper()
	master, err := DeriveMasterKey(s, "hunter2", tardis.ClientName("alice"))
	if err != nil {
		t.Fatal(err)
	}
	filenameKey, contentKey, err := GenerateWorkingKeys(bytes.NewReader(bytes.Repeat([]byte{0x42}, 64)), 32)
	if err != nil {
		t.Fatal(err)
	}
	env, err := NewEnvelope(s, master, filenameKey, contentKey)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func encryptAll(t *testing.T, env *Envelope, plaintext []byte) (ciphertext, iv, tag []byte) {
	t.Helper()
	enc, err := env.NewContentCodec(true)
	if err != nil {
		t.Fatal(err)
	}
	if ic, ok := enc.(ivCodec); ok {
		iv = append([]byte(nil), ic.IV()...)
	}
	enc.Update(iv)
	out, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext = append(ciphertext, out...)
	final, err := enc.Finish()
	if err != nil {
		t.Fatal(err)
	}
	ciphertext = append(ciphertext, final...)
	tag = enc.Digest()
	return ciphertext, iv, tag
}

func decryptAll(t *testing.T, env *Envelope, ciphertext, iv, tag []byte) []byte {
	t.Helper()
	dec, err := env.NewContentCodec(false)
	if err != nil {
		t.Fatal(err)
	}
	if ic, ok := dec.(ivCodec); ok {
		ic.SetIV(iv)
	}
	dec.Update(iv)
	var plaintext []byte
	out, err := dec.Decrypt(ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	plaintext = append(plaintext, out...)
	final, err := dec.Finish()
	if err != nil {
		t.Fatal(err)
	}
	plaintext = append(plaintext, final...)
	if err := dec.Verify(tag); err != nil {
		t.Fatal(err)
	}
	return plaintext
}

func TestContentRoundTripAllSchemes(t *testing.T) {
	plaintext := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)
	for _, s := range allSchemes {
		s := s
		t.Run(s.String(), func(t *testing.T) {
			env := testEnvelope(t, s)
			ct, iv, tag := encryptAll(t, env, plaintext)
			if s != tardis.SchemePlain && bytes.Equal(ct, plaintext) {
				t.Fatal("ciphertext equals plaintext")
			}
			pt := decryptAll(t, env, ct, iv, tag)
			if !bytes.Equal(pt, plaintext) {
				t.Fatalf("round trip mismatch: got %d bytes, want %d", len(pt), len(plaintext))
			}
		})
	}
}

func TestContentVerifyRejectsTamperedTag(t *testing.T) {
	for _, s := range allSchemes {
		if s == tardis.SchemePlain {
			continue // scheme 0 has no authentication tag to tamper with
		}
		s := s
		t.Run(s.String(), func(t *testing.T) {
			env := testEnvelope(t, s)
			ct, iv, tag := encryptAll(t, env, []byte("hello world"))
			bad := append([]byte(nil), tag...)
			bad[0] ^= 0xff

			dec, err := env.NewContentCodec(false)
			if err != nil {
				t.Fatal(err)
			}
			if ic, ok := dec.(ivCodec); ok {
				ic.SetIV(iv)
			}
			dec.Update(iv)
			if _, err := dec.Decrypt(ct); err != nil {
				t.Fatal(err)
			}
			if _, err := dec.Finish(); err != nil {
				t.Fatal(err)
			}
			if err := dec.Verify(bad); err == nil {
				t.Fatal("Verify accepted a tampered tag")
			}
		})
	}
}

func TestFilenameEncryptionDeterministicAndReversible(t *testing.T) {
	for _, s := range allSchemes {
		s := s
		t.Run(s.String(), func(t *testing.T) {
			env := testEnvelope(t, s)
			enc1, err := env.EncryptName("report.doc")
			if err != nil {
				t.Fatal(err)
			}
			enc2, err := env.EncryptName("report.doc")
			if err != nil {
				t.Fatal(err)
			}
			if enc1 != enc2 {
				t.Fatalf("EncryptName not deterministic: %q != %q", enc1, enc2)
			}
			if s != tardis.SchemePlain && enc1 == "report.doc" {
				t.Fatal("ciphertext name equals plaintext name")
			}
			dec, err := env.DecryptName(enc1)
			if err != nil {
				t.Fatal(err)
			}
			if dec != "report.doc" {
				t.Fatalf("DecryptName = %q, want report.doc", dec)
			}
		})
	}
}

func TestPathEncryptionPreservesStructure(t *testing.T) {
	env := testEnvelope(t, tardis.SchemeAESGCMSiv)
	p := tardis.Path("/home/jane/report.doc")
	enc, err := env.EncryptPath(p)
	if err != nil {
		t.Fatal(err)
	}
	if enc[0] != '/' {
		t.Fatalf("EncryptPath lost leading slash: %q", enc)
	}
	dec, err := env.DecryptPath(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec != p {
		t.Fatalf("DecryptPath = %q, want %q", dec, p)
	}
}

func TestKeyWrapRoundTripAllSchemes(t *testing.T) {
	for _, s := range allSchemes {
		s := s
		t.Run(s.String(), func(t *testing.T) {
			env := testEnvelope(t, s)
			key := bytes.Repeat([]byte{0x11}, 32)
			wrapped, err := env.WrapKey(key)
			if err != nil {
				t.Fatal(err)
			}
			if s != tardis.SchemePlain && bytes.Equal(wrapped, key) {
				t.Fatal("wrapped key equals plaintext key")
			}
			unwrapped, err := env.UnwrapKey(wrapped)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(unwrapped, key) {
				t.Fatal("UnwrapKey did not recover the original key")
			}
		})
	}
}

func TestSRPHandshakeSucceedsWithCorrectPassword(t *testing.T) {
	v, err := NewSRPVerifier("alice", "correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewSRPServer(v)
	if err != nil {
		t.Fatal(err)
	}
	cli, aPub, err := NewSRPClient("alice", "correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	salt, bPub, err := srv.Auth1(aPub)
	if err != nil {
		t.Fatal(err)
	}
	m1, err := cli.Auth1(salt, bPub)
	if err != nil {
		t.Fatal(err)
	}
	hamk, err := srv.Auth2(m1)
	if err != nil {
		t.Fatal(err)
	}
	if err := cli.Auth2(m1, hamk); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(srv.SessionKey(), cli.SessionKey()) {
		t.Fatal("client and server session keys differ")
	}
}

func TestSRPHandshakeFailsWithWrongPassword(t *testing.T) {
	v, err := NewSRPVerifier("alice", "correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewSRPServer(v)
	if err != nil {
		t.Fatal(err)
	}
	cli, aPub, err := NewSRPClient("alice", "wrong password")
	if err != nil {
		t.Fatal(err)
	}
	salt, bPub, err := srv.Auth1(aPub)
	if err != nil {
		t.Fatal(err)
	}
	m1, err := cli.Auth1(salt, bPub)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Auth2(m1); err == nil {
		t.Fatal("server accepted a proof derived from the wrong password")
	}
}

func TestDeriveMasterKeyDeterministic(t *testing.T) {
	k1, err := DeriveMasterKey(tardis.SchemeAESGCMSiv, "hunter2", "alice")
	if err != nil {
		t.Fatal(err)
	}
	k2, err := DeriveMasterKey(tardis.SchemeAESGCMSiv, "hunter2", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("DeriveMasterKey not deterministic for identical inputs")
	}
	k3, err := DeriveMasterKey(tardis.SchemeAESGCMSiv, "hunter2", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatal("DeriveMasterKey ignored the client-name salt")
	}
}
