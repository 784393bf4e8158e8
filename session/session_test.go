package session

import (
	"bytes"
	cryptorand "crypto/rand"
	"net"
	"path/filepath"
	"testing"

	"tardis.dev/config"
	"tardis.dev/crypto"
	"tardis.dev/metadb"
	"tardis.dev/store"
	"tardis.dev/tardis"
	"tardis.dev/wire"
)

// testServer wires one client's metadb/store pair behind a session.Server,
// sufficient for a single connection's lifetime.
func testServer(t *testing.T) *Server {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "client.db")
	storeRoot := t.TempDir()
	return &Server{
		OpenDB: func(client tardis.ClientName) (*metadb.DB, error) {
			return metadb.Open(dbPath, client)
		},
		OpenStore: func(client tardis.ClientName) (*store.Store, error) {
			return store.New(storeRoot)
		},
		Defaults: config.Default(),
	}
}

func runSession(srv *Server, conn net.Conn) chan error {
	done := make(chan error, 1)
	go func() {
		c, err := wire.NewConn(conn, wire.EncodingMSGP, wire.CompressionNone)
		if err != nil {
			done <- err
			return
		}
		done <- New(srv, c).Run()
	}()
	return done
}

func TestSessionRejectsNonBackupFirstMessage(t *testing.T) {
	srv := testServer(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	done := runSession(srv, a)

	client, err := wire.NewConn(b, wire.EncodingMSGP, wire.CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Send(wire.NewMessage("DIR", nil)); err != nil {
		t.Fatal(err)
	}
	resp, err := client.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status() != wire.StatusFail {
		t.Fatalf("status = %q, want FAIL", resp.Status())
	}
	<-done
}

// TestSessionFullLifecycle drives BACKUP through SETKEYS/AUTH1/AUTH2, one
// small new file over DIR/CON, and DONE, exercising the plain-scheme (0)
// path end to end.
func TestSessionFullLifecycle(t *testing.T) {
	srv := testServer(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	done := runSession(srv, a)

	client, err := wire.NewConn(b, wire.EncodingMSGP, wire.CompressionNone)
	if err != nil {
		t.Fatal(err)
	}

	const clientName = tardis.ClientName("testclient")
	const password = "hunter2"

	send := func(tag string, fields wire.Message) wire.Message {
		t.Helper()
		if err := client.Send(wire.NewMessage(tag, fields)); err != nil {
			t.Fatalf("send %s: %v", tag, err)
		}
		resp, err := client.Recv()
		if err != nil {
			t.Fatalf("recv after %s: %v", tag, err)
		}
		if resp.Status() == wire.StatusFail {
			t.Fatalf("%s failed: %v", tag, resp[wire.FieldError])
		}
		return resp
	}

	resp := send("BACKUP", wire.Message{"host": string(clientName), "full": true, "create": true})
	if resp.Tag() != "NEEDKEYS" {
		t.Fatalf("Tag() = %q, want NEEDKEYS", resp.Tag())
	}

	verifier, err := crypto.NewSRPVerifier(clientName, password)
	if err != nil {
		t.Fatal(err)
	}
	resp = send("SETKEYS", wire.Message{
		"cryptoScheme": int64(tardis.SchemePlain),
		"fkey":         "",
		"ckey":         "",
		"salt":         string(verifier.Salt),
		"vkey":         string(verifier.Verifier),
	})
	if resp.Tag() != "ACKSETKEYS" {
		t.Fatalf("Tag() = %q, want ACKSETKEYS", resp.Tag())
	}

	srpClient, aPub, err := crypto.NewSRPClient(clientName, password)
	if err != nil {
		t.Fatal(err)
	}
	resp = send("AUTH1", wire.Message{"A": string(aPub)})
	if resp.Tag() != "AUTH1-OK" {
		t.Fatalf("Tag() = %q, want AUTH1-OK", resp.Tag())
	}
	salt := []byte(toString(resp["s"]))
	bPub := []byte(toString(resp["B"]))
	m1, err := srpClient.Auth1(salt, bPub)
	if err != nil {
		t.Fatalf("client Auth1: %v", err)
	}
	resp = send("AUTH2", wire.Message{"M1": string(m1)})
	if resp.Tag() != "INIT" {
		t.Fatalf("Tag() = %q, want INIT", resp.Tag())
	}
	hamk := []byte(toString(resp["HAMK"]))
	if err := srpClient.Auth2(m1, hamk); err != nil {
		t.Fatalf("client Auth2: %v", err)
	}

	resp = send("DIR", wire.Message{
		"inode": map[string]interface{}{"inode": int64(0), "device": int64(0)},
		"files": []interface{}{
			map[string]interface{}{
				"name": "Zm9v", "inode": int64(10), "device": int64(1),
				"nlinks": int64(1), "size": int64(5), "mtime": int64(1000),
			},
		},
		"last": true,
	})
	if resp.Tag() != "ACKDIR" {
		t.Fatalf("Tag() = %q, want ACKDIR", resp.Tag())
	}
	contentList, _ := resp["content"].([]interface{})
	if len(contentList) != 1 || contentList[0] != "Zm9v" {
		t.Fatalf("ACKDIR.content = %v, want [Zm9v]", resp["content"])
	}

	if err := client.Send(wire.NewMessage("CON", wire.Message{
		"checksum":  "",
		"encrypted": false,
		"inode":     map[string]interface{}{"inode": int64(10), "device": int64(1)},
	})); err != nil {
		t.Fatal(err)
	}
	if _, err := client.SendBulk(bytes.NewReader([]byte("hello"))); err != nil {
		t.Fatal(err)
	}

	resp = send("DONE", nil)
	if resp.Tag() != "ACKDONE" {
		t.Fatalf("Tag() = %q, want ACKDONE", resp.Tag())
	}

	if err := <-done; err != nil {
		t.Fatalf("session.Run: %v", err)
	}
}

// TestSessionEncryptedKeyRoundTrip drives an encrypted-scheme BACKUP/create
// through SETKEYS and the full SRP transcript, then checks that the INIT
// reply's wrapped filenameKey/contentKey unwrap back to the exact working
// keys the client generated — the round trip that used to be broken when
// the server tried to build its own envelope directly from the wrapped
// bytes instead of handing them back untouched.
func TestSessionEncryptedKeyRoundTrip(t *testing.T) {
	srv := testServer(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	done := runSession(srv, a)

	client, err := wire.NewConn(b, wire.EncodingMSGP, wire.CompressionNone)
	if err != nil {
		t.Fatal(err)
	}

	const clientName = tardis.ClientName("enclient")
	const password = "correct horse battery staple"
	const scheme = tardis.SchemeAESGCMSiv

	send := func(tag string, fields wire.Message) wire.Message {
		t.Helper()
		if err := client.Send(wire.NewMessage(tag, fields)); err != nil {
			t.Fatalf("send %s: %v", tag, err)
		}
		resp, err := client.Recv()
		if err != nil {
			t.Fatalf("recv after %s: %v", tag, err)
		}
		if resp.Status() == wire.StatusFail {
			t.Fatalf("%s failed: %v", tag, resp[wire.FieldError])
		}
		return resp
	}

	resp := send("BACKUP", wire.Message{"host": string(clientName), "full": true, "create": true})
	if resp.Tag() != "NEEDKEYS" {
		t.Fatalf("Tag() = %q, want NEEDKEYS", resp.Tag())
	}

	master, err := crypto.DeriveMasterKey(scheme, password, clientName)
	if err != nil {
		t.Fatal(err)
	}
	filenameKey, contentKey, err := crypto.GenerateWorkingKeys(cryptorand.Reader, 32)
	if err != nil {
		t.Fatal(err)
	}
	env, err := crypto.NewEnvelope(scheme, master, filenameKey, contentKey)
	if err != nil {
		t.Fatal(err)
	}
	wrappedFkey, err := env.WrapKey(filenameKey)
	if err != nil {
		t.Fatal(err)
	}
	wrappedCkey, err := env.WrapKey(contentKey)
	if err != nil {
		t.Fatal(err)
	}

	verifier, err := crypto.NewSRPVerifier(clientName, password)
	if err != nil {
		t.Fatal(err)
	}
	resp = send("SETKEYS", wire.Message{
		"cryptoScheme": int64(scheme),
		"fkey":         string(wrappedFkey),
		"ckey":         string(wrappedCkey),
		"salt":         string(verifier.Salt),
		"vkey":         string(verifier.Verifier),
	})
	if resp.Tag() != "ACKSETKEYS" {
		t.Fatalf("Tag() = %q, want ACKSETKEYS", resp.Tag())
	}

	srpClient, aPub, err := crypto.NewSRPClient(clientName, password)
	if err != nil {
		t.Fatal(err)
	}
	resp = send("AUTH1", wire.Message{"A": string(aPub)})
	if resp.Tag() != "AUTH1-OK" {
		t.Fatalf("Tag() = %q, want AUTH1-OK", resp.Tag())
	}
	salt := []byte(toString(resp["s"]))
	bPub := []byte(toString(resp["B"]))
	m1, err := srpClient.Auth1(salt, bPub)
	if err != nil {
		t.Fatalf("client Auth1: %v", err)
	}
	resp = send("AUTH2", wire.Message{"M1": string(m1)})
	if resp.Tag() != "INIT" {
		t.Fatalf("Tag() = %q, want INIT", resp.Tag())
	}
	hamk := []byte(toString(resp["HAMK"]))
	if err := srpClient.Auth2(m1, hamk); err != nil {
		t.Fatalf("client Auth2: %v", err)
	}

	gotWfk := []byte(toString(resp["filenameKey"]))
	gotWck := []byte(toString(resp["contentKey"]))
	unwrappedFkey, err := env.UnwrapKey(gotWfk)
	if err != nil {
		t.Fatalf("UnwrapKey(filenameKey): %v", err)
	}
	unwrappedCkey, err := env.UnwrapKey(gotWck)
	if err != nil {
		t.Fatalf("UnwrapKey(contentKey): %v", err)
	}
	if !bytes.Equal(unwrappedFkey, filenameKey) {
		t.Fatalf("unwrapped filenameKey mismatch")
	}
	if !bytes.Equal(unwrappedCkey, contentKey) {
		t.Fatalf("unwrapped contentKey mismatch")
	}

	resp = send("DONE", nil)
	if resp.Tag() != "ACKDONE" {
		t.Fatalf("Tag() = %q, want ACKDONE", resp.Tag())
	}
	if err := <-done; err != nil {
		t.Fatalf("session.Run: %v", err)
	}
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}
