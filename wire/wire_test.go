package wire

import (
	"net"
	"testing"
)

func pipeConns(t *testing.T, enc Encoding, comp Compression) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	ca, err := NewConn(a, enc, comp)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := NewConn(b, enc, comp)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ca.Close(); cb.Close() })
	return ca, cb
}

func TestSendRecvRoundTripAllCombinations(t *testing.T) {
	encs := []Encoding{EncodingJSON, EncodingMSGP, EncodingBSON}
	comps := []Compression{CompressionNone, CompressionZlib, CompressionZlibStream, CompressionSnappy}
	for _, enc := range encs {
		for _, comp := range comps {
			enc, comp := enc, comp
			t.Run(string(enc)+"/"+string(comp), func(t *testing.T) {
				t.Parallel()
				client, server := pipeConns(t, enc, comp)
				msg := NewMessage("BACKUP", Message{
					"host":    "example",
					"version": int64(3),
					"full":    true,
				})
				done := make(chan error, 1)
				go func() { done <- client.Send(msg) }()
				got, err := server.Recv()
				if err != nil {
					t.Fatal(err)
				}
				if err := <-done; err != nil {
					t.Fatal(err)
				}
				if got.Tag() != "BACKUP" {
					t.Fatalf("Tag() = %q, want BACKUP", got.Tag())
				}
				if got.MsgID() == 0 {
					t.Fatal("Send did not assign a msgid")
				}
				if got["host"] != "example" {
					t.Fatalf("host field = %v, want example", got["host"])
				}
			})
		}
	}
}

func TestZlibStreamMultipleMessagesInOrder(t *testing.T) {
	client, server := pipeConns(t, EncodingJSON, CompressionZlibStream)
	msgs := []string{"DIR", "DHSH", "SIG", "DONE"}
	go func() {
		for _, tag := range msgs {
			if err := client.Send(NewMessage(tag, nil)); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	for _, want := range msgs {
		got, err := server.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if got.Tag() != want {
			t.Fatalf("Tag() = %q, want %q", got.Tag(), want)
		}
	}
}

func TestNewResponseEchoesMsgID(t *testing.T) {
	req := NewMessage("BACKUP", nil)
	req[FieldMsgID] = int64(7)
	resp := NewResponse(req, "INIT", Message{"new": true})
	if resp.RespID() != 7 {
		t.Fatalf("RespID() = %d, want 7", resp.RespID())
	}
	if resp.Tag() != "INIT" {
		t.Fatalf("Tag() = %q, want INIT", resp.Tag())
	}
}
