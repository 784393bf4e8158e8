package walker

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tardis.dev/wire"
)

func TestDirectoryHashOrderIndependent(t *testing.T) {
	a := []hashChild{{"bbb", "1:2"}, {"aaa", "3:4"}, {"ccc", "5:6"}}
	b := []hashChild{{"ccc", "5:6"}, {"aaa", "3:4"}, {"bbb", "1:2"}}

	h1, err := directoryHash(a)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := directoryHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("directoryHash not order-independent: %q != %q", h1, h2)
	}

	changed := append(append([]hashChild(nil), a...), hashChild{"ddd", "7:8"})
	h3, err := directoryHash(changed)
	if err != nil {
		t.Fatal(err)
	}
	if h3 == h1 {
		t.Fatal("directoryHash did not change when a child was added")
	}
}

func TestRulesetExcludedLayers(t *testing.T) {
	r := &Ruleset{
		Global:        []string{"*.tmp"},
		RecursiveFile: ".rexclude",
		LocalFile:     ".lexclude",
		CVSDefaults:   true,
	}
	recursive := []string{"build"}
	local := []string{"secret.txt"}

	cases := []struct {
		name string
		want bool
	}{
		{"a.tmp", true},     // global
		{"build", true},     // recursive (pushed down)
		{"secret.txt", true}, // local (this directory only)
		{".rexclude", true}, // the pattern file itself is always excluded
		{"CVS", true},       // CVS default
		{"keep.go", false},
	}
	for _, c := range cases {
		if got := r.excluded(c.name, recursive, local); got != c.want {
			t.Errorf("excluded(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestHasValidCacheDirTag(t *testing.T) {
	dir := t.TempDir()
	if hasValidCacheDirTag(dir) {
		t.Fatal("empty directory reported as cache-tagged")
	}
	tag := "Signature: 8a477f597d28d172789f06886806bc55\nthis dir is a cache\n"
	if err := os.WriteFile(filepath.Join(dir, "CACHEDIR.TAG"), []byte(tag), 0644); err != nil {
		t.Fatal(err)
	}
	if !hasValidCacheDirTag(dir) {
		t.Fatal("valid CACHEDIR.TAG not recognized")
	}
}

func TestLoadPatternFileSkipsBlankAndComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exclude")
	content := "*.o\n\n# a comment\n*.so\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	got := loadPatternFile(path)
	want := []string{"*.o", "*.so"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("loadPatternFile = %v, want %v", got, want)
	}
	if loadPatternFile(filepath.Join(dir, "missing")) != nil {
		t.Fatal("missing pattern file should return nil, not error")
	}
}

// pipeConns returns a pair of wire.Conn over an in-memory net.Pipe, wired
// with the same encoding/compression the session package's own tests use.
func pipeConns(t *testing.T) (client, server *wire.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	var err error
	client, err = wire.NewConn(a, wire.EncodingMSGP, wire.CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	server, err = wire.NewConn(b, wire.EncodingMSGP, wire.CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	return client, server
}

func TestBatcherFlushesAtMaxSize(t *testing.T) {
	client, server := pipeConns(t)
	received := make(chan int, 1)
	go func() {
		msg, err := server.Recv()
		if err != nil {
			t.Error(err)
			return
		}
		batch, _ := msg["batch"].([]interface{})
		received <- len(batch)
		server.Send(wire.NewResponse(msg, "ACKBTCH", wire.Message{"responses": []wire.Message{}}))
	}()

	b := newBatcher(client, 3, time.Hour)
	if _, err := b.add(wire.NewMessage("DHSH", nil), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := b.add(wire.NewMessage("DHSH", nil), nil); err != nil {
		t.Fatal(err)
	}
	if !b.empty() {
		t.Fatal("batcher flushed before reaching maxSize")
	}
	if _, err := b.add(wire.NewMessage("DHSH", nil), nil); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-received:
		if n != 3 {
			t.Fatalf("batch size = %d, want 3", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush")
	}
	if !b.empty() {
		t.Fatal("batcher not empty after flush")
	}
}

func TestBatcherFlushesAtMaxWait(t *testing.T) {
	client, server := pipeConns(t)
	received := make(chan int, 1)
	go func() {
		msg, err := server.Recv()
		if err != nil {
			t.Error(err)
			return
		}
		batch, _ := msg["batch"].([]interface{})
		received <- len(batch)
		server.Send(wire.NewResponse(msg, "ACKBTCH", wire.Message{"responses": []wire.Message{}}))
	}()

	b := newBatcher(client, 100, 10*time.Millisecond)
	if _, err := b.add(wire.NewMessage("DHSH", nil), nil); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := b.add(wire.NewMessage("DHSH", nil), nil); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-received:
		if n != 2 {
			t.Fatalf("batch size = %d, want 2", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for time-triggered flush")
	}
}
