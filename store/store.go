// Package store implements the content-addressed blob store (C2): blobs are
// sharded on disk by the leading hex of their checksum, written atomically
// via temp-file-plus-rename, and carry two sidecars: a JSON metadata record
// and the raw cached signature. It is grounded on the write path of the
// teacher's store/server and store/filesystem packages, adapted from a
// single flat GCS-style bucket to a two-level local shard tree.
package store

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"tardis.dev/errors"
	"tardis.dev/tardis"
)

// Meta is the JSON sidecar recorded alongside every blob (spec §4.2).
type Meta struct {
	Size       int64           `json:"size"`
	DiskSize   int64           `json:"diskSize"`
	Basis      tardis.Checksum `json:"basis,omitempty"`
	Compressed bool            `json:"compressed,omitempty"`
	Encrypted  bool            `json:"encrypted,omitempty"`
}

// Store is a client's blob store rooted at <base>/<client>/.
type Store struct {
	root string

	mu      sync.Mutex
	writing map[tardis.Checksum]chan struct{}
}

// New opens (creating if necessary) the blob store rooted at root. The
// caller passes the already-joined <base>/<client> path.
func New(root string) (*Store, error) {
	const op = "store.New"
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0700); err != nil {
		return nil, errors.E(op, errors.Storage, err)
	}
	return &Store{root: root, writing: make(map[tardis.Checksum]chan struct{})}, nil
}

// shardPath returns the on-disk path of the blob for ck, creating its two
// hex-prefix shard directories does not happen here; callers that write
// must mkdir explicitly.
func (s *Store) shardPath(ck tardis.Checksum) (dir, path string) {
	h := string(ck)
	for len(h) < 4 {
		h += "0"
	}
	dir = filepath.Join(s.root, h[0:2], h[2:4])
	path = filepath.Join(dir, string(ck))
	return dir, path
}

func (s *Store) metaPath(ck tardis.Checksum) string {
	_, p := s.shardPath(ck)
	return p + ".meta"
}

func (s *Store) sigPath(ck tardis.Checksum) string {
	_, p := s.shardPath(ck)
	return p + ".sig"
}

// Exists reports whether a blob for ck has been fully written.
func (s *Store) Exists(ck tardis.Checksum) bool {
	_, p := s.shardPath(ck)
	_, err := os.Stat(p)
	return err == nil
}

// beginWrite claims the exclusive-writer slot for ck. If another goroutine
// is already writing ck, beginWrite blocks until that write finishes and
// returns ok=false, meaning the caller should treat the blob as already
// written (duplicate writes collapse; the first writer wins).
func (s *Store) beginWrite(ck tardis.Checksum) (ok bool, wait func()) {
	s.mu.Lock()
	if done, already := s.writing[ck]; already {
		s.mu.Unlock()
		return false, func() { <-done }
	}
	done := make(chan struct{})
	s.writing[ck] = done
	s.mu.Unlock()
	return true, nil
}

func (s *Store) endWrite(ck tardis.Checksum) {
	s.mu.Lock()
	done, ok := s.writing[ck]
	delete(s.writing, ck)
	s.mu.Unlock()
	if ok {
		close(done)
	}
}

// Put writes the bytes read from r as the blob for ck, atomically via a
// temp file plus rename, and returns the number of bytes written. If
// another writer already holds ck (or has already finished it) Put waits
// for that writer and returns the size of the file it produced, draining
// and discarding r: duplicate writes collapse and the first writer wins
// (spec §4.2).
func (s *Store) Put(ck tardis.Checksum, r io.Reader) (int64, error) {
	const op = "store.Put"
	ok, wait := s.beginWrite(ck)
	if !ok {
		wait()
		io.Copy(io.Discard, r)
		if fi, err := os.Stat(s.mustPath(ck)); err == nil {
			return fi.Size(), nil
		}
		return 0, errors.E(op, errors.Storage, errors.Str("concurrent writer left no blob"))
	}
	defer s.endWrite(ck)
	if fi, err := os.Stat(s.mustPath(ck)); err == nil {
		io.Copy(io.Discard, r)
		return fi.Size(), nil
	}

	dir, path := s.shardPath(ck)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return 0, errors.E(op, tardis.Path(path), errors.Storage, err)
	}
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "blob-*")
	if err != nil {
		return 0, errors.E(op, errors.Storage, err)
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, errors.E(op, tardis.Path(path), errors.Storage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, errors.E(op, errors.Storage, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, errors.E(op, tardis.Path(path), errors.Storage, err)
	}
	return n, nil
}

func (s *Store) mustPath(ck tardis.Checksum) string {
	_, p := s.shardPath(ck)
	return p
}

// Open returns a reader over the blob for ck.
func (s *Store) Open(ck tardis.Checksum) (io.ReadCloser, error) {
	const op = "store.Open"
	_, p := s.shardPath(ck)
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(op, errors.NotExist, tardis.Path(p), err)
		}
		return nil, errors.E(op, errors.Storage, tardis.Path(p), err)
	}
	return f, nil
}

// Link hard-links dst to the existing blob at src, used to retain a basis
// blob under a second checksum name without copying bytes.
func (s *Store) Link(src, dst tardis.Checksum) error {
	const op = "store.Link"
	_, srcPath := s.shardPath(src)
	dstDir, dstPath := s.shardPath(dst)
	if err := os.MkdirAll(dstDir, 0700); err != nil {
		return errors.E(op, errors.Storage, err)
	}
	if err := os.Link(srcPath, dstPath); err != nil {
		return errors.E(op, errors.Storage, err)
	}
	return nil
}

// Remove deletes the blob and its sidecars for ck. It is not an error to
// remove a blob that has no sidecars.
func (s *Store) Remove(ck tardis.Checksum) error {
	const op = "store.Remove"
	_, p := s.shardPath(ck)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.E(op, errors.Storage, err)
	}
	os.Remove(p + ".meta")
	os.Remove(p + ".sig")
	return nil
}

// PutMeta writes the JSON metadata sidecar for ck.
func (s *Store) PutMeta(ck tardis.Checksum, m Meta) error {
	const op = "store.PutMeta"
	b, err := json.Marshal(m)
	if err != nil {
		return errors.E(op, err)
	}
	dir, p := s.shardPath(ck)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.E(op, errors.Storage, err)
	}
	if err := os.WriteFile(p+".meta", b, 0600); err != nil {
		return errors.E(op, errors.Storage, err)
	}
	return nil
}

// GetMeta reads the JSON metadata sidecar for ck.
func (s *Store) GetMeta(ck tardis.Checksum) (Meta, error) {
	const op = "store.GetMeta"
	var m Meta
	_, p := s.shardPath(ck)
	b, err := os.ReadFile(p + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return m, errors.E(op, errors.NotExist, err)
		}
		return m, errors.E(op, errors.Storage, err)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, errors.E(op, errors.DB, err)
	}
	return m, nil
}

// PutSignature caches the rolling signature for ck, read from r.
func (s *Store) PutSignature(ck tardis.Checksum, r io.Reader) error {
	const op = "store.PutSignature"
	dir, p := s.shardPath(ck)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.E(op, errors.Storage, err)
	}
	f, err := os.Create(p + ".sig")
	if err != nil {
		return errors.E(op, errors.Storage, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return errors.E(op, errors.Storage, err)
	}
	return nil
}

// OpenSignature returns the cached rolling signature for ck, or NotExist if
// none has been cached yet.
func (s *Store) OpenSignature(ck tardis.Checksum) (io.ReadCloser, error) {
	const op = "store.OpenSignature"
	_, p := s.shardPath(ck)
	f, err := os.Open(p + ".sig")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(op, errors.NotExist, err)
		}
		return nil, errors.E(op, errors.Storage, err)
	}
	return f, nil
}

// List walks every blob under the store root and calls fn with its
// checksum. Sidecar and tmp files are skipped.
func (s *Store) List(fn func(tardis.Checksum) error) error {
	const op = "store.List"
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		if filepath.Dir(rel) == "tmp" || rel == "tmp" {
			return nil
		}
		ext := filepath.Ext(path)
		if ext == ".meta" || ext == ".sig" {
			return nil
		}
		return fn(tardis.Checksum(filepath.Base(path)))
	})
	if err != nil {
		return errors.E(op, errors.Storage, err)
	}
	return nil
}

// Size returns the on-disk size of the blob for ck.
func (s *Store) Size(ck tardis.Checksum) (int64, error) {
	const op = "store.Size"
	_, p := s.shardPath(ck)
	fi, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.E(op, errors.NotExist, err)
		}
		return 0, errors.E(op, errors.Storage, err)
	}
	return fi.Size(), nil
}

