// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// +build !debug

package errors

import (
	"testing"

	"tardis.dev/tardis"
)

func TestMarshal(t *testing.T) {
	path := tardis.Path("/home/jane/report.doc")
	client := tardis.ClientName("joe-desktop")

	// Single error. No client is set, so we will have a zero-length field inside.
	e1 := E("regen.Patch", path, IO, Str("network unreachable"))

	// Nested error.
	e2 := E("session.DEL", path, client, Other, e1)

	b := MarshalError(e2)
	e3 := UnmarshalError(b)

	in := e2.(*Error)
	out := e3.(*Error)
	if in.Path != out.Path {
		t.Errorf("expected Path %q; got %q", in.Path, out.Path)
	}
	if in.Client != out.Client {
		t.Errorf("expected Client %q; got %q", in.Client, out.Client)
	}
	if in.Op != out.Op {
		t.Errorf("expected Op %q; got %q", in.Op, out.Op)
	}
	if in.Kind != out.Kind {
		t.Errorf("expected kind %d; got %d", in.Kind, out.Kind)
	}
	if in.Err.Error() != out.Err.Error() {
		t.Errorf("expected Err %q; got %q", in.Err, out.Err)
	}
}

func TestSeparator(t *testing.T) {
	defer func(prev string) {
		Separator = prev
	}(Separator)
	Separator = ":: "

	path := tardis.Path("/home/jane/report.doc")
	client := tardis.ClientName("joe-desktop")

	e1 := E("regen.Patch", path, IO, Str("network unreachable"))
	e2 := E("session.DEL", path, client, Other, e1)

	want := "/home/jane/report.doc, client joe-desktop: session.DEL: I/O error:: regen.Patch: network unreachable"
	if e2.Error() != want {
		t.Errorf("expected %q; got %q", want, e2.Error())
	}
}

func TestDoesNotChangePreviousError(t *testing.T) {
	err := E(Permission)
	err2 := E("purge.Sets", err)

	expected := "purge.Sets: permission denied"
	if err2.Error() != expected {
		t.Fatalf("Expected %q, got %q", expected, err2.Error())
	}
	kind := err.(*Error).Kind
	if kind != Permission {
		t.Fatalf("Expected kind %v, got %v", Permission, kind)
	}
}

func TestNoArgs(t *testing.T) {
	if err := E(); err != nil {
		t.Fatalf("E() = %v, want nil", err)
	}
}

func TestLastOfDuplicateTypeWins(t *testing.T) {
	e := E(tardis.ClientName("alice"), tardis.ClientName("bob")).(*Error)
	if e.Client != "bob" {
		t.Errorf("wrong client: got %q; want %q (last of a given type wins)", e.Client, "bob")
	}
}

func TestKindPromotion(t *testing.T) {
	inner := E(NotExist, Str("basis gone"))
	outer := E("regen.Patch", inner)
	if k := outer.(*Error).Kind; k != NotExist {
		t.Errorf("expected outer Kind to be pulled up to %v, got %v", NotExist, k)
	}
}
