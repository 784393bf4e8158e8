// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// +build !debug

package errors_test

import (
	"fmt"

	"tardis.dev/errors"
	"tardis.dev/tardis"
)

func ExampleError() {
	path := tardis.Path("/home/jane/report.doc")
	client := tardis.ClientName("jane-laptop")

	// Single error.
	e1 := errors.E("regen.Patch", path, errors.IO, errors.Str("network unreachable"))
	fmt.Println("\nSimple error:")
	fmt.Println(e1)

	// Nested error.
	fmt.Println("\nNested error:")
	e2 := errors.E("session.DEL", path, client, errors.Other, e1)
	fmt.Println(e2)

	// Output:
	//
	// Simple error:
	// /home/jane/report.doc: regen.Patch: I/O error: network unreachable
	//
	// Nested error:
	// /home/jane/report.doc, client jane-laptop: session.DEL: I/O error:
	//	regen.Patch: network unreachable
}
