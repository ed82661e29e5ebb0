// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for
// testability. Production code accepts a Clock instead of calling
// time.Now directly; tests inject Fake() and advance time
// deterministically. Session rotation deadlines are the main
// consumer — rotation-by-age tests would otherwise need real sleeps.
package clock

import "time"

// Clock abstracts the time operations the crypto subsystem uses.
// Production code injects Real(); tests inject Fake().
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
