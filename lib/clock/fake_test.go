// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"testing"
	"time"
)

func TestFakeNow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := Fake(start)

	if !fake.Now().Equal(start) {
		t.Errorf("Now() = %v, want %v", fake.Now(), start)
	}

	fake.Advance(90 * time.Second)
	if !fake.Now().Equal(start.Add(90 * time.Second)) {
		t.Errorf("Now() after Advance = %v", fake.Now())
	}
}

func TestFakeConcurrentAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := Fake(start)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fake.Advance(time.Second)
			fake.Now()
		}()
	}
	wg.Wait()

	if !fake.Now().Equal(start.Add(10 * time.Second)) {
		t.Errorf("Now() after concurrent advances = %v, want +10s", fake.Now())
	}
}
