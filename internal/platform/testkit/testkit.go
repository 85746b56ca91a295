// Package testkit holds small assertions and seam helpers shared by tests
package testkit

import (
	"strings"
	"sync"
	"testing"
)

// MustPanic fails t unless fn panics
func MustPanic(t testing.TB, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal("no panic")
		}
	}()
	fn()
}

// MustContain fails t unless out contains want, printing out in full
func MustContain(t testing.TB, out, want string) {
	t.Helper()
	if !strings.Contains(out, want) {
		t.Fatalf("missing %q in:\n%s", want, out)
	}
}

// Swap replaces *target for the rest of the test, e.g. a package level
// constructor var
func Swap[T any](t testing.TB, target *T, v T) {
	t.Helper()
	old := *target
	*target = v
	t.Cleanup(func() { *target = old })
}

var serial sync.Mutex

// Serial holds one process wide lock until the test ends. Tests that Swap
// shared package vars take it first
func Serial(t testing.TB) {
	t.Helper()
	serial.Lock()
	t.Cleanup(serial.Unlock)
}
