package testkit

import (
	"strings"
	"testing"
)

var openPool = func() string { return "pgxpool" }

// fakeTB records Fatal instead of stopping the goroutine
type fakeTB struct {
	testing.TB
	failed bool
	msg    string
}

func (f *fakeTB) Helper() {}
func (f *fakeTB) Fatal(args ...any) {
	f.failed = true
	f.msg = "fatal"
}
func (f *fakeTB) Fatalf(format string, _ ...any) {
	f.failed = true
	f.msg = format
}

func TestMustPanic(t *testing.T) {
	MustPanic(t, func() { panic("boom") })

	f := &fakeTB{}
	MustPanic(f, func() {})
	if !f.failed {
		t.Fatal("quiet fn passed")
	}
}

func TestMustContain(t *testing.T) {
	MustContain(t, "queue item q1 requeued", "requeued")

	f := &fakeTB{}
	MustContain(f, "queue item q1 requeued", "failed")
	if !f.failed || !strings.Contains(f.msg, "missing") {
		t.Fatalf("got %+v", f)
	}
}

func TestSwap_RestoresAfterSubtest(t *testing.T) {
	t.Run("swapped", func(t *testing.T) {
		Serial(t)
		Swap(t, &openPool, func() string { return "fake" })
		if openPool() != "fake" {
			t.Fatal("not swapped")
		}
	})
	if openPool() != "pgxpool" {
		t.Fatal("not restored")
	}
}
