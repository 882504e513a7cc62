package config

import (
	"testing"
	"time"
)

func TestStringFallback(t *testing.T) {
	t.Setenv("WFGEN_TEST_STRING", "  ")
	if got := String("WFGEN_TEST_STRING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback for blank value, got %q", got)
	}
	t.Setenv("WFGEN_TEST_STRING", " value ")
	if got := String("WFGEN_TEST_STRING", "fallback"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
}

func TestDurationAcceptsSeconds(t *testing.T) {
	t.Setenv("WFGEN_TEST_DURATION", "1.5")
	if got := Duration("WFGEN_TEST_DURATION", time.Second); got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %s", got)
	}
	t.Setenv("WFGEN_TEST_DURATION", "250ms")
	if got := Duration("WFGEN_TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", got)
	}
	t.Setenv("WFGEN_TEST_DURATION", "soon")
	if got := Duration("WFGEN_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestIntFloatBool(t *testing.T) {
	t.Setenv("WFGEN_TEST_INT", "42")
	t.Setenv("WFGEN_TEST_FLOAT", "2.5e6")
	t.Setenv("WFGEN_TEST_BOOL", "YES")
	if got := Int("WFGEN_TEST_INT", 0); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := Float("WFGEN_TEST_FLOAT", 0); got != 2.5e6 {
		t.Fatalf("expected 2.5e6, got %v", got)
	}
	if !Bool("WFGEN_TEST_BOOL", false) {
		t.Fatalf("expected true")
	}
	t.Setenv("WFGEN_TEST_BOOL", "maybe")
	if Bool("WFGEN_TEST_BOOL", false) {
		t.Fatalf("expected fallback for unknown bool")
	}
}

func TestList(t *testing.T) {
	t.Setenv("WFGEN_TEST_LIST", "type=b200, ,serial=31A")
	got := List("WFGEN_TEST_LIST", nil)
	if len(got) != 2 || got[0] != "type=b200" || got[1] != "serial=31A" {
		t.Fatalf("unexpected list %#v", got)
	}
	t.Setenv("WFGEN_TEST_LIST", ",,")
	if got := List("WFGEN_TEST_LIST", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Fatalf("expected fallback, got %#v", got)
	}
}
