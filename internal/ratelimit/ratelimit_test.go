package ratelimit

import "testing"

func TestAllowWithinLimit(t *testing.T) {
	l := New(5)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow("1.2.3.4"); !ok {
			t.Fatalf("request %d rejected within limit", i)
		}
	}
}

func TestRejectsOverLimit(t *testing.T) {
	l := New(5)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		l.Allow("1.2.3.4")
	}
	ok, retryAfter := l.Allow("1.2.3.4")
	if ok {
		t.Fatalf("6th request allowed, want rejected")
	}
	if retryAfter != 1 {
		t.Fatalf("retryAfter = %d, want 1", retryAfter)
	}
}

func TestIndependentPerIP(t *testing.T) {
	l := New(1)
	defer l.Stop()

	if ok, _ := l.Allow("1.1.1.1"); !ok {
		t.Fatalf("first request from 1.1.1.1 rejected")
	}
	if ok, _ := l.Allow("2.2.2.2"); !ok {
		t.Fatalf("first request from 2.2.2.2 rejected despite different IP")
	}
	if ok, _ := l.Allow("1.1.1.1"); ok {
		t.Fatalf("second request from 1.1.1.1 allowed, want rejected")
	}
}

func TestZeroRPSDisablesLimiting(t *testing.T) {
	l := New(0)
	defer l.Stop()
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow("1.2.3.4"); !ok {
			t.Fatalf("request %d rejected with rps=0 (disabled)", i)
		}
	}
}
