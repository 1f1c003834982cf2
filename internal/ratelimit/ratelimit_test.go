package ratelimit

import "testing"

func TestAllowWithinBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Error("request beyond burst should be rejected")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer l.Stop()

	if !l.Allow("1.1.1.1") {
		t.Error("first client should be allowed")
	}
	if l.Allow("1.1.1.1") {
		t.Error("first client should be exhausted")
	}
	if !l.Allow("2.2.2.2") {
		t.Error("second client has its own bucket")
	}
}
