package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		d := l.Allow("conn-1")
		if !d.Allowed {
			t.Fatalf("call %d unexpectedly denied", i)
		}
	}
	d := l.Allow("conn-1")
	if d.Allowed {
		t.Fatal("expected denial past the ceiling")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("expected retry-after hint, got %v", d.RetryAfter)
	}
	if d.Remaining != 0 {
		t.Errorf("expected zero remaining, got %d", d.Remaining)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)

	if d := l.Allow("conn-1"); !d.Allowed {
		t.Fatal("conn-1 first call denied")
	}
	if d := l.Allow("conn-2"); !d.Allowed {
		t.Error("conn-2 throttled by conn-1's counter")
	}
	if d := l.Allow("conn-1"); d.Allowed {
		t.Error("conn-1 second call allowed past limit")
	}
}

func TestWindowResets(t *testing.T) {
	l := New(1, 20*time.Millisecond)

	if d := l.Allow("conn-1"); !d.Allowed {
		t.Fatal("first call denied")
	}
	if d := l.Allow("conn-1"); d.Allowed {
		t.Fatal("second call in window allowed")
	}

	time.Sleep(30 * time.Millisecond)
	if d := l.Allow("conn-1"); !d.Allowed {
		t.Error("call after window reset denied")
	}
}

func TestForget(t *testing.T) {
	l := New(1, time.Minute)
	_ = l.Allow("conn-1")
	l.Forget("conn-1")
	if d := l.Allow("conn-1"); !d.Allowed {
		t.Error("counter survived Forget")
	}
}

func TestDefaults(t *testing.T) {
	l := New(0, 0)
	if l.limit != 30 || l.window != 10*time.Second {
		t.Errorf("unexpected defaults: limit=%d window=%v", l.limit, l.window)
	}
}
