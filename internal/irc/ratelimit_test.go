package irc

import (
	"testing"
	"time"
)

func TestWindowLimiterWithinWindow(t *testing.T) {
	t.Parallel()

	now := time.Now()
	l := NewWindowLimiter(2, 2*time.Second)
	l.now = func() time.Time { return now }

	if wait := l.Reserve("#chan"); wait != 0 {
		t.Fatalf("first reserve: wait = %v, want 0", wait)
	}
	if wait := l.Reserve("#chan"); wait != 0 {
		t.Fatalf("second reserve: wait = %v, want 0", wait)
	}
	wait := l.Reserve("#chan")
	if wait <= 0 || wait > 2*time.Second {
		t.Fatalf("third reserve: wait = %v, want (0, 2s]", wait)
	}
}

func TestWindowLimiterResets(t *testing.T) {
	t.Parallel()

	now := time.Now()
	l := NewWindowLimiter(2, 2*time.Second)
	l.now = func() time.Time { return now }

	l.Reserve("#chan")
	l.Reserve("#chan")

	// Window elapses: the count resets and sends flow again.
	now = now.Add(2 * time.Second)
	if wait := l.Reserve("#chan"); wait != 0 {
		t.Fatalf("reserve after window: wait = %v, want 0", wait)
	}
}

func TestWindowLimiterPerDestination(t *testing.T) {
	t.Parallel()

	now := time.Now()
	l := NewWindowLimiter(1, time.Second)
	l.now = func() time.Time { return now }

	if wait := l.Reserve("#a"); wait != 0 {
		t.Fatalf("#a first: wait = %v", wait)
	}
	// #a is saturated but #b has its own window.
	if wait := l.Reserve("#b"); wait != 0 {
		t.Fatalf("#b first: wait = %v", wait)
	}
	if wait := l.Reserve("#a"); wait == 0 {
		t.Fatal("#a second: want positive wait")
	}
}

func TestWindowLimiterCaseFoldsDestination(t *testing.T) {
	t.Parallel()

	now := time.Now()
	l := NewWindowLimiter(1, time.Second)
	l.now = func() time.Time { return now }

	l.Reserve("#Chan")
	if wait := l.Reserve("#chan"); wait == 0 {
		t.Fatal("case variants must share a window")
	}
}

func TestWindowLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := NewWindowLimiter(0, time.Second)
	for i := 0; i < 10; i++ {
		if wait := l.Reserve("#chan"); wait != 0 {
			t.Fatalf("reserve %d: wait = %v, want 0", i, wait)
		}
	}
	// Empty destination (raw lines) is never limited.
	l2 := NewWindowLimiter(1, time.Second)
	for i := 0; i < 10; i++ {
		if wait := l2.Reserve(""); wait != 0 {
			t.Fatalf("raw reserve %d: wait = %v, want 0", i, wait)
		}
	}
}
