package connection

import (
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		30 * time.Second,
		60 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for n, w := range want {
		if got := b.Delay(n); got != w {
			t.Errorf("Delay(%d) = %v, want %v", n, got, w)
		}
	}
}

func TestBackoff_CappedSequence(t *testing.T) {
	b := Backoff{Steps: []time.Duration{
		1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second,
	}}

	if got := b.Delay(5); got != 30*time.Second {
		t.Errorf("Delay(5) = %v, want 30s", got)
	}
	if got := b.Delay(100); got != 30*time.Second {
		t.Errorf("Delay(100) = %v, want 30s", got)
	}
}

func TestBackoff_Empty(t *testing.T) {
	var b Backoff
	if got := b.Delay(3); got != time.Second {
		t.Errorf("Delay(3) = %v, want 1s", got)
	}
	if got := DefaultBackoff().Delay(-1); got != time.Second {
		t.Errorf("Delay(-1) = %v, want 1s", got)
	}
}
