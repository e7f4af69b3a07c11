package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceAndSet(t *testing.T) {
	start := time.Unix(1700000000, 0)
	c := NewManual(start)
	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("start got=%v", got)
	}
	if got := c.Advance(1500 * time.Millisecond); !got.Equal(start.Add(1500 * time.Millisecond)) {
		t.Fatalf("advance got=%v", got)
	}
	c.Set(start)
	if got := c.Now(); !got.Equal(start.Add(1500 * time.Millisecond)) {
		t.Fatalf("set backwards should be ignored, got=%v", got)
	}
	c.Set(start.Add(3 * time.Second))
	if got := c.Now(); !got.Equal(start.Add(3 * time.Second)) {
		t.Fatalf("set forward got=%v", got)
	}
}

func TestElapsedClampsAtZero(t *testing.T) {
	start := time.Unix(1700000000, 0)
	c := NewManual(start)
	if got := Elapsed(c, start.Add(time.Second)); got != 0 {
		t.Fatalf("expected clamp to zero, got=%d", got)
	}
	c.Advance(2 * time.Second)
	if got := Elapsed(c, start); got != uint64(2*time.Second) {
		t.Fatalf("elapsed got=%d", got)
	}
}
