package types

import (
	"testing"
	"time"
)

func TestRealClock_Timer(t *testing.T) {
	clock := NewRealClock()
	start := clock.Now()

	timer := clock.NewTimer(5 * time.Millisecond)
	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	if clock.Since(start) < 5*time.Millisecond {
		t.Errorf("expected at least 5ms to elapse")
	}
}

func TestRealClock_TickerStop(t *testing.T) {
	ticker := NewRealClock().NewTicker(time.Millisecond)
	<-ticker.C()
	ticker.Stop()
}

func TestOrRealClock(t *testing.T) {
	if OrRealClock(nil) == nil {
		t.Fatal("expected a clock for nil input")
	}

	c := NewRealClock()
	if OrRealClock(c) != c {
		t.Error("expected the provided clock to be returned")
	}
}
