package runtime

import (
	"testing"
	"time"
)

func TestFakeClockFiresTimerOnAdvance(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	timer := clock.NewTimer(5 * time.Second)

	select {
	case <-timer.C():
		t.Fatal("timer fired before advancing the clock")
	default:
	}

	clock.Advance(5 * time.Second)

	select {
	case <-timer.C():
	default:
		t.Fatal("expected timer to fire after advancing the clock past its deadline")
	}
}

func TestFakeClockStopPreventsFiring(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	timer := clock.NewTimer(time.Second)
	if !timer.Stop() {
		t.Fatal("expected Stop to report the timer was active")
	}
	clock.Advance(time.Minute)

	select {
	case <-timer.C():
		t.Fatal("stopped timer must not fire")
	default:
	}
}
