package pipeline

import (
	"testing"
	"time"
)

func TestProgressThrottleFirstReportPasses(t *testing.T) {
	th := newProgressThrottle(time.Hour, 5)
	if !th.allow(0) {
		t.Fatal("first report blocked")
	}
}

func TestProgressThrottlePassesOnDelta(t *testing.T) {
	th := newProgressThrottle(time.Hour, 5)
	th.allow(10)

	if th.allow(12) {
		t.Fatal("2 point step passed inside the time gap")
	}
	if !th.allow(15) {
		t.Fatal("5 point step blocked")
	}
	if th.allow(16) {
		t.Fatal("1 point step passed right after a report")
	}
}

func TestProgressThrottlePassesAfterGap(t *testing.T) {
	th := newProgressThrottle(20*time.Millisecond, 50)
	th.allow(10)

	if th.allow(11) {
		t.Fatal("report passed before the gap elapsed")
	}
	time.Sleep(30 * time.Millisecond)
	if !th.allow(11) {
		t.Fatal("report blocked after the gap elapsed")
	}
}
