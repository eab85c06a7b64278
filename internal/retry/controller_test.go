package retry

import (
	"testing"
	"time"

	"github.com/sameanonim/imageboard/internal/failure"
	"github.com/sameanonim/imageboard/internal/models"
)

func testController() *Controller {
	return NewController(Policy{MaxAttempts: 3, Base: time.Minute, Max: 30 * time.Minute, Multiplier: 2})
}

func TestDecide(t *testing.T) {
	c := testController()

	tests := []struct {
		name     string
		attempts int
		class    failure.Class
		action   Action
		delay    time.Duration
	}{
		{"first transient", 1, failure.ClassTransient, ActionRetry, time.Minute},
		{"second transient", 2, failure.ClassTransient, ActionRetry, 2 * time.Minute},
		{"budget exhausted", 3, failure.ClassTransient, ActionDeadLetter, 0},
		{"permanent on first attempt", 1, failure.ClassPermanent, ActionDeadLetter, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Decide(models.File{AttemptCount: tt.attempts}, tt.class)
			if d.Action != tt.action {
				t.Fatalf("expected %s, got %s", tt.action, d.Action)
			}
			if d.Delay.Truncate(time.Millisecond) != tt.delay {
				t.Fatalf("expected delay %s, got %s", tt.delay, d.Delay)
			}
		})
	}
}

func TestDelayIsCapped(t *testing.T) {
	c := NewController(Policy{MaxAttempts: 20, Base: time.Minute, Max: 30 * time.Minute, Multiplier: 2})

	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 16 * time.Minute, 30 * time.Minute, 30 * time.Minute}
	for i, w := range want {
		if got := c.Delay(i + 1).Truncate(time.Millisecond); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestNewControllerClampsPolicy(t *testing.T) {
	c := NewController(Policy{MaxAttempts: 0, Base: time.Second, Max: 0, Multiplier: 0})
	if c.MaxAttempts() != 1 {
		t.Fatalf("expected max attempts clamped to 1, got %d", c.MaxAttempts())
	}
	if d := c.Decide(models.File{AttemptCount: 1}, failure.ClassTransient); d.Action != ActionDeadLetter {
		t.Fatalf("single attempt budget should dead-letter, got %s", d.Action)
	}
	if got := c.Delay(5).Truncate(time.Millisecond); got != time.Second {
		t.Fatalf("expected constant delay, got %s", got)
	}
}
