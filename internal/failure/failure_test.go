package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type reasonErr struct{ class Class }

func (r reasonErr) Error() string       { return "reason" }
func (r reasonErr) FailureClass() Class { return r.class }

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"permanent", Permanent(errors.New("bad pixels")), ClassPermanent},
		{"transient", Transient(errors.New("disk")), ClassTransient},
		{"wrapped permanent", fmt.Errorf("job 1: %w", Permanent(errors.New("x"))), ClassPermanent},
		{"classifier", fmt.Errorf("wrap: %w", reasonErr{ClassPermanent}), ClassPermanent},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"plain", errors.New("boom"), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestWrappersPreserveCause(t *testing.T) {
	cause := errors.New("cause")
	if !errors.Is(Permanent(cause), cause) {
		t.Error("Permanent lost its cause")
	}
	if Transient(nil) != nil || Permanent(nil) != nil {
		t.Error("nil errors must stay nil")
	}
	if IsPermanent(nil) {
		t.Error("nil is not permanent")
	}
}
