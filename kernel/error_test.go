package kernel

import "testing"

func TestError(t *testing.T) {
	err := &Error{Module: "sched", Message: "blocked task missing from queue"}
	if got := err.Error(); got != err.Message {
		t.Fatalf("expected Error() to return %q; got %q", err.Message, got)
	}
}
