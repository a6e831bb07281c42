package agentconn

import "testing"

func TestNextBackoffCapsAtMax(t *testing.T) {
	d := backoffInitial
	for i := 0; i < 10; i++ {
		d = nextBackoff(d)
	}
	if d != backoffMax {
		t.Fatalf("expected backoff to cap at %v, got %v", backoffMax, d)
	}
}

func TestNextBackoffDoubles(t *testing.T) {
	if got := nextBackoff(1); got != 2 {
		t.Fatalf("expected doubling, got %v", got)
	}
}
