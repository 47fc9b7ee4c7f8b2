package ids

import (
	"testing"
	"time"
)

func TestNewAtIsOrdered(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAt(at)
	b := NewAt(at)
	if a >= b {
		t.Fatalf("expected %s < %s", a, b)
	}
	got, ok := Time(a)
	if !ok {
		t.Fatalf("expected parseable id %q", a)
	}
	if !got.Equal(at) {
		t.Fatalf("unexpected timestamp: %v", got)
	}
}

func TestTimeRejectsGarbage(t *testing.T) {
	if _, ok := Time("not-an-id"); ok {
		t.Fatal("expected parse failure")
	}
}
