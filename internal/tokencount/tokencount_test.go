package tokencount

import "testing"

func TestEstimatePositiveForNonEmptyText(t *testing.T) {
	if got := Estimate("hello, world! this is a test sentence."); got <= 0 {
		t.Fatalf("expected positive estimate, got %d", got)
	}
}

func TestEstimateZeroForEmptyText(t *testing.T) {
	if got := Estimate(""); got != 0 {
		t.Fatalf("expected zero estimate for empty text, got %d", got)
	}
}

func TestEstimateScalesWithLength(t *testing.T) {
	short := Estimate("hi")
	long := Estimate("this is a much longer sentence than the short one above")
	if long <= short {
		t.Fatalf("expected longer text to estimate more tokens: short=%d long=%d", short, long)
	}
}
