package ids

import (
	"sort"
	"testing"
	"time"
)

func TestNewIsMonotonic(t *testing.T) {
	var got []string
	for i := 0; i < 100; i++ {
		got = append(got, New())
	}
	if !sort.StringsAreSorted(got) {
		t.Fatalf("ids are not sorted in issue order")
	}
}

func TestNewAtSameMillisecond(t *testing.T) {
	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	a, b := NewAt(ts), NewAt(ts)
	if a == b || a > b {
		t.Fatalf("expected strictly increasing ids, got %s then %s", a, b)
	}
}

func TestNewCorrelationID(t *testing.T) {
	if len(NewCorrelationID()) != 36 {
		t.Fatalf("unexpected correlation id shape")
	}
}
