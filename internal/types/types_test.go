package types

import (
	"errors"
	"testing"
	"time"
)

func TestMinCaptureInterval(t *testing.T) {
	tests := []struct {
		name    string
		busyFPS int
		want    time.Duration
	}{
		{"default rate", 10, 100 * time.Millisecond},
		{"one fps", 1, 1000 * time.Millisecond},
		{"max rate floors at 50ms", 20, 50 * time.Millisecond},
		{"zero falls back to default", 0, 100 * time.Millisecond},
		{"negative falls back to default", -3, 100 * time.Millisecond},
		{"three fps floors division", 3, 333 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := View{ID: "v", URL: "http://x", BusyFPS: tt.busyFPS}
			if got := v.MinCaptureInterval(); got != tt.want {
				t.Errorf("Expected min interval %v for busyFps=%d, got %v", tt.want, tt.busyFPS, got)
			}
		})
	}
}

func TestTooManyActiveViewsError(t *testing.T) {
	err := &TooManyActiveViewsError{
		Limit:       2,
		ActiveViews: []string{"a", "b"},
		Requested:   "c",
	}

	if !errors.Is(err, ErrTooManyActiveViews) {
		t.Error("Expected TooManyActiveViewsError to unwrap to ErrTooManyActiveViews")
	}
	if err.Error() == "" {
		t.Error("Expected non-empty error message")
	}

	var tooMany *TooManyActiveViewsError
	if !errors.As(error(err), &tooMany) {
		t.Fatal("Expected errors.As to match TooManyActiveViewsError")
	}
	if tooMany.Limit != 2 || tooMany.Requested != "c" {
		t.Errorf("Expected limit=2 requested=c, got limit=%d requested=%q", tooMany.Limit, tooMany.Requested)
	}
}

func TestUnknownViewError(t *testing.T) {
	err := &UnknownViewError{ViewID: "nope"}
	if !errors.Is(err, ErrUnknownView) {
		t.Error("Expected UnknownViewError to unwrap to ErrUnknownView")
	}
}
