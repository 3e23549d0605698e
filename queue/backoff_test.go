package queue

import (
	"math"
	"testing"
	"time"
)

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		name    string
		count   int
		initial time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{"no failures", 0, time.Second, 0, 0},
		{"negative count", -1, time.Second, 0, 0},
		{"first failure", 1, time.Second, 0, 2 * time.Second},
		{"second failure", 2, time.Second, 0, 4 * time.Second},
		{"third failure", 3, 500 * time.Millisecond, 0, 4 * time.Second},
		{"capped", 10, time.Second, time.Minute, time.Minute},
		{"under cap", 2, time.Second, time.Minute, 4 * time.Second},
		{"overflow clamps", 80, time.Second, 0, time.Duration(math.MaxInt64)},
		{"large shift clamps", 40, time.Hour, 0, time.Duration(math.MaxInt64)},
		{"zero initial", 3, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backoffFor(tt.count, tt.initial, tt.max); got != tt.want {
				t.Errorf("backoffFor(%d, %v, %v) = %v, want %v", tt.count, tt.initial, tt.max, got, tt.want)
			}
		})
	}
}
