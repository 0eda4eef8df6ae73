package ratelimit

import (
	"testing"
	"time"
)

func TestCalculateTransferChunkSize(t *testing.T) {
	tests := []struct {
		name string
		rate int64
		res  time.Duration
		want int
	}{
		{"unthrottled", 0, 100 * time.Millisecond, defaultChunkSize},
		{"negative rate", -1, 100 * time.Millisecond, defaultChunkSize},
		{"zero resolution", 1024, 0, defaultChunkSize},
		{"very slow rate clamps to minimum", 100, 100 * time.Millisecond, minChunkSize},
		{"very fast rate clamps to maximum", 100 * 1024 * 1024, 100 * time.Millisecond, maxChunkSize},
		{"mid-range rate", 320 * 1024, 100 * time.Millisecond, 32 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateTransferChunkSize(tt.rate, tt.res)
			if got != tt.want {
				t.Errorf("CalculateTransferChunkSize(%d, %s) = %d, want %d", tt.rate, tt.res, got, tt.want)
			}
		})
	}
}

func TestCalculateTransferChunkSize_Bounds(t *testing.T) {
	got := CalculateTransferChunkSize(1, 100*time.Millisecond)
	if got < minChunkSize || got > maxChunkSize {
		t.Errorf("chunk size %d outside [%d, %d]", got, minChunkSize, maxChunkSize)
	}
}
