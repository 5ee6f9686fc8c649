package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSchedule is returned for rate configurations that cannot be sustained by a ticker.
var ErrInvalidSchedule = errors.New("invalid rate schedule")

// Schedule is the batch timing derived from a target request rate.
type Schedule struct {
	TotalRPS         int
	BatchSize        int
	BatchesPerSecond float64
	// Interval is the delay between two batches.
	Interval time.Duration
}

// NewSchedule derives the batch interval for sending totalRPS requests per second in batches
// of batchSize. Intervals below one millisecond are rejected rather than clamped.
func NewSchedule(totalRPS, batchSize int) (Schedule, error) {
	if totalRPS <= 0 {
		return Schedule{}, fmt.Errorf("%w: total rps must be positive, got %d", ErrInvalidSchedule, totalRPS)
	}
	if batchSize <= 0 {
		return Schedule{}, fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidSchedule, batchSize)
	}
	batchesPerSecond := float64(totalRPS) / float64(batchSize)
	intervalMs := 1000 / batchesPerSecond
	if intervalMs < 1 {
		return Schedule{}, fmt.Errorf("%w: %d rps in batches of %d gives a %.3fms interval, increase the batch size",
			ErrInvalidSchedule, totalRPS, batchSize, intervalMs)
	}
	return Schedule{
		TotalRPS:         totalRPS,
		BatchSize:        batchSize,
		BatchesPerSecond: batchesPerSecond,
		Interval:         time.Duration(intervalMs * float64(time.Millisecond)),
	}, nil
}

func (s Schedule) String() string {
	return fmt.Sprintf("%d rps as %.2f batches/s of %d every %v", s.TotalRPS, s.BatchesPerSecond, s.BatchSize, s.Interval)
}
