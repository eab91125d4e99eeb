package redisadapter

import "time"

// The queue score packs (priority, enqueue time) into one number so the
// backing sorted set orders by priority first and FIFO within a priority.
// The timestamp band is fixed-width: 40 bits of milliseconds can never
// overflow into the priority bits, regardless of wall clock value.
const (
	timestampBits = 40
	timestampMask = (int64(1) << timestampBits) - 1
)

// maxPriority keeps the packed value inside float64's 53-bit exact
// integer range.
const maxPriority = 1<<13 - 1

// EncodeScore builds the composite queue score. Lower is more urgent.
// Priorities outside [0, maxPriority] are clamped so the result stays
// exactly representable as a sorted-set score.
func EncodeScore(priority int, enqueuedAt time.Time) float64 {
	p := int64(priority)
	if p < 0 {
		p = 0
	}
	if p > maxPriority {
		p = maxPriority
	}
	return float64(p<<timestampBits | enqueuedAt.UnixMilli()&timestampMask)
}

// DecodePriority extracts the priority band from a composite score.
func DecodePriority(score float64) int {
	return int(int64(score) >> timestampBits)
}
