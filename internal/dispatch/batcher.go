package dispatch

import "time"

// DefaultBatchInterval is the wall-clock spacing between batch starts.
const DefaultBatchInterval = time.Minute

// Plan partitions a contact sequence into rate-limited batches of at most
// PerBatch contacts, spaced Interval apart. The schedule is anchored to
// the start of consecutive batches, not stacked on processing time, so a
// slow batch does not push later batches further out. The plan is pure
// arithmetic over indexes, which makes it restartable: resuming at any
// offset just re-derives the remaining bounds.
type Plan struct {
	Total    int
	PerBatch int
	Interval time.Duration
}

// NewPlan builds a plan for total contacts at the given calls-per-minute
// ceiling. The ceiling is assumed already clamped at campaign creation.
func NewPlan(total, perBatch int, interval time.Duration) Plan {
	if perBatch < 1 {
		perBatch = 1
	}
	if interval <= 0 {
		interval = DefaultBatchInterval
	}
	if total < 0 {
		total = 0
	}
	return Plan{Total: total, PerBatch: perBatch, Interval: interval}
}

// BatchCount returns the number of batches. Zero contacts yield zero
// batches.
func (p Plan) BatchCount() int {
	if p.Total == 0 {
		return 0
	}
	return (p.Total + p.PerBatch - 1) / p.PerBatch
}

// Bounds returns the half-open contact index range [start, end) for
// batch i.
func (p Plan) Bounds(i int) (int, int) {
	start := i * p.PerBatch
	end := start + p.PerBatch
	if end > p.Total {
		end = p.Total
	}
	if start > p.Total {
		start = p.Total
	}
	return start, end
}

// StartAt returns the earliest wall-clock time batch i may begin, given
// the time the first batch started.
func (p Plan) StartAt(anchor time.Time, i int) time.Time {
	return anchor.Add(time.Duration(i) * p.Interval)
}
