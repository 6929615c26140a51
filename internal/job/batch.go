package job

import "time"

// BatchJob groups the jobs created by one submission. Children are a query
// by BatchID, not an owned collection; deleting a batch detaches its jobs.
type BatchJob struct {
	// ID is the unique identifier for this batch.
	ID string
	// CreatedAt is when the batch was submitted.
	CreatedAt time.Time
	// CompletedAt is when the batch was observed complete (zero until then).
	CompletedAt time.Time
}

// AggregateStatus derives a batch status from its children:
// no children means Pending, all failed means Failed, any non-terminal child
// means Pending, otherwise Completed (mixed success/failure counts as
// completed).
func AggregateStatus(children []*ConversionJob) Status {
	if len(children) == 0 {
		return StatusPending
	}

	failed := 0
	for _, c := range children {
		if !c.Status.IsTerminal() {
			return StatusPending
		}
		if c.Status == StatusFailed {
			failed++
		}
	}

	if failed == len(children) {
		return StatusFailed
	}
	return StatusCompleted
}

// AggregateProgress is the arithmetic mean of child progress, 0 for an
// empty batch.
func AggregateProgress(children []*ConversionJob) int {
	if len(children) == 0 {
		return 0
	}
	sum := 0
	for _, c := range children {
		sum += c.Progress
	}
	return sum / len(children)
}
