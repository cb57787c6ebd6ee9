package activitypub

import "sync/atomic"

// FetchBudget bounds the number of remote fetches a single inbound pipeline
// may trigger. Every resolving call takes the budget explicitly.
type FetchBudget struct {
	limit int32
	used  atomic.Int32
}

func NewFetchBudget(limit int) *FetchBudget {
	return &FetchBudget{limit: int32(limit)}
}

// Spend reserves one fetch, or fails with ErrFetchBudgetExceeded once the
// limit is reached.
func (b *FetchBudget) Spend() error {
	if b.used.Add(1) > b.limit {
		b.used.Add(-1)
		return ErrFetchBudgetExceeded
	}
	return nil
}

func (b *FetchBudget) Used() int {
	return int(b.used.Load())
}

func (b *FetchBudget) Remaining() int {
	return int(b.limit - b.used.Load())
}
