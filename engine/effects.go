package engine

import (
	"github.com/haven-chat/warden/spam"
)

type CounterRef struct {
	Name   string
	Val    string
	Period *string
}

type CounterDistinctRef struct {
	Name   string
	Bucket string
	Val    string
}

// Mutable container for all the possible side-effects from rule execution.
// Collected during rule dispatch and persisted in bulk afterwards, under the
// account's serialization boundary.
type Effects struct {
	// counters to be incremented at the end of all rule processing
	CounterIncrements []CounterRef
	// same, for "distinct value" style counters
	CounterDistinctIncrements []CounterDistinctRef
	// risk flags to record against the account
	AccountFlags []string
	// strongest moderation action recommended by any rule; the engine
	// applies it (and only it) after rules finish
	Recommendation  spam.Recommendation
	RecommendReason string
}

// Enqueues the named counter to be incremented at the end of all rule
// processing. Will automatically increment for all time periods.
func (e *Effects) Increment(name, val string) {
	e.CounterIncrements = append(e.CounterIncrements, CounterRef{Name: name, Val: val})
}

// Enqueues the named counter to be incremented at the end of all rule
// processing. Will only increment the indicated time period bucket.
func (e *Effects) IncrementPeriod(name, val, period string) {
	e.CounterIncrements = append(e.CounterIncrements, CounterRef{Name: name, Val: val, Period: &period})
}

func (e *Effects) IncrementDistinct(name, bucket, val string) {
	e.CounterDistinctIncrements = append(e.CounterDistinctIncrements, CounterDistinctRef{Name: name, Bucket: bucket, Val: val})
}

func (e *Effects) AddAccountFlag(val string) {
	e.AccountFlags = append(e.AccountFlags, val)
}

// Recommend raises the pending recommendation; a later weaker
// recommendation never downgrades an earlier stronger one.
func (e *Effects) Recommend(rec spam.Recommendation, reason string) {
	if rec > e.Recommendation {
		e.Recommendation = rec
		e.RecommendReason = reason
	}
}
