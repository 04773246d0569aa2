// Package advisorylock contains the lock IDs of all advisory locks used
// in Geo.
package advisorylock

const (
	// FillGaps is an advisory lock that must be acquired for each gap backfill run.
	FillGaps = 1
	// Notify is an advisory lock serializing overlapping notifier passes.
	Notify = 2
)
