// Package ledger holds the earn-lot model and the consumption planners.
//
// Planners are pure: they read a snapshot of a customer's lots and return deltas to
// consumedPoints. Persisting those deltas atomically is the caller's job.
package ledger
