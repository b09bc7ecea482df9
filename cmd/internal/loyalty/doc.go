// Package loyalty implements the quote, commit, refund and cancel operations of the settlement core.
//
// Every mutating operation runs inside one Store unit of work: the idempotency record, lot deltas,
// ledger transaction, receipt, hold status and outbox events are written together or not at all.
// Mutations of a customer's lots are serialized per (merchant, customer) by a partition lock taken
// inside that unit; idempotency keys are locked first so concurrent replays observe each other.
package loyalty
