// Package orders drives purchases through the order state machine:
//
//	Unknown -> Processing -> Validating -> Complete | Failed
//	                      \-> Pending (until a later Purchased update)
//
// Each entitlement token completes at most once. A token with a receipt is
// never validated, consumed or acknowledged again, and a token whose
// validation or completion is in flight is claimed in the pending registry
// so a concurrent redelivery is dropped.
//
// Backend I/O (purchase flow, consume, acknowledge, mark unavailable) and
// host validation run on the configured sched.Executor. Their results are
// handed back through the dispatcher, which the reconciliation coordinator
// points at its event loop so state changes stay single-writer.
package orders
