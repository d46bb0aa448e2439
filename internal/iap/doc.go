// Package iap defines the data model shared by every part of the purchase
// reconciliation engine: catalogue products, in-flight orders, terminal
// receipts, connection status and the error taxonomy.
//
// Products and receipts are values. They are created once (a product when a
// backend query resolves, a receipt when an order completes) and never
// mutated afterwards; callers receive copies.
//
// Orders are the only mutable records. The orders package owns their state
// transitions:
//
//	Unknown -> Processing -> Validating -> Complete
//	                                    -> Failed
//	        -> Pending (parked until a later update reports Purchased or Unspecified)
//
// The entitlement token is the idempotency key. Every token maps to at most
// one Receipt for the lifetime of an engine.
package iap
