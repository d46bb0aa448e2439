// Package receipts journals completed receipts in SQLite so a restarted
// process never completes a token twice.
//
// The journal is append-only: a receipt is written once, keyed by its
// entitlement token, and a second write for the same token is ignored
// (INSERT ... ON CONFLICT DO NOTHING).
package receipts
