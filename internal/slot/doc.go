// Package slot defines appointment slot records and the in-memory slot state store.
//
// The Store is the single authoritative view of slot status on this client:
//   - One writer (the reconciliation engine) applies normalized records
//   - Any number of readers take lock-free snapshots
//   - Batches become visible all at once
//
// A slot whose reservation deadline has passed reads as available until the
// server says otherwise.
package slot
