// Package reservation tracks the single slot this session holds.
//
// The Controller emits reserve-slot and release-slot intents without waiting
// for the server, runs a local expiry timer for unconfirmed holds and never
// writes slot status itself: the store only changes when the server says so.
// The reconciliation engine drives confirmations and rejections through
// Confirm, Reject and Clear.
package reservation
