// Package reconcile applies normalized server events to the slot store and
// the reservation controller. The engine is the store's only writer.
//
// Ordering is last-applied-wins per slot. Events carry the connection epoch
// they arrived on; a new epoch is logged but nothing is reordered or dropped.
package reconcile
