// Package session wires one client session together: the connection
// manager feeds the router, the router feeds the reconciliation engine,
// and the engine drives the slot store and the reservation controller.
//
// A Session replaces any process-wide connection. Create one per user
// session and Stop it on the way out; Stop releases a held slot first.
package session
