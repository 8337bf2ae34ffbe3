// Package router implements the event normalizer.
//
// The router:
//   - Decodes {"event", "data"} frames from the Connection Manager
//   - Extracts the slot identifier from slotId, slot.id or id, in that order
//   - Synthesizes a status projection when the payload carries none
//   - Drops and counts malformed frames instead of failing
//   - Queues a closed set of typed events for the reconciliation engine
package router
