// Package resync implements REST catch-up for the slot store.
//
// The Resyncer:
//   - Fetches each provider's slots after every (re)connect
//   - Optionally repeats on a fixed interval
//   - Bounds concurrent requests with an errgroup limit
//   - Queues results as synthesized batch events (epoch 0) so the
//     reconciliation engine stays the store's only writer
package resync
