// Package api provides the REST client for the slot service.
//
// Endpoints:
//   - POST /reservations: create a reservation outside the real-time channel
//   - GET /providers/{providerId}/slots: current slot records for catch-up
//
// Requests carry the session's bearer credential. 5xx and 429 answers are
// retried with jittered exponential backoff.
package api
