// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns one WebSocket connection per client session, on the slots namespace
//   - Sends the bearer credential on the handshake
//   - Reconnects: once immediately after a dropped connection, then with
//     exponential backoff (1s, 2s, 4s, 8s, 16s) on connect errors
//   - Records a terminal diagnostic instead of failing when retries run out
//   - Re-joins provider rooms after every reconnect
//   - Forwards every inbound frame, stamped with the connection epoch
package connection
