// Package transport sends captured artifacts to the voice backend over HTTP
// and encrypted payment payloads to nearby receivers over Bluetooth LE.
//
// Dispatcher classifies every outcome: non-2xx responses and 2xx envelopes
// with success=false become ServerRejected failures carrying the backend
// message, and anything that never produced a response is a NetworkFailure.
// API layers the typed backend contract on top. Proximity performs a single
// discover, connect, lookup and write sequence and always disconnects.
package transport
