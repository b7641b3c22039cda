// Package server implements the local control API the presentation layer
// drives. Routes map one-to-one onto flow operations and return the flow
// snapshot committed after the operation in a {success, data, error}
// envelope. Prometheus metrics are served from /metrics.
package server
