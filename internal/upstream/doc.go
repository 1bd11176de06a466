// Package upstream is the HTTP client for the central scoring service.
//
// Mutations go through Submit, which maps the server's answer onto the three
// outcomes the sync coordinator understands: accepted, conflicting, or worth
// retrying. Reads go through the same client and can be routed through the
// response cache transport, so reference data stays available while the
// venue uplink is down. A Watcher polls the service's health endpoint and
// reports connectivity restoration to the coordinator.
package upstream
