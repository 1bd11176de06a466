// Package api provides the HTTP REST API and WebSocket server for the
// station gateway.
//
// It exposes judge authentication, score submission, and sync queue
// management to the judge consoles at this station, plus a WebSocket channel
// for push notifications (sync flush summaries, event announcements).
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple
// goroutines.
package api
