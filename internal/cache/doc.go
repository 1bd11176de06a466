// Package cache provides the station gateway's offline response cache.
//
// Outgoing upstream requests are classified by an ordered rule table —
// first match wins — into one of four strategies:
//
//   - Network-first with timeout: try the network; past a hard bound the
//     request counts as failed and the freshest cached copy is served.
//     Used for navigation documents, the manifest, and data API reads.
//   - Stale-while-revalidate: serve the cached copy immediately, refresh
//     the cache in the background. Used for style/script assets.
//   - Cache-first: the cached copy wins outright; the network is only
//     consulted on a miss, and only 2xx responses are stored. Used for images.
//   - Passthrough: no interception.
//
// Cached entries are advisory: they are never required for correctness and
// are swept by age. The router plugs in as an http.RoundTripper so the
// upstream client picks up the behaviour transparently.
package cache
