package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
)

// Strategy is a caching behaviour a request can be routed to.
type Strategy string

const (
	// StrategyNetworkFirst tries the network within a hard time bound and
	// falls back to the freshest cached copy.
	StrategyNetworkFirst Strategy = "network-first"

	// StrategyStaleWhileRevalidate serves the cached copy immediately and
	// refreshes the cache in the background.
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"

	// StrategyCacheFirst serves the cached copy if present; the network is
	// only consulted on a miss.
	StrategyCacheFirst Strategy = "cache-first"

	// StrategyPassthrough does not intercept the request at all.
	StrategyPassthrough Strategy = "passthrough"
)

// cacheHeader marks synthesized responses so callers can tell a cached copy
// from a live one.
const cacheHeader = "X-Trailscore-Cache"

// Rule pairs a predicate with the strategy applied when it matches.
type Rule struct {
	Name     string
	Match    func(*http.Request) bool
	Strategy Strategy
}

// Logger is the logging interface the router needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// staticAssetExts are file extensions served stale-while-revalidate.
var staticAssetExts = map[string]bool{
	".css": true, ".js": true, ".mjs": true, ".woff": true, ".woff2": true,
}

// imageExts are file extensions served cache-first.
var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".svg": true, ".ico": true,
}

// DefaultRules returns the standard classification table, evaluated in order
// with first match winning. apiHost scopes the data-API rule to the central
// scoring service; requests to any other host fall through to passthrough.
func DefaultRules(apiHost string) []Rule {
	return []Rule{
		{
			Name: "navigation",
			Match: func(r *http.Request) bool {
				return r.Method == http.MethodGet &&
					strings.Contains(r.Header.Get("Accept"), "text/html")
			},
			Strategy: StrategyNetworkFirst,
		},
		{
			Name: "manifest",
			Match: func(r *http.Request) bool {
				return r.Method == http.MethodGet &&
					(strings.HasSuffix(r.URL.Path, "manifest.json") ||
						strings.HasSuffix(r.URL.Path, ".webmanifest"))
			},
			Strategy: StrategyNetworkFirst,
		},
		{
			Name: "static-asset",
			Match: func(r *http.Request) bool {
				return r.Method == http.MethodGet && staticAssetExts[path.Ext(r.URL.Path)]
			},
			Strategy: StrategyStaleWhileRevalidate,
		},
		{
			Name: "data-api",
			Match: func(r *http.Request) bool {
				return r.Method == http.MethodGet &&
					r.URL.Host == apiHost &&
					strings.HasPrefix(r.URL.Path, "/api/")
			},
			Strategy: StrategyNetworkFirst,
		},
		{
			Name: "image",
			Match: func(r *http.Request) bool {
				return r.Method == http.MethodGet && imageExts[path.Ext(r.URL.Path)]
			},
			Strategy: StrategyCacheFirst,
		},
	}
}

// Router classifies requests by rule table and applies the matched caching
// strategy. It implements http.RoundTripper so it can sit under any
// http.Client.
type Router struct {
	rules          []Rule
	store          *Store
	base           http.RoundTripper
	networkTimeout time.Duration
	logger         Logger
}

// NewRouter creates a cache router over the given store and base transport.
// A nil base uses http.DefaultTransport.
func NewRouter(rules []Rule, store *Store, base http.RoundTripper, networkTimeout time.Duration) *Router {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Router{
		rules:          rules,
		store:          store,
		base:           base,
		networkTimeout: networkTimeout,
		logger:         noopLogger{},
	}
}

// SetLogger sets a logger for cache decisions. If not set, decisions are silent.
func (rt *Router) SetLogger(logger Logger) {
	rt.logger = logger
}

// Classify returns the strategy for a request: the first matching rule wins,
// and a request matching no rule is passed through untouched.
func (rt *Router) Classify(req *http.Request) Strategy {
	for _, rule := range rt.rules {
		if rule.Match(req) {
			return rule.Strategy
		}
	}
	return StrategyPassthrough
}

// RoundTrip applies the matched strategy. Mutating methods are never
// intercepted: replay durability for those lives in the outbox, not here.
func (rt *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return rt.base.RoundTrip(req)
	}

	switch rt.Classify(req) {
	case StrategyNetworkFirst:
		return rt.networkFirst(req)
	case StrategyStaleWhileRevalidate:
		return rt.staleWhileRevalidate(req)
	case StrategyCacheFirst:
		return rt.cacheFirst(req)
	default:
		return rt.base.RoundTrip(req)
	}
}

// networkFirst tries the network within the configured bound. Exceeding the
// bound counts as a network failure even if the request is still in flight:
// bounded latency is bought at the price of possibly stale data.
func (rt *Router) networkFirst(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), rt.networkTimeout)
	defer cancel()

	resp, err := rt.base.RoundTrip(req.WithContext(ctx))
	if err == nil {
		return rt.cacheAndReturn(req, resp, StrategyNetworkFirst)
	}

	entry, cacheErr := rt.store.Get(req.Context(), Key(req.Method, req.URL.String()))
	if cacheErr != nil {
		// No fallback available; surface the original network error.
		return nil, err
	}

	rt.logger.Debug("serving cached response after network failure",
		"url", req.URL.String(), "age", entry.Age().String())
	return synthesize(req, entry), nil
}

// staleWhileRevalidate serves the cached copy immediately and refreshes the
// cache from the network for next time. On a miss it degrades to a plain
// network fetch.
func (rt *Router) staleWhileRevalidate(req *http.Request) (*http.Response, error) {
	entry, err := rt.store.Get(req.Context(), Key(req.Method, req.URL.String()))
	if err == nil {
		go rt.revalidate(req.Clone(context.Background()))
		return synthesize(req, entry), nil
	}

	resp, netErr := rt.base.RoundTrip(req)
	if netErr != nil {
		return nil, netErr
	}
	return rt.cacheAndReturn(req, resp, StrategyStaleWhileRevalidate)
}

// cacheFirst serves the cached copy if present, never touching the network
// unless the cache is empty. Only status-ok responses are stored.
func (rt *Router) cacheFirst(req *http.Request) (*http.Response, error) {
	entry, err := rt.store.Get(req.Context(), Key(req.Method, req.URL.String()))
	if err == nil {
		return synthesize(req, entry), nil
	}

	resp, netErr := rt.base.RoundTrip(req)
	if netErr != nil {
		return nil, netErr
	}
	return rt.cacheAndReturn(req, resp, StrategyCacheFirst)
}

// revalidate refreshes the cache in the background. The original request
// context is gone by the time this runs, so it gets its own bound.
func (rt *Router) revalidate(req *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), rt.networkTimeout)
	defer cancel()

	resp, err := rt.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		rt.logger.Debug("background revalidation failed", "url", req.URL.String(), "error", err)
		return
	}
	defer resp.Body.Close()

	if err := rt.cacheResponse(ctx, req, resp, StrategyStaleWhileRevalidate); err != nil {
		rt.logger.Warn("caching revalidated response failed", "url", req.URL.String(), "error", err)
	}
}

// cacheAndReturn stores a successful live response and hands it back with
// its body intact.
func (rt *Router) cacheAndReturn(req *http.Request, resp *http.Response, strategy Strategy) (*http.Response, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading response body for cache: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	entry := &Entry{
		Key:      Key(req.Method, req.URL.String()),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		Strategy: strategy,
	}
	if err := rt.store.Put(req.Context(), entry); err != nil {
		rt.logger.Warn("storing cache entry failed", "url", req.URL.String(), "error", err)
	}

	return resp, nil
}

// cacheResponse stores a response consumed entirely by the router.
func (rt *Router) cacheResponse(ctx context.Context, req *http.Request, resp *http.Response, strategy Strategy) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	return rt.store.Put(ctx, &Entry{
		Key:      Key(req.Method, req.URL.String()),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		Strategy: strategy,
	})
}

// synthesize builds an http.Response from a cache entry, marked with the
// cache header and the entry's age in seconds.
func synthesize(req *http.Request, entry *Entry) *http.Response {
	header := entry.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(cacheHeader, "hit")
	header.Set("Age", strconv.Itoa(int(entry.Age().Seconds())))

	return &http.Response{
		StatusCode:    entry.Status,
		Status:        http.StatusText(entry.Status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}
