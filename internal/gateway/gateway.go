// Package gateway is the single egress point to generative backends. It
// layers ordered fallback, prompt truncation, a content-addressed response
// cache, and in-flight call deduplication over a priority list of backends.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"peerflow/internal/logging"
)

// ErrAllBackendsFailed is returned only after every configured backend has
// been tried and failed.
var ErrAllBackendsFailed = errors.New("gateway: all backends failed")

// ErrNoBackends is returned when the gateway was built with an empty chain.
var ErrNoBackends = errors.New("gateway: no backends configured")

// Cache is the persistence surface the gateway needs for response caching.
// Satisfied by *store.Store.
type Cache interface {
	CacheGet(key string) (string, bool, error)
	CachePut(key, backend, response string, ttl time.Duration) error
}

// Request is one completion request.
type Request struct {
	System string
	User   string

	// BypassCache forces an outbound call even on a cache hit. Retries after
	// a failed quality gate set this so the model sees the stricter prompt.
	BypassCache bool
}

// Response carries the completion and its provenance.
type Response struct {
	Text    string
	Backend string
	Cached  bool
}

// Gateway fronts the backend chain.
type Gateway struct {
	backends    []Backend
	cache       Cache
	cacheTTL    time.Duration
	callTimeout time.Duration

	flight singleflight.Group
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithCache enables the response cache with the given TTL.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(g *Gateway) {
		g.cache = c
		g.cacheTTL = ttl
	}
}

// WithCallTimeout bounds each outbound backend call.
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.callTimeout = d }
}

// New creates a Gateway over backends in fallback-priority order.
func New(backends []Backend, opts ...Option) *Gateway {
	g := &Gateway{
		backends:    backends,
		callTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Backends returns the number of configured backends.
func (g *Gateway) Backends() int { return len(g.backends) }

// CacheKey returns the deterministic cache key for a prompt pair. The key
// covers the full untruncated prompt so distinct prompts never collide.
func (g *Gateway) CacheKey(system, user string) string {
	h := sha256.New()
	h.Write([]byte(system))
	h.Write([]byte{0})
	h.Write([]byte(user))
	return hex.EncodeToString(h.Sum(nil))
}

// Complete resolves a request through cache, single-flight, and the backend
// chain. Identical concurrent requests share one outbound call.
func (g *Gateway) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(g.backends) == 0 {
		return nil, ErrNoBackends
	}
	log := logging.Get(logging.CategoryGateway)
	key := g.CacheKey(req.System, req.User)

	if g.cache != nil && !req.BypassCache {
		if text, ok, err := g.cache.CacheGet(key); err != nil {
			log.Warnf("cache read failed: %v", err)
		} else if ok {
			log.Debugf("cache hit for %s", key[:12])
			return &Response{Text: text, Cached: true}, nil
		}
	}

	v, err, shared := g.flight.Do(key, func() (any, error) {
		return g.completeFallback(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	resp := v.(*Response)
	if shared {
		log.Debugf("deduplicated in-flight call for %s", key[:12])
	}

	if g.cache != nil && !resp.Cached {
		if err := g.cache.CachePut(key, resp.Backend, resp.Text, g.cacheTTL); err != nil {
			log.Warnf("cache write failed: %v", err)
		}
	}
	return resp, nil
}

// completeFallback walks the backend chain in priority order.
func (g *Gateway) completeFallback(ctx context.Context, req Request) (*Response, error) {
	log := logging.Get(logging.CategoryGateway)
	var lastErr error

	for i, backend := range g.backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := g.callBackend(ctx, backend, req)
		if err == nil {
			if i > 0 {
				log.Infof("fell back to backend %s (attempt %d)", backend.Name(), i+1)
			}
			return &Response{Text: text, Backend: backend.Name()}, nil
		}
		lastErr = err
		if !IsTransient(err) && !errors.Is(err, context.DeadlineExceeded) {
			log.Warnf("backend %s failed permanently: %v", backend.Name(), err)
		} else {
			log.Warnf("backend %s failed, trying next: %v", backend.Name(), err)
		}
	}
	return nil, fmt.Errorf("%w: last error: %v", ErrAllBackendsFailed, lastErr)
}

func (g *Gateway) callBackend(ctx context.Context, backend Backend, req Request) (string, error) {
	timer := logging.StartTimer(logging.CategoryGateway, "call "+backend.Name())
	defer timer.StopWithThreshold(30 * time.Second)

	callCtx := ctx
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}
	user := Truncate(req.User, backend.MaxContentChars())
	return backend.Complete(callCtx, req.System, user)
}

// BackendResult is one backend's answer in a fan-out poll.
type BackendResult struct {
	Backend string
	Text    string
	Err     error
}

// CompleteEach sends the same request to up to n distinct backends
// independently, with no fallback between them. Used for multi-model
// consensus. Results keep backend priority order. Responses are cached and
// single-flighted per backend, keyed by prompt plus backend name, so an
// identical rerun within the TTL issues no outbound calls.
func (g *Gateway) CompleteEach(ctx context.Context, req Request, n int) []BackendResult {
	if n > len(g.backends) {
		n = len(g.backends)
	}
	log := logging.Get(logging.CategoryGateway)
	base := g.CacheKey(req.System, req.User)
	results := make([]BackendResult, n)

	for i := 0; i < n; i++ {
		backend := g.backends[i]
		results[i].Backend = backend.Name()
		key := base + "|" + backend.Name()

		if g.cache != nil && !req.BypassCache {
			if text, ok, err := g.cache.CacheGet(key); err != nil {
				log.Warnf("cache read failed: %v", err)
			} else if ok {
				results[i].Text = text
				continue
			}
		}

		v, err, _ := g.flight.Do(key, func() (any, error) {
			return g.callBackend(ctx, backend, req)
		})
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Text = v.(string)
		if g.cache != nil {
			if err := g.cache.CachePut(key, backend.Name(), results[i].Text, g.cacheTTL); err != nil {
				log.Warnf("cache write failed: %v", err)
			}
		}
	}
	return results
}

// Truncate cuts s to at most max characters, appending a marker when content
// was dropped. Truncation happens at a word boundary where possible.
func Truncate(s string, max int) string {
	const marker = "\n\n[content truncated]"
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max - len(marker)
	if cut <= 0 {
		return s[:max]
	}
	truncated := s[:cut]
	if idx := strings.LastIndexByte(truncated, ' '); idx > cut/2 {
		truncated = truncated[:idx]
	}
	return truncated + marker
}
