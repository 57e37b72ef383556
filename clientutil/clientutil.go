// clientutil composes http.RoundTripper middlewares for the enrichment clients
package clientutil

import (
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gregjones/httpcache"
	"golang.org/x/time/rate"
)

type Middleware func(http.RoundTripper) http.RoundTripper

func Chain(middlewares ...Middleware) Middleware {
	if len(middlewares) == 1 {
		return middlewares[0]
	}
	return func(final http.RoundTripper) http.RoundTripper {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// WithCache keeps responses in memory for ttl so that repeated lookups for the same
// recording within a batch don't go back over the network.
func WithCache(ttl time.Duration) Middleware {
	cache := NewMemoryCache(ttl)
	return func(next http.RoundTripper) http.RoundTripper {
		transport := httpcache.NewTransport(cache)
		transport.Transport = next
		return transport
	}
}

func WithRateLimit(interval time.Duration) Middleware {
	if interval == 0 {
		return Passthrough
	}
	return func(next http.RoundTripper) http.RoundTripper {
		limiter := rate.NewLimiter(rate.Every(interval), 1)
		return RoundTripFunc(func(r *http.Request) (*http.Response, error) {
			if err := limiter.Wait(r.Context()); err != nil {
				return nil, err
			}
			return next.RoundTrip(r)
		})
	}
}

func WithLogging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripFunc(func(r *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.RoundTrip(r)
			if err != nil {
				logger.DebugContext(r.Context(), "request failed", "url", r.URL.Redacted(), "err", err)
				return nil, err
			}
			logger.DebugContext(r.Context(), "response",
				"status", resp.StatusCode, "took", time.Since(start).Truncate(time.Millisecond), "url", r.URL.Redacted())
			return resp, nil
		})
	}
}

func WithUserAgent(userAgent string) Middleware {
	if userAgent == "" {
		return Passthrough
	}
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripFunc(func(r *http.Request) (*http.Response, error) {
			r.Header.Set("User-Agent", userAgent)
			return next.RoundTrip(r)
		})
	}
}

func WithHeader(key, value string) Middleware {
	if value == "" {
		return Passthrough
	}
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripFunc(func(r *http.Request) (*http.Response, error) {
			r.Header.Set(key, value)
			return next.RoundTrip(r)
		})
	}
}

func Passthrough(next http.RoundTripper) http.RoundTripper {
	return next
}

// FSClient serves requests from fsys, with the request path relative to sub. Useful for tests.
func FSClient(fsys fs.FS, sub string) *http.Client {
	subfs, err := fs.Sub(fsys, sub)
	if err != nil {
		panic(fmt.Sprintf("clientutil: fs.Sub: %v", err.Error()))
	}
	c := &http.Client{}
	c.Transport = http.NewFileTransportFS(subfs)
	return c
}

type RoundTripFunc func(*http.Request) (*http.Response, error)

func (f RoundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func Wrap(c *http.Client, mw Middleware) *http.Client {
	if c == nil {
		c = &http.Client{}
	}
	if c.Transport == nil {
		c.Transport = http.DefaultTransport
	}
	c.Transport = mw(c.Transport)
	return c
}

// MemoryCache is an httpcache.Cache which forgets everything every ttl.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string][]byte
	ttl   time.Duration
	reset time.Time
}

var _ httpcache.Cache = (*MemoryCache)(nil)

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &MemoryCache{items: map[string][]byte{}, ttl: ttl, reset: time.Now()}
}

func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire()
	resp, ok := c.items[key]
	return resp, ok
}

func (c *MemoryCache) Set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire()
	c.items[key] = data
}

func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *MemoryCache) expire() {
	if time.Since(c.reset) < c.ttl {
		return
	}
	clear(c.items)
	c.reset = time.Now()
}
