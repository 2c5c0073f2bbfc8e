// Package policy resolves intercepted requests from the network, the cache,
// or a synthesized fallback. A policy always produces a response.
package policy

import (
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/pkg/metrics"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Policy turns a request into a response. Resolve never fails:
// when neither network nor cache can answer, a synthesized response is returned.
type Policy interface {
	Name() string
	Resolve(r *http.Request) (*http.Response, cachestatus.CacheStatus)
}

// Fetcher performs the network leg of a policy.
type Fetcher interface {
	Fetch(r *http.Request) (*http.Response, error)
}

type FetcherFunc func(r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(r *http.Request) (*http.Response, error) {
	return f(r)
}

// StatusError reports a network response that was not a success.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded with status %d", e.StatusCode)
}

type Partitions struct {
	AppShell *cache.Partition
	Assets   *cache.Partition
	Images   *cache.Partition
}

type Fallbacks struct {
	// Cached icon served when a critical icon cannot be fetched.
	Icon string `yaml:"icon"`
	// Cached image served when an image cannot be fetched.
	Image string `yaml:"image"`
	// Paths of the root document of the app shell, in lookup order.
	RootDocuments []string `yaml:"rootDocuments"`
	// Values for the synthesized manifest and offline page.
	AppName         string `yaml:"appName"`
	ShortName       string `yaml:"shortName"`
	ThemeColor      string `yaml:"themeColor"`
	BackgroundColor string `yaml:"backgroundColor"`
}

func DefaultFallbacks() Fallbacks {
	return Fallbacks{
		Icon:            "/logo/icon-144.png",
		Image:           "/logo/logo.png",
		RootDocuments:   []string{"/index.html", "/"},
		AppName:         "PWA JBCS",
		ShortName:       "JBCS",
		ThemeColor:      "#0b1220",
		BackgroundColor: "#0b1220",
	}
}

func (f Fallbacks) Empty() bool {
	return f.Icon == "" && f.Image == "" && len(f.RootDocuments) == 0 && f.AppName == ""
}

// Env holds what every policy needs.
type Env struct {
	Cache      *cache.Manager
	Partitions Partitions
	Fetcher    Fetcher
	Keyer      cachekey.CacheKeyer
	Fallbacks  Fallbacks
	Log        zerolog.Logger
	// Clock for stored-at timestamps.
	Now func() time.Time

	background conc.WaitGroup
}

// goBackground runs f in a goroutine tracked by Wait.
func (e *Env) goBackground(f func()) {
	e.background.Go(f)
}

// Wait blocks until background refreshes have finished.
func (e *Env) Wait() {
	if r := e.background.WaitAndRecover(); r != nil {
		e.Log.Error().Interface("panic", r.Value).Msg("Background refresh failed")
	}
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) key(r *http.Request) string {
	key, err := e.Keyer.Key(r)
	if err != nil {
		e.Log.Warn().Err(err).Str("method", r.Method).Str("url", r.URL.String()).Msg("Request has no cache key")
		return ""
	}
	return key
}

// fetch performs the network leg. Responses other than 2xx count as failures.
func (e *Env) fetch(r *http.Request) (*http.Response, error) {
	res, err := e.Fetcher.Fetch(r)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		if res.Body != nil {
			res.Body.Close()
		}
		return nil, &StatusError{StatusCode: res.StatusCode}
	}
	return res, nil
}

// store writes res under every key. Failures are logged and never reach the client.
// It reports whether all writes succeeded.
func (e *Env) store(p *cache.Partition, res *http.Response, keys ...string) bool {
	if p == nil {
		return false
	}
	bts, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: res,
		StoredAt: e.now(),
	})
	if err != nil {
		metrics.StoreFailures.Inc()
		e.Log.Warn().Err(err).Str("partition", p.Name()).Msg("Could not serialize response")
		return false
	}
	stored := true
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := p.Put(key, bts); err != nil {
			metrics.StoreFailures.Inc()
			e.Log.Warn().Err(err).Msg("Could not write to cache")
			stored = false
		}
	}
	if stored {
		e.expire(p)
	}
	return stored
}

// expire enforces the partition's expiration after a write.
func (e *Env) expire(p *cache.Partition) {
	evicted, err := p.Expire()
	if len(evicted) > 0 {
		metrics.EvictedEntries.WithLabelValues(p.Name()).Add(float64(len(evicted)))
		e.Log.Debug().Str("partition", p.Name()).Strs("keys", evicted).Msg("Evicted expired entries")
	}
	if err != nil {
		e.Log.Warn().Err(err).Str("partition", p.Name()).Msg("Could not expire entries")
	}
}

func (e *Env) decode(entry cache.CacheEntry, r *http.Request) (*http.Response, bool) {
	sRes, err := serializer.BytesToStoredResponse(entry.Bytes)
	if err != nil {
		e.Log.Error().Err(err).Str("partition", entry.Partition).Str("key", entry.Key).Msg("Could not decode cached response")
		return nil, false
	}
	sRes.Response.Request = r
	return sRes.Response, true
}

// match looks up the key in all partitions.
func (e *Env) match(key string, r *http.Request) (*http.Response, bool) {
	if key == "" {
		return nil, false
	}
	entry, ok := e.Cache.Match(key)
	if !ok {
		return nil, false
	}
	return e.decode(entry, r)
}

// matchIn looks up the key in one partition.
func (e *Env) matchIn(p *cache.Partition, key string, r *http.Request) (*http.Response, bool) {
	if p == nil || key == "" {
		return nil, false
	}
	entry, ok := p.Match(key)
	if !ok {
		return nil, false
	}
	return e.decode(entry, r)
}

func (e *Env) scan(match func(key string) bool, r *http.Request) (*http.Response, bool) {
	entry, ok := e.Cache.Scan(match)
	if !ok {
		return nil, false
	}
	return e.decode(entry, r)
}

func (e *Env) logFailure(r *http.Request, err error) {
	e.Log.Debug().Err(err).Str("url", r.URL.String()).Msg("Network unavailable, falling back")
}
