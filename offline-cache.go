package offlinecache

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/pkg/metrics"
	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
	"github.com/always-cache/offline-cache/policy"
	"github.com/always-cache/offline-cache/router"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const DefaultVersion = "v2"

const instrumentationName = "github.com/always-cache/offline-cache"

type Config struct {
	// Storage for cache partitions. An in-memory cache is used if nil.
	Cache cache.CacheProvider
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Version tag of the cache partitions.
	Version string
	// App shell resources stored on install.
	Precache []string
	// Also store the assets linked from the root document on install.
	DiscoverAssets bool
	// Extra resources stored with the discovered assets.
	CriticalResources []string
	// Stay installed until a SKIP_WAITING message arrives.
	WaitForSkipWaiting bool
	// Partitions with these prefixes survive activation. Defaults to "workbox".
	ReservedPrefixes []string
	// Query parameters (regular expressions) left out of cache keys.
	IgnoredParams []string
	// Request classification. The default rules are used if empty.
	Rules router.Rules
	// Fallback resources. The defaults are used if empty.
	Fallbacks policy.Fallbacks
	// Strategy for requests of the generic class.
	GenericStrategy string
	// Bounds of the assets and images partitions. Unbounded if empty.
	AssetsExpiration cache.Expiration
	ImagesExpiration cache.Expiration
	// Client for the network leg in origin mode.
	Client *http.Client
	// Where request spans go. The global provider is used if nil.
	TracerProvider trace.TracerProvider
}

// Engine intercepts requests and answers them through the caching policies
// once it is activated.
type Engine struct {
	cache       *cache.Manager
	env         *policy.Env
	router      *router.Router
	log         zerolog.Logger
	tracer      trace.Tracer
	version     string
	passthrough http.Handler

	precache           []string
	discoverAssets     bool
	criticalResources  []string
	waitForSkipWaiting bool
	reservedPrefixes   []string

	mu          sync.Mutex
	state       State
	skipWaiting bool
	active      atomic.Bool
}

// New creates an engine proxying to the configured origin.
// Requests pass through untouched until the engine is activated.
func New(config Config) *Engine {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	version := config.Version
	if version == "" {
		version = DefaultVersion
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Str("cacheVersion", version).
		Logger()

	provider := config.Cache
	if provider == nil {
		provider = cache.NewMemCache()
	}
	manager := cache.NewManager(provider, &logger)

	ignored := config.IgnoredParams
	if ignored == nil {
		ignored = cachekey.DefaultIgnoredParams
	}
	keyer, err := cachekey.NewCacheKeyer(ignored...)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid ignored params, keeping all query params")
		keyer, _ = cachekey.NewCacheKeyer()
	}

	rules := config.Rules
	if rules.Empty() {
		rules = router.DefaultRules()
	}
	fallbacks := config.Fallbacks
	if fallbacks.Empty() {
		fallbacks = policy.DefaultFallbacks()
	}
	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	reserved := config.ReservedPrefixes
	if reserved == nil {
		reserved = []string{"workbox"}
	}

	e := &Engine{
		cache:              manager,
		log:                logger,
		tracer:             tp.Tracer(instrumentationName),
		version:            version,
		precache:           config.Precache,
		discoverAssets:     config.DiscoverAssets,
		criticalResources:  config.CriticalResources,
		waitForSkipWaiting: config.WaitForSkipWaiting,
		reservedPrefixes:   reserved,
		state:              StateParsed,
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: config.OriginHost,
			},
		}
	}
	director := createDirector(config.OriginURL.Scheme, host, hostHeader)
	e.passthrough = &httputil.ReverseProxy{
		Director:  director,
		Transport: transport,
	}
	client := config.Client
	if client == nil {
		client = &http.Client{
			Transport: transport,
			// redirects are answered to the client as they are
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	e.env = &policy.Env{
		Cache: manager,
		Partitions: policy.Partitions{
			AppShell: manager.Handle(AppShellPartition(version)),
			Assets:   manager.Handle(AssetsPartition(version), cache.WithExpiration(config.AssetsExpiration)),
			Images:   manager.Handle(ImagesPartition(version), cache.WithExpiration(config.ImagesExpiration)),
		},
		Fetcher:   originFetcher{client: client, director: director},
		Keyer:     keyer,
		Fallbacks: fallbacks,
		Log:       logger,
	}
	e.router = router.New(rules, map[router.Class]policy.Policy{
		router.ClassCritical:   policy.CacheFirst{Env: e.env},
		router.ClassHashed:     policy.NetworkFirstHashed{Env: e.env},
		router.ClassNavigation: policy.NavigationFallback{Env: e.env},
		router.ClassImage:      policy.ImageFallback{Env: e.env},
		router.ClassGeneric: policy.Generic{
			Env:        e.env,
			Revalidate: config.GenericStrategy == policy.StrategyStaleWhileRevalidate,
		},
	})
	return e
}

// Middleware makes next the network for all policies and the handler for
// requests that are not intercepted. It must be called before serving.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	e.passthrough = next
	e.env.Fetcher = handlerFetcher{next: next}
	return e
}

func AppShellPartition(version string) string { return "app-shell-" + version }
func AssetsPartition(version string) string   { return "assets-cache-" + version }
func ImagesPartition(version string) string   { return "images-cache-" + version }

func (e *Engine) Version() string {
	return e.version
}

// Wait blocks until background cache refreshes have finished.
// Call it before closing the cache storage.
func (e *Engine) Wait() {
	e.env.Wait()
}

// ServeHTTP implements the http.Handler interface.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !e.active.Load() {
		e.passthrough.ServeHTTP(w, r)
		return
	}
	class, p, ok := e.router.Route(r)
	if !ok {
		e.log.Trace().Str("url", r.URL.String()).Msg("Passing request through")
		e.passthrough.ServeHTTP(w, r)
		return
	}

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := e.tracer.Start(ctx, "offlinecache.resolve", trace.WithAttributes(
		attribute.String("offlinecache.class", string(class)),
		attribute.String("offlinecache.policy", p.Name()),
	))
	res, cs, ok := e.resolve(p, r.WithContext(ctx))
	span.SetAttributes(attribute.String("offlinecache.cache_status", cs.String()))
	span.End()
	if !ok {
		e.passthrough.ServeHTTP(w, r)
		return
	}

	metrics.Responses.WithLabelValues(string(class), cs.Source()).Inc()
	e.send(w, r, res, cs)
	e.logRequest(r, class, cs)
}

// resolve runs the policy. A panicking policy reports !ok so the request can
// still be passed through.
func (e *Engine) resolve(p policy.Policy, r *http.Request) (res *http.Response, cs cachestatus.CacheStatus, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error().Interface("panic", rec).Str("url", r.URL.String()).Msg("Policy failed, passing request through")
			ok = false
		}
	}()
	res, cs = p.Resolve(r)
	return res, cs, res != nil
}

func (e *Engine) send(w http.ResponseWriter, r *http.Request, res *http.Response, cs cachestatus.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Set(cachestatus.HeaderName, cs.String())
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		e.log.Error().Err(err).Msg("Could not write response body to client")
	}
	e.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (e *Engine) logRequest(r *http.Request, class router.Class, cs cachestatus.CacheStatus) {
	isHit := 0
	if cs.Status == cachestatus.StatusHit {
		isHit = 1
	}
	e.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("class", string(class)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Str("source", cs.Source()).
		Int("hit", isHit).
		Msg("Sending response to client")
}

// originFetcher is the network leg in origin mode.
type originFetcher struct {
	client   *http.Client
	director func(*http.Request)
}

// Conditional headers would allow a 304, which is not a storable response.
var conditionalHeaders = []string{"If-None-Match", "If-Modified-Since", "If-Match", "If-Unmodified-Since", "If-Range"}

func (f originFetcher) Fetch(r *http.Request) (*http.Response, error) {
	req := r.Clone(r.Context())
	req.RequestURI = ""
	f.director(req)
	for _, h := range conditionalHeaders {
		req.Header.Del(h)
	}
	return f.client.Do(req)
}

// handlerFetcher is the network leg in middleware mode.
type handlerFetcher struct {
	next http.Handler
}

func (f handlerFetcher) Fetch(r *http.Request) (res *http.Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	rw := tee.NewResponseSaver(nil)
	f.next.ServeHTTP(rw, r)
	return rw.Result(r)
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
