package swcache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/swcache/swcache/cache"
)

// Config wires the capabilities and settings shared by the Controller and
// the Coordinator.
type Config struct {
	// Storage for cached responses.
	Store cache.Store
	// Durable storage for the reload flags.
	KV cache.KV
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Version string baked in at build time.
	Version string
	// Build manifest, consumed once per install.
	Manifest []ManifestEntry
	// Prefix for cache namespace names.
	CachePrefix string
	// Path substring identifying API requests.
	APIMarker string
	// Path substrings of dynamic script endpoints that are never intercepted.
	DynamicEndpoints []string
	// Substrings identifying external-domain URLs to exclude.
	ExternalDomains []string
	// Substrings identifying system files to exclude.
	SystemFiles []string
	// Relative path of the version document.
	VersionPath string
	// Delay before a forced reload is performed.
	ReloadDelay time.Duration
	// Reloads only happen in production-like deployments.
	Production bool
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

func (c Config) logger() zerolog.Logger {
	var logger zerolog.Logger
	if c.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *c.Logger
	}
	return logger.With().Str("version", c.Version).Logger()
}

// LifecycleState is the worker lifecycle phase.
// Transitions run Installing -> Waiting -> Activating -> Activated; the
// skip-waiting message provides the edge out of Waiting.
type LifecycleState string

const (
	StateInstalling LifecycleState = "installing"
	StateWaiting    LifecycleState = "waiting"
	StateActivating LifecycleState = "activating"
	StateActivated  LifecycleState = "activated"
)

// requestClass is the per-request caching policy picked during interception.
type requestClass int

const (
	classBypass requestClass = iota
	classAPI
	classStatic
	classPassthrough
)

const precacheConcurrency = 4

// Controller runs in the worker role. It owns the install/activate lifecycle
// of the per-version cache namespaces and serves intercepted requests under
// a per-request-class policy.
type Controller struct {
	store            cache.Store
	log              zerolog.Logger
	version          string
	prefix           string
	apiMarker        string
	dynamicEndpoints []string
	externalDomains  []string
	manifest         []string
	manifestSet      map[string]struct{}
	originURL        url.URL
	client           http.Client
	clients          *ClientRegistry

	mu           sync.Mutex
	state        LifecycleState
	unregistered bool
	skip         chan struct{}
}

// NewController initializes the worker-role controller.
// The manifest is filtered against the exclusion lists up front; install
// only ever touches the surviving URLs.
func NewController(config Config) *Controller {
	manifest := filterManifest(config.Manifest, config.ExternalDomains, config.SystemFiles)
	manifestSet := make(map[string]struct{}, len(manifest))
	for _, u := range manifest {
		manifestSet[u] = struct{}{}
	}

	return &Controller{
		store:            config.Store,
		log:              config.logger(),
		version:          config.Version,
		prefix:           config.CachePrefix,
		apiMarker:        config.APIMarker,
		dynamicEndpoints: config.DynamicEndpoints,
		externalDomains:  config.ExternalDomains,
		manifest:         manifest,
		manifestSet:      manifestSet,
		originURL:        config.OriginURL,
		client: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		clients: NewClientRegistry(),
		state:   StateInstalling,
		skip:    make(chan struct{}, 1),
	}
}

func (c *Controller) staticNamespace() cache.Namespace {
	return cache.Namespace{Prefix: c.prefix, Version: c.version}
}

func (c *Controller) apiNamespace() cache.Namespace {
	return cache.Namespace{Prefix: c.prefix, Version: c.version, API: true}
}

// State returns the current lifecycle phase.
func (c *Controller) State() LifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(state LifecycleState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.log.Debug().Str("state", string(state)).Msg("Lifecycle transition")
}

// Clients returns the registry of client documents attached to this worker.
func (c *Controller) Clients() *ClientRegistry {
	return c.clients
}

// Install precaches the filtered manifest into the static namespace.
// Per-file failures are logged and skipped; install as a whole always
// completes, and on completion signals readiness to skip the waiting phase.
func (c *Controller) Install(ctx context.Context) {
	c.setState(StateInstalling)
	ns := c.staticNamespace()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheConcurrency)
	for _, u := range c.manifest {
		u := u
		g.Go(func() error {
			if err := c.precache(ctx, ns, u); err != nil {
				c.log.Error().Err(err).Str("url", u).Msg("Could not precache asset")
			}
			return nil
		})
	}
	g.Wait()
	c.log.Info().Int("assets", len(c.manifest)).Str("namespace", ns.Name()).Msg("Install complete")
	c.setState(StateWaiting)
	c.Post(Message{Type: MessageSkipWaiting})
}

func (c *Controller) precache(ctx context.Context, ns cache.Namespace, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	res, err := c.fetch(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", res.Status)
	}
	b, err := responseToBytes(res)
	if err != nil {
		return err
	}
	return c.store.Put(ns, u, b)
}

// Activate deletes every namespace that does not belong to the current
// version and then claims all registered clients. Deletion completes before
// any client is claimed.
func (c *Controller) Activate(ctx context.Context) {
	c.setState(StateActivating)
	keep := map[string]struct{}{
		c.staticNamespace().Name(): {},
		c.apiNamespace().Name():    {},
	}
	names, err := c.store.Namespaces()
	if err != nil {
		c.log.Error().Err(err).Msg("Could not list cache namespaces")
	}
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := c.store.DeleteNamespace(name); err != nil {
			c.log.Error().Err(err).Str("namespace", name).Msg("Could not delete stale namespace")
			continue
		}
		c.log.Debug().Str("namespace", name).Msg("Deleted stale namespace")
	}
	claimed := c.clients.Claim(c.version)
	c.log.Info().Int("clients", claimed).Msg("Activated")
	c.setState(StateActivated)
}

// Post accepts a control message from the document role.
// A skip-waiting message advances the lifecycle out of the waiting phase;
// everything else is ignored.
func (c *Controller) Post(msg Message) error {
	if msg.Type != MessageSkipWaiting {
		c.log.Debug().Str("type", msg.Type).Msg("Ignoring unknown control message")
		return nil
	}
	select {
	case c.skip <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the full lifecycle: install, wait for the skip signal, activate.
// Install itself posts the skip signal on completion, so the waiting phase
// only persists if install is interrupted.
func (c *Controller) Run(ctx context.Context) {
	c.Install(ctx)
	select {
	case <-c.skip:
	case <-ctx.Done():
		return
	}
	c.Activate(ctx)
}

// Unregister detaches the worker: every subsequent request passes through to
// the origin untouched.
func (c *Controller) Unregister(ctx context.Context) error {
	c.mu.Lock()
	c.unregistered = true
	c.mu.Unlock()
	c.log.Info().Msg("Worker unregistered")
	return nil
}

func (c *Controller) isUnregistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unregistered
}

// ServeHTTP implements the http.Handler interface.
// It classifies each intercepted request and applies the matching strategy.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch c.classify(r) {
	case classAPI:
		c.networkFirst(w, r)
	case classStatic:
		c.cacheFirst(w, r)
	default:
		c.passthrough(w, r)
	}
}

// classify picks the request class, in priority order: bypass, API,
// manifest match, everything else.
func (c *Controller) classify(r *http.Request) requestClass {
	if c.isUnregistered() {
		return classBypass
	}
	if r.URL.Scheme != "" && r.URL.Scheme != "http" && r.URL.Scheme != "https" {
		return classBypass
	}
	if containsAny(r.URL.String(), c.externalDomains) || containsAny(r.URL.Path, c.dynamicEndpoints) {
		return classBypass
	}
	if c.apiMarker != "" && strings.Contains(r.URL.Path, c.apiMarker) {
		return classAPI
	}
	if _, ok := c.manifestSet[r.URL.RequestURI()]; ok {
		return classStatic
	}
	return classPassthrough
}

// fetch requests the resource specified in the incoming request from the origin.
func (c *Controller) fetch(r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, c.originURL.String()+r.URL.RequestURI(), r.Body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	req.Host = c.originURL.Host
	return c.client.Do(req)
}

// networkFirst tries the origin and stores successful responses in the API
// namespace. On network failure it falls back to whatever is stored, which
// may be nothing.
func (c *Controller) networkFirst(w http.ResponseWriter, r *http.Request) {
	key := r.URL.RequestURI()
	res, err := c.fetch(r)
	if err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("Network failed, falling back to cache")
		c.serveCached(w, c.apiNamespace(), key, http.StatusGatewayTimeout)
		return
	}
	if isSuccess(res.StatusCode) {
		c.storeResponse(c.apiNamespace(), key, res)
	}
	if err := send(w, res); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not write response body to client")
	}
}

// cacheFirst serves the stored static response when present, without an
// origin call. On a miss it fetches, stores a successful response, and
// returns it; there is no further fallback.
func (c *Controller) cacheFirst(w http.ResponseWriter, r *http.Request) {
	key := r.URL.RequestURI()
	ns := c.staticNamespace()
	if b, ok, err := c.store.Get(ns, key); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
	} else if ok {
		if res, err := bytesToResponse(b); err == nil {
			c.log.Trace().Str("key", key).Msg("Cache hit and serving")
			w.Header().Set("Cache-Status", "swcache; hit")
			send(w, res)
			return
		}
		// corrupted entry, refetch below and overwrite
		c.log.Error().Str("key", key).Msg("Corrupted cache entry")
	}
	res, err := c.fetch(r)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not reach origin")
		http.Error(w, "could not reach origin", http.StatusBadGateway)
		return
	}
	if isSuccess(res.StatusCode) {
		c.storeResponse(ns, key, res)
	}
	if err := send(w, res); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not write response body to client")
	}
}

// passthrough pipes the request to the origin without any cache interaction.
func (c *Controller) passthrough(w http.ResponseWriter, r *http.Request) {
	res, err := c.fetch(r)
	if err != nil {
		c.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not reach origin")
		http.Error(w, "could not reach origin", http.StatusBadGateway)
		return
	}
	if err := send(w, res); err != nil {
		c.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not write response body to client")
	}
}

func (c *Controller) serveCached(w http.ResponseWriter, ns cache.Namespace, key string, missStatus int) {
	b, ok, err := c.store.Get(ns, key)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
	}
	if !ok {
		http.Error(w, "no cached response", missStatus)
		return
	}
	res, err := bytesToResponse(b)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Corrupted cache entry")
		http.Error(w, "no cached response", missStatus)
		return
	}
	c.log.Trace().Str("key", key).Msg("Serving cached fallback")
	w.Header().Set("Cache-Status", "swcache; hit")
	send(w, res)
}

// storeResponse serializes and stores a response, restoring its body so it
// can still be sent to the client. Storage failures are non-fatal.
func (c *Controller) storeResponse(ns cache.Namespace, key string, res *http.Response) {
	b, err := responseToBytes(res)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not serialize response")
		return
	}
	if err := c.store.Put(ns, key, b); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return
	}
	c.log.Trace().Str("key", key).Str("namespace", ns.Name()).Msg("Cache write")
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
