package swcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/swcache/swcache/cache"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

// countingOrigin is a test origin that counts requests per path.
type countingOrigin struct {
	mu      sync.Mutex
	counts  map[string]int
	server  *httptest.Server
	handler http.HandlerFunc
}

func newCountingOrigin(handler http.HandlerFunc) *countingOrigin {
	o := &countingOrigin{counts: make(map[string]int), handler: handler}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.counts[r.URL.Path]++
		o.mu.Unlock()
		if o.handler != nil {
			o.handler(w, r)
			return
		}
		w.Write([]byte("content of " + r.URL.Path))
	}))
	return o
}

func (o *countingOrigin) count(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[path]
}

func testConfig(origin string, manifest ...string) Config {
	u, _ := url.Parse(origin)
	entries := make([]ManifestEntry, 0, len(manifest))
	for _, m := range manifest {
		entries = append(entries, ManifestEntry{URL: m})
	}
	logger := zerolog.Nop()
	return Config{
		Store:       cache.NewMemStore(),
		KV:          cache.NewMemKV(),
		OriginURL:   *u,
		Version:     "v1",
		Manifest:    entries,
		CachePrefix: "app",
		APIMarker:   "/api/",
		VersionPath: "/version.json",
		Production:  true,
		Logger:      &logger,
	}
}

func TestInstallSkipsExcludedEntries(t *testing.T) {
	origin := newCountingOrigin(nil)
	defer origin.server.Close()
	cfg := testConfig(origin.server.URL,
		"/app.js",
		"/styles.css",
		"https://cdn.example.com/lib.js",
		"/.htaccess",
		"https://fonts.example.net/font.woff2",
	)
	cfg.ExternalDomains = []string{"cdn.example.com"}
	cfg.SystemFiles = []string{".htaccess"}
	c := NewController(cfg)

	c.Install(context.Background())

	if got := origin.count("/app.js"); got != 1 {
		t.Fatalf("/app.js requested %d times", got)
	}
	if got := origin.count("/styles.css"); got != 1 {
		t.Fatalf("/styles.css requested %d times", got)
	}
	for _, path := range []string{"/lib.js", "/.htaccess", "/font.woff2"} {
		if got := origin.count(path); got != 0 {
			t.Fatalf("%s requested %d times, want 0", path, got)
		}
	}
	ns := cache.Namespace{Prefix: "app", Version: "v1"}
	if _, ok, _ := cfg.Store.Get(ns, "/app.js"); !ok {
		t.Fatal("/app.js not precached")
	}
}

func TestInstallContinuesAfterFailure(t *testing.T) {
	origin := newCountingOrigin(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.js" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("ok"))
	})
	defer origin.server.Close()
	cfg := testConfig(origin.server.URL, "/app.js", "/missing.js", "/styles.css")
	c := NewController(cfg)

	c.Install(context.Background())

	if c.State() != StateWaiting {
		t.Fatalf("state is %s after install", c.State())
	}
	ns := cache.Namespace{Prefix: "app", Version: "v1"}
	if _, ok, _ := cfg.Store.Get(ns, "/app.js"); !ok {
		t.Fatal("/app.js not precached")
	}
	if _, ok, _ := cfg.Store.Get(ns, "/styles.css"); !ok {
		t.Fatal("/styles.css not precached")
	}
	if _, ok, _ := cfg.Store.Get(ns, "/missing.js"); ok {
		t.Fatal("failing asset ended up in cache")
	}
}

func TestActivateDeletesStaleNamespaces(t *testing.T) {
	origin := newCountingOrigin(nil)
	defer origin.server.Close()
	cfg := testConfig(origin.server.URL)
	for _, ns := range []cache.Namespace{
		{Prefix: "app", Version: "v0"},
		{Prefix: "app", Version: "v0", API: true},
		{Prefix: "app", Version: "v1"},
	} {
		if err := cfg.Store.Put(ns, "/a", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	c := NewController(cfg)
	client := c.Clients().Register()

	c.Activate(context.Background())

	names, err := cfg.Store.Namespaces()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "app-v1" {
		t.Fatalf("namespaces after activate: %v", names)
	}
	if c.State() != StateActivated {
		t.Fatalf("state is %s after activate", c.State())
	}
	for _, cl := range c.Clients().Snapshot() {
		if cl.ID == client.ID && cl.ControllerVersion != "v1" {
			t.Fatalf("client not claimed: %+v", cl)
		}
	}
}

func TestRunDrivesFullLifecycle(t *testing.T) {
	origin := newCountingOrigin(nil)
	defer origin.server.Close()
	cfg := testConfig(origin.server.URL, "/app.js")
	c := NewController(cfg)

	c.Run(context.Background())

	if c.State() != StateActivated {
		t.Fatalf("state is %s after run", c.State())
	}
	ns := cache.Namespace{Prefix: "app", Version: "v1"}
	if _, ok, _ := cfg.Store.Get(ns, "/app.js"); !ok {
		t.Fatal("/app.js not precached")
	}
}

func TestSkipWaitingMessage(t *testing.T) {
	origin := newCountingOrigin(nil)
	defer origin.server.Close()
	c := NewController(testConfig(origin.server.URL))

	c.Post(Message{Type: "PING"})
	if len(c.skip) != 0 {
		t.Fatal("unknown message produced a skip signal")
	}
	c.Post(Message{Type: MessageSkipWaiting})
	if len(c.skip) != 1 {
		t.Fatal("skip-waiting message not signalled")
	}
	// posting twice keeps a single pending signal
	c.Post(Message{Type: MessageSkipWaiting})
	if len(c.skip) != 1 {
		t.Fatal("skip signal not deduplicated")
	}
}

func TestCacheFirstServesFromCacheWithoutNetwork(t *testing.T) {
	origin := newCountingOrigin(nil)
	defer origin.server.Close()
	cfg := testConfig(origin.server.URL, "/app.js")
	c := NewController(cfg)
	c.Run(context.Background())

	rr := httptest.NewRecorder()
	c.ServeHTTP(rr, httptest.NewRequest("GET", "/app.js", nil))

	if got := origin.count("/app.js"); got != 1 {
		t.Fatalf("/app.js requested %d times, want only the precache request", got)
	}
	if body, _ := io.ReadAll(rr.Result().Body); string(body) != "content of /app.js" {
		t.Fatalf("body is %s", body)
	}
	if cs := rr.Result().Header.Get("Cache-Status"); cs != "swcache; hit" {
		t.Fatalf("Cache-Status is %q", cs)
	}
}

func TestCacheFirstFetchesAndStoresOnMiss(t *testing.T) {
	origin := newCountingOrigin(nil)
	defer origin.server.Close()
	cfg := testConfig(origin.server.URL, "/app.js")
	c := NewController(cfg)
	// no install: the static namespace starts empty

	c.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/app.js", nil))
	if got := origin.count("/app.js"); got != 1 {
		t.Fatalf("/app.js requested %d times", got)
	}

	rr := httptest.NewRecorder()
	c.ServeHTTP(rr, httptest.NewRequest("GET", "/app.js", nil))
	if got := origin.count("/app.js"); got != 1 {
		t.Fatalf("/app.js requested %d times after second serve", got)
	}
	if body, _ := io.ReadAll(rr.Result().Body); string(body) != "content of /app.js" {
		t.Fatalf("body is %s", body)
	}
}

func TestNetworkFirstAlwaysTriesNetworkFirst(t *testing.T) {
	calls := 0
	origin := newCountingOrigin(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprintf(w, "call %d", calls)
	})
	defer origin.server.Close()
	cfg := testConfig(origin.server.URL)
	c := NewController(cfg)

	first := httptest.NewRecorder()
	c.ServeHTTP(first, httptest.NewRequest("GET", "/api/list", nil))
	second := httptest.NewRecorder()
	c.ServeHTTP(second, httptest.NewRequest("GET", "/api/list", nil))

	if got := origin.count("/api/list"); got != 2 {
		t.Fatalf("/api/list requested %d times, want 2", got)
	}
	if body := first.Body.String(); body != "call 1" {
		t.Fatalf("first body is %s", body)
	}
	if body := second.Body.String(); body != "call 2" {
		t.Fatalf("second body is %s", body)
	}
}

func TestNetworkFirstFallsBackToCacheOnFailure(t *testing.T) {
	origin := newCountingOrigin(nil)
	cfg := testConfig(origin.server.URL)
	c := NewController(cfg)

	c.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/list", nil))
	origin.server.Close()

	rr := httptest.NewRecorder()
	c.ServeHTTP(rr, httptest.NewRequest("GET", "/api/list", nil))
	if rr.Result().StatusCode != http.StatusOK {
		t.Fatalf("status is %d", rr.Result().StatusCode)
	}
	if body, _ := io.ReadAll(rr.Result().Body); string(body) != "content of /api/list" {
		t.Fatalf("body is %s", body)
	}

	// a request that was never cached fails visibly
	rr = httptest.NewRecorder()
	c.ServeHTTP(rr, httptest.NewRequest("GET", "/api/other", nil))
	if rr.Result().StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status is %d for uncached miss", rr.Result().StatusCode)
	}
}

func TestUncategorizedRequestsPassThrough(t *testing.T) {
	origin := newCountingOrigin(nil)
	defer origin.server.Close()
	cfg := testConfig(origin.server.URL, "/app.js")
	c := NewController(cfg)

	c.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/other.html", nil))
	c.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/other.html", nil))

	if got := origin.count("/other.html"); got != 2 {
		t.Fatalf("/other.html requested %d times, want 2", got)
	}
	names, _ := cfg.Store.Namespaces()
	if len(names) != 0 {
		t.Fatalf("pass-through request was stored: %v", names)
	}
}

func TestDynamicEndpointsBypassed(t *testing.T) {
	origin := newCountingOrigin(nil)
	defer origin.server.Close()
	cfg := testConfig(origin.server.URL)
	cfg.DynamicEndpoints = []string{"/live/"}
	c := NewController(cfg)

	c.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/live/feed.js", nil))
	c.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/live/feed.js", nil))

	if got := origin.count("/live/feed.js"); got != 2 {
		t.Fatalf("/live/feed.js requested %d times, want 2", got)
	}
	names, _ := cfg.Store.Namespaces()
	if len(names) != 0 {
		t.Fatalf("bypassed request was stored: %v", names)
	}
}

func TestClassifyPriorities(t *testing.T) {
	origin := newCountingOrigin(nil)
	defer origin.server.Close()
	cfg := testConfig(origin.server.URL, "/app.js")
	cfg.ExternalDomains = []string{"cdn.example.com"}
	cfg.DynamicEndpoints = []string{"/live/"}
	c := NewController(cfg)

	for target, want := range map[string]requestClass{
		"ftp://example.com/file":           classBypass,
		"https://cdn.example.com/anything": classBypass,
		"/live/api/feed":                   classBypass,
		"/api/words":                       classAPI,
		"/app.js":                          classStatic,
		"/index.html":                      classPassthrough,
	} {
		if got := c.classify(httptest.NewRequest("GET", target, nil)); got != want {
			t.Fatalf("classify(%s) = %d, want %d", target, got, want)
		}
	}
}

func TestUnregisteredControllerPassesThrough(t *testing.T) {
	origin := newCountingOrigin(nil)
	defer origin.server.Close()
	cfg := testConfig(origin.server.URL, "/app.js")
	c := NewController(cfg)
	c.Run(context.Background())

	if err := c.Unregister(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/app.js", nil))
	c.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/app.js", nil))

	// one precache request plus two pass-through requests
	if got := origin.count("/app.js"); got != 3 {
		t.Fatalf("/app.js requested %d times, want 3", got)
	}
}
