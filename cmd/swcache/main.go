package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	swcache "github.com/swcache/swcache"
	"github.com/swcache/swcache/cache"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	dbFilenameFlag     string
	manifestFlag       string
	productionFlag     bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to serve in front of (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "swcache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&manifestFlag, "manifest", "", "Build manifest file (overrides config)")
	flag.BoolVar(&productionFlag, "production", false, "Production deployment: reload on version skew")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("daemon", version).Logger()

	config, err := getConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	if portFlag != 0 {
		config.Port = portFlag
	}
	if manifestFlag != "" {
		config.ManifestPath = manifestFlag
	}
	if productionFlag {
		config.Production = true
	}

	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	dbFilename := dbFilenameFlag
	if dbFilename == "memory" {
		dbFilename = ""
	}
	store := cache.NewSQLiteStore(dbFilename)
	kv := cache.NewSQLiteKV(dbFilename)

	// a reload signal tears down the current worker generation and adopts
	// the newly deployed version
	gw := &gateway{}
	restart := make(chan struct{}, 1)
	reloader := swcache.ReloaderFunc(func() {
		select {
		case restart <- struct{}{}:
		default:
		}
	})

	go supervise(context.Background(), config, *originURL, store, kv, gw, reloader, restart)

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(req).Debug().
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request served")
	}))
	r.Handle("/*", gw)

	log.Info().Msgf("Serving port %v in front of %s", config.Port, originURL.String())
	err = http.ListenAndServe(fmt.Sprintf(":%d", config.Port), r)

	if err != nil {
		panic(err)
	}
}

// supervise runs one worker generation at a time: resolve the deployed
// version, precache its manifest, serve, and poll for skew. A reload signal
// starts the next generation from scratch.
func supervise(ctx context.Context, config Config, originURL url.URL, store cache.Store, kv cache.KV, gw *gateway, reloader swcache.Reloader, restart <-chan struct{}) {
	for {
		appVersion, err := swcache.FetchDeployedVersion(ctx, originURL, config.VersionPath)
		if err != nil {
			log.Error().Err(err).Msg("Could not resolve deployed version, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		manifest, err := swcache.LoadManifest(config.ManifestPath)
		if err != nil {
			log.Error().Err(err).Str("file", config.ManifestPath).Msg("Could not load manifest, continuing without precache")
		}

		libConfig := swcache.Config{
			Store:            store,
			KV:               kv,
			OriginURL:        originURL,
			Version:          appVersion,
			Manifest:         manifest,
			CachePrefix:      config.CachePrefix,
			APIMarker:        config.APIMarker,
			DynamicEndpoints: config.DynamicEndpoints,
			ExternalDomains:  config.ExternalDomains,
			SystemFiles:      config.SystemFiles,
			VersionPath:      config.VersionPath,
			ReloadDelay:      config.ReloadDelay,
			Production:       config.Production,
			Logger:           &log.Logger,
		}
		controller := swcache.NewController(libConfig)
		coordinator := swcache.NewCoordinator(libConfig, swcache.NewRegistration(controller), reloader)

		runCtx, cancel := context.WithCancel(ctx)
		controller.Run(runCtx)
		gw.swap(controller)
		// the generation is serving, allow future reloads again
		coordinator.ResetReloadFlag()
		go coordinator.Run(runCtx, config.PollInterval)

		select {
		case <-restart:
			log.Info().Str("version", appVersion).Msg("Reload requested, adopting new version")
			cancel()
		case <-ctx.Done():
			cancel()
			return
		}
	}
}

// gateway swaps the active controller between worker generations without
// dropping in-flight requests.
type gateway struct {
	mu      sync.RWMutex
	handler http.Handler
}

func (g *gateway) swap(h http.Handler) {
	g.mu.Lock()
	g.handler = h
	g.mu.Unlock()
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	h := g.handler
	g.mu.RUnlock()
	if h == nil {
		http.Error(w, "starting up", http.StatusServiceUnavailable)
		return
	}
	h.ServeHTTP(w, r)
}
