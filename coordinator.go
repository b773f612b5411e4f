package swcache

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/swcache/swcache/cache"
)

// Coordinator runs in the document role. It detects version skew between the
// running build and the deployed build and drives a safe, non-looping cache
// reset. Every failure is converted to a "no update" outcome; callers never
// see raw errors, and nothing destructive happens on uncertain evidence.
type Coordinator struct {
	store        cache.Store
	guard        *ReentrancyGuard
	versions     *versionClient
	buildVersion string
	registration Registration
	reloader     Reloader
	reloadDelay  time.Duration
	production   bool
	log          zerolog.Logger
}

// NewCoordinator initializes the document-role coordinator.
func NewCoordinator(config Config, registration Registration, reloader Reloader) *Coordinator {
	logger := config.logger()
	return &Coordinator{
		store:        config.Store,
		guard:        NewReentrancyGuard(config.KV, logger),
		versions:     newVersionClient(config.OriginURL, config.VersionPath),
		buildVersion: config.Version,
		registration: registration,
		reloader:     reloader,
		reloadDelay:  config.ReloadDelay,
		production:   config.Production,
		log:          logger,
	}
}

// Guard exposes the reentrancy guard state for observation.
func (u *Coordinator) Guard() *ReentrancyGuard {
	return u.guard
}

// CheckForUpdates fetches the version document and compares it to the build
// version. A mismatch is confirmed with a second, independent fetch before
// any destructive action. It reports whether an update was found.
// At most one check is in flight at a time; while a check is running or a
// reload is pending, further calls report no update without a network call.
func (u *Coordinator) CheckForUpdates(ctx context.Context) bool {
	if !u.guard.BeginCheck() {
		u.log.Trace().Msg("Update check already in flight or reload pending")
		return false
	}
	defer u.guard.EndCheck()

	deployed, err := u.versions.fetch(ctx)
	if err != nil {
		u.log.Debug().Err(err).Msg("Could not fetch version document")
		return false
	}
	if deployed == u.buildVersion {
		u.log.Trace().Str("deployed", deployed).Msg("No version skew")
		return false
	}
	// confirm reachability before doing anything destructive
	if _, err := u.versions.fetch(ctx); err != nil {
		u.log.Debug().Err(err).Msg("Could not confirm new version")
		return false
	}

	u.log.Info().
		Str("current", u.buildVersion).
		Str("deployed", deployed).
		Msg("New version deployed, purging caches")
	u.purge(ctx)
	return true
}

// purge deletes every cache namespace and unregisters the worker. Failures
// are logged and do not stop the update; the reload will rebuild whatever
// was left behind.
func (u *Coordinator) purge(ctx context.Context) {
	names, err := u.store.Namespaces()
	if err != nil {
		u.log.Error().Err(err).Msg("Could not list cache namespaces")
	}
	for _, name := range names {
		if err := u.store.DeleteNamespace(name); err != nil {
			u.log.Error().Err(err).Str("namespace", name).Msg("Could not delete namespace")
		}
	}
	if u.registration != nil {
		if err := u.registration.Unregister(ctx); err != nil {
			u.log.Error().Err(err).Msg("Could not unregister worker")
		}
	}
}

// ForceReload schedules a hard reload after a fixed short delay.
// It is a no-op outside production deployments, when a reload has already
// been attempted this page load, or when the durable last reload version
// equals the current build version.
func (u *Coordinator) ForceReload() {
	if !u.production {
		u.log.Debug().Msg("Not a production deployment, skipping reload")
		return
	}
	if !u.guard.BeginReload(u.buildVersion) {
		u.log.Debug().Str("version", u.buildVersion).Msg("Reload already attempted for this version")
		return
	}
	u.log.Info().Str("version", u.buildVersion).Dur("delay", u.reloadDelay).Msg("Scheduling hard reload")
	time.AfterFunc(u.reloadDelay, u.reloader.Reload)
}

// ResetReloadFlag clears the in-memory reload state once a page load has
// completed successfully, so a future version change can reload again.
func (u *Coordinator) ResetReloadFlag() {
	u.guard.Reset()
}

// SkipWaiting posts the skip-waiting control message to a worker unit in the
// waiting state, if there is one.
func (u *Coordinator) SkipWaiting() {
	if u.registration == nil {
		return
	}
	sink := u.registration.Waiting()
	if sink == nil {
		return
	}
	if err := sink.Post(Message{Type: MessageSkipWaiting}); err != nil {
		u.log.Error().Err(err).Msg("Could not post skip-waiting message")
	}
}

// Run polls for updates on the given interval until the context is
// cancelled, forcing a reload whenever an update is found.
func (u *Coordinator) Run(ctx context.Context, interval time.Duration) {
	u.log.Info().Msgf("Starting update check loop with interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.CheckForUpdates(ctx) {
				u.ForceReload()
			}
		}
	}
}
