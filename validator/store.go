package validator

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/jwtgate/jwtgate/config"
	"github.com/jwtgate/jwtgate/jwks"
	"github.com/jwtgate/jwtgate/metrics"
)

// Status is the store's readiness state, reported by the readiness probe.
type Status int32

const (
	// StatusStarting means the first configuration load has not finished.
	StatusStarting Status = iota
	// StatusRunning means a good configuration is serving.
	StatusRunning
	// StatusFaultyConfig means the last reload failed and the store is
	// refusing all requests until a good configuration arrives.
	StatusFaultyConfig
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusFaultyConfig:
		return "faulty configuration"
	default:
		return "unknown"
	}
}

// reloadDebounce coalesces the event bursts editors and atomic-rename
// writers produce into one reload.
const reloadDebounce = 250 * time.Millisecond

// Store owns the live resolved state: the registry, the authority caches,
// and their refresh schedule. Reloads build a complete next generation and
// swap it in atomically; requests always see either the old state or the
// new, never a mix.
type Store struct {
	path string
	opts Options
	log  logrus.FieldLogger
	m    *metrics.Metrics

	status  atomic.Int32
	current atomic.Pointer[generation]

	// mu serializes Load against concurrent reloads.
	mu sync.Mutex
}

type generation struct {
	registry *Registry
	cron     *cron.Cron
}

// NewStore creates a store for the configuration file at path. Nothing is
// loaded until Load.
func NewStore(path string, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &Store{
		path: path,
		opts: opts,
		log:  opts.Logger,
		m:    opts.Metrics,
	}
	s.status.Store(int32(StatusStarting))
	return s
}

// Status returns the current readiness state.
func (s *Store) Status() Status {
	return Status(s.status.Load())
}

// Load reads, resolves, and activates the configuration file. The first
// call is startup: any error is fatal to the process. It also kicks off the
// initial JWKS warm fetch for every authority; requests arriving before a
// warm fetch completes block on that same deduplicated fetch.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := config.Load(s.path)
	if err != nil {
		s.m.RecordReload(metrics.OutcomeError)
		return err
	}
	// Authorities in the next generation inherit warm key snapshots from
	// the one being replaced, so a reload cannot interrupt stale serving.
	opts := s.opts
	if gen := s.current.Load(); gen != nil {
		opts.Previous = gen.registry
	}
	reg, err := Resolve(cfg, opts)
	if err != nil {
		s.m.RecordReload(metrics.OutcomeError)
		return err
	}

	gen := &generation{registry: reg, cron: cron.New()}
	for _, a := range reg.Authorities() {
		a := a
		spec := fmt.Sprintf("@every %s", a.RefreshInterval())
		if _, err := gen.cron.AddFunc(spec, func() { refreshAuthority(a) }); err != nil {
			return fmt.Errorf("%w: authority %q: schedule refresh: %v", ErrConfiguration, a.Name(), err)
		}
		go refreshAuthority(a)
	}
	gen.cron.Start()

	s.swap(gen)
	s.status.Store(int32(StatusRunning))
	s.m.RecordReload(metrics.OutcomeSuccess)
	s.log.WithFields(logrus.Fields{
		"authorities": len(reg.authorities),
		"validators":  len(reg.validators),
	}).Info("configuration loaded")
	return nil
}

func refreshAuthority(a *Authority) {
	ctx, cancel := context.WithTimeout(context.Background(), jwks.DefaultFetchTimeout)
	defer cancel()
	// Failures are logged by the cache and served stale; the schedule is
	// untouched either way.
	_ = a.Keys().Refresh(ctx)
}

func (s *Store) swap(next *generation) {
	if old := s.current.Swap(next); old != nil && old.cron != nil {
		old.cron.Stop()
	}
}

// Evaluate delegates to the current registry. With no registry active (a
// failed reload cleared it) every request is denied.
func (s *Store) Evaluate(ctx context.Context, name string, headers http.Header) Decision {
	gen := s.current.Load()
	if gen == nil || gen.registry == nil {
		return deny(ReasonUnknownValidator, "no configuration loaded")
	}
	return gen.registry.Evaluate(ctx, name, headers)
}

// Names lists the configured validator names, sorted.
func (s *Store) Names() []string {
	gen := s.current.Load()
	if gen == nil || gen.registry == nil {
		return nil
	}
	return gen.registry.Names()
}

// Watch reloads the configuration whenever the file changes, until ctx
// ends. A failed reload takes the service out of rotation (faulty status,
// registry cleared) rather than serving a half-applied configuration; the
// next good reload brings it back.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and configmap mounts replace the file,
	// which would invalidate a watch on the path itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	var debounce *time.Timer
	reloads := make(chan struct{}, 1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.AfterFunc(reloadDebounce, func() {
					select {
					case reloads <- struct{}{}:
					default:
					}
				})
			} else {
				debounce.Reset(reloadDebounce)
			}
		case <-reloads:
			s.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(err).Warn("config watcher error")
		}
	}
}

func (s *Store) reload() {
	s.log.Info("configuration change detected, reloading")
	if err := s.Load(); err != nil {
		s.log.WithError(err).Error("configuration reload failed, refusing requests until a good configuration arrives")
		s.mu.Lock()
		s.status.Store(int32(StatusFaultyConfig))
		s.swap(&generation{})
		s.mu.Unlock()
	}
}

// Close stops the refresh schedule. Snapshots already being read stay
// valid; an in-flight fetch finishes or times out without being applied
// partially.
func (s *Store) Close() {
	s.swap(nil)
}
