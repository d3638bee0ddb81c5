// Package service wires every subsystem — block cache, process-IO
// mediation, descriptor table, provenance capture, and the control
// endpoint — into one root value, the way a daemon's top-level object
// graph is assembled once at startup and threaded down through
// component-scoped loggers rather than relying on package-level globals.
package service

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/repeatfs/repeatfs/clock"
	"github.com/repeatfs/repeatfs/internal/blockcache"
	"github.com/repeatfs/repeatfs/internal/config"
	"github.com/repeatfs/repeatfs/internal/control"
	"github.com/repeatfs/repeatfs/internal/descriptor"
	"github.com/repeatfs/repeatfs/internal/fsid"
	"github.com/repeatfs/repeatfs/internal/procsnap"
	"github.com/repeatfs/repeatfs/internal/provenance"
)

// Service is the assembled root object graph for one mount instance.
type Service struct {
	Logger *slog.Logger

	Config *config.Config
	Root   fsid.Root

	Descriptors *descriptor.Table
	Cache       *blockcache.Engine
	Provenance  *provenance.Store
	Tracker     *provenance.Tracker
	Control     *control.Endpoint

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// Options carries the resolved settings New needs beyond the VDF rule
// config, kept separate so callers building a Service for tests can skip
// most of it.
type Options struct {
	MountRoot  string
	MountPoint string
	CacheDir   string // directory backing the provenance database; the disk-overflow cache uses cfg.Global.CachePath
	SystemName string // hostname recorded on every provenance process row
}

// New constructs a fully wired Service: descriptor table, block cache
// engine, provenance store and tracker, and the control endpoint. The
// block cache and control endpoint each get a component-scoped logger
// derived from logger.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SystemName == "" {
		name, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolving hostname: %w", err)
		}
		opts.SystemName = name
	}

	descs := descriptor.NewTable()
	clk := clock.RealClock{}

	store, err := provenance.Open(opts.CacheDir, opts.MountRoot, opts.MountPoint, opts.SystemName, bootTime())
	if err != nil {
		return nil, fmt.Errorf("opening provenance store: %w", err)
	}

	cache := blockcache.NewEngine(cfg, clk, descs, logger.With("component", "blockcache"), store)
	tracker := provenance.NewTracker(store, descs, procsnap.Default(), clk, opts.MountRoot, opts.MountPoint)

	root := fsid.Root{Real: opts.MountRoot, Mount: opts.MountPoint, Config: cfg}

	svc := &Service{
		Logger:      logger,
		Config:      cfg,
		Root:        root,
		Descriptors: descs,
		Cache:       cache,
		Provenance:  store,
		Tracker:     tracker,
		shutdownCh:  make(chan struct{}),
	}

	svc.Control = control.NewEndpoint(cache, store, logger.With("component", "control"), svc.requestShutdown)
	return svc, nil
}

// bootTime returns the current wall-clock time in seconds, which New
// records as the provenance store's boot time; it does not look up the
// host's boot time. procsnap resolves the real boot time for the
// processes it snapshots.
func bootTime() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func (s *Service) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Done returns a channel closed once a control-endpoint shutdown command
// has been processed, letting the command that started the mount loop
// know when to unwind.
func (s *Service) Done() <-chan struct{} { return s.shutdownCh }

// Close releases the resources New acquired: the provenance database
// handle. The block cache and descriptor table hold no OS resources of
// their own beyond what individual Entry cache files already manage.
func (s *Service) Close() error {
	if s.Provenance != nil {
		return s.Provenance.Close()
	}
	return nil
}
