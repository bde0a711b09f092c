package supervisor

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/beflow/beflow/internal/cache"
	"github.com/beflow/beflow/internal/config"
	"github.com/beflow/beflow/internal/coordinator"
	internalhttp "github.com/beflow/beflow/internal/http"
	internalqueue "github.com/beflow/beflow/internal/queue"
	internalstorage "github.com/beflow/beflow/internal/storage"
	"github.com/beflow/beflow/internal/worker"
	"github.com/beflow/beflow/pkg/executor"
	"github.com/beflow/beflow/pkg/models"
	"github.com/beflow/beflow/pkg/queue"
	"github.com/beflow/beflow/pkg/storage"
)

// Logger defines the logging interface for the supervisor.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Option customizes a supervisor before Start.
type Option func(*Supervisor)

// WithExecutors overrides the executor registry, e.g. with in-process fakes
// for tests. The default registry shells out per the configured commands.
func WithExecutors(registry executor.Registry) Option {
	return func(s *Supervisor) { s.registry = registry }
}

// Supervisor owns the process lifecycle: it brings up the result store, the
// task queue, the cache manager, the coordinator and the worker pools in
// order, and tears them down in reverse with a drain grace period.
type Supervisor struct {
	cfg      config.Settings
	log      Logger
	registry executor.Registry

	mu      sync.Mutex
	started bool
	stopped bool

	store  storage.Store
	queue  queue.Queue
	cache  *cache.Manager
	svc    *coordinator.Service
	server *internalhttp.Server
	pools  []*worker.Pool

	group      *errgroup.Group
	cancelBase context.CancelFunc
}

func New(cfg config.Settings, log Logger, opts ...Option) *Supervisor {
	s := &Supervisor{cfg: cfg, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Service exposes the coordinator, e.g. for tests driving the HTTP router
// directly.
func (s *Supervisor) Service() *coordinator.Service {
	return s.svc
}

// Start brings the executor up. It returns once every component is running;
// the HTTP server keeps serving in the background until Shutdown.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("supervisor already started")
	}
	s.started = true

	baseCtx, cancel := context.WithCancel(context.Background())
	s.cancelBase = cancel
	s.group, _ = errgroup.WithContext(baseCtx)

	store, err := internalstorage.InitStore(s.cfg.StoreURL)
	if err != nil {
		return errors.Wrap(err, "open result store")
	}
	s.store = store

	q, err := internalqueue.InitQueue(s.cfg.QueueURL, store, s.cfg.RetryLimits(), s.log)
	if err != nil {
		return errors.Wrap(err, "open task queue")
	}
	s.queue = q

	s.cache = cache.NewManager(store, s.log)
	s.cache.Start()

	s.svc = coordinator.NewService(store, q, s.cache, s.cfg, s.log)
	if err := s.svc.Resume(); err != nil {
		return errors.Wrap(err, "resume submissions")
	}

	if s.registry == nil {
		s.registry = executor.NewSubprocessRegistry(map[string][]string{
			models.FragmentRoutingKey: s.cfg.FragmenterCommand,
			models.QCRoutingKey:       s.cfg.QCComputeCommand,
			models.OptimizeRoutingKey: s.cfg.OptimizerCommand,
		}, "", s.cfg.KeepFiles)
	}

	for _, poolCfg := range s.poolConfigs() {
		exec, ok := s.registry[poolCfg.RoutingKey]
		if !ok {
			s.log.Infof("No %s executor configured; pool not started", poolCfg.RoutingKey)
			continue
		}
		pool := worker.NewPool(poolCfg, store, q, s.cache, exec, s.log)
		pool.Start(baseCtx)
		s.pools = append(s.pools, pool)
	}

	s.server = internalhttp.NewServer(s.cfg.Bind, s.svc, s.cfg.RequestTimeout, s.log)
	s.group.Go(s.server.Start)

	s.log.Infof("Bespoke executor started on %s", s.cfg.Bind)
	return nil
}

// Shutdown stops intake, drains workers up to the grace period, then stops
// the coordinator, cache, queue and store. A second call is a no-op.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	// Stop accepting new submissions first.
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.log.Errorf("HTTP shutdown: %v", err)
		}
	}

	// Signal workers to drain and wait for in-flight tasks.
	for _, pool := range s.pools {
		pool.Stop(s.cfg.ShutdownGrace)
	}
	if s.cancelBase != nil {
		s.cancelBase()
	}

	if s.svc != nil {
		if err := s.svc.Shutdown(ctx); err != nil {
			s.log.Errorf("Coordinator shutdown: %v", err)
		}
	}
	if s.cache != nil {
		s.cache.Stop()
	}
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			s.log.Errorf("Queue close: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Errorf("Store close: %v", err)
		}
	}
	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			return err
		}
	}
	s.log.Infof("Bespoke executor stopped")
	return nil
}

func (s *Supervisor) poolConfigs() []worker.Config {
	return []worker.Config{
		{
			RoutingKey:  models.FragmentRoutingKey,
			Size:        s.cfg.NFragmenterWorkers,
			Cores:       1,
			LeaseTTL:    s.cfg.LeaseTTL,
			TaskTimeout: s.cfg.TaskTimeout,
		},
		{
			RoutingKey:      models.QCRoutingKey,
			Size:            s.cfg.NQCComputeWorkers,
			Cores:           s.cfg.QCCores(),
			MemoryPerCoreGB: s.cfg.QCComputeMaxMem,
			LeaseTTL:        s.cfg.LeaseTTL,
			TaskTimeout:     s.cfg.TaskTimeout,
		},
		{
			RoutingKey:  models.OptimizeRoutingKey,
			Size:        s.cfg.NOptimizerWorkers,
			Cores:       1,
			LeaseTTL:    s.cfg.LeaseTTL,
			TaskTimeout: s.cfg.TaskTimeout,
		},
	}
}
