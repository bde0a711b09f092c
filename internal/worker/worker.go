package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/beflow/beflow/internal/cache"
	"github.com/beflow/beflow/internal/coordinator"
	"github.com/beflow/beflow/pkg/executor"
	"github.com/beflow/beflow/pkg/models"
	"github.com/beflow/beflow/pkg/queue"
	"github.com/beflow/beflow/pkg/storage"
)

// Logger defines the logging interface for worker pools.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config sizes one pool.
type Config struct {
	RoutingKey      string
	Size            int
	Cores           int
	MemoryPerCoreGB float64
	LeaseTTL        time.Duration
	TaskTimeout     time.Duration
}

// Pool runs workers claiming tasks for one routing key. Each worker loops:
// claim, heartbeat, invoke the external executor, publish or fail, ack. A
// pool never mutates shared state beyond the queue and cache interfaces and
// the task records it owns while executing them.
type Pool struct {
	cfg   Config
	store storage.Store
	queue queue.Queue
	cache *cache.Manager
	exec  executor.StageExecutor
	log   Logger

	id     string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(cfg Config, store storage.Store, q queue.Queue, cacheMgr *cache.Manager, exec executor.StageExecutor, log Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.Cores <= 0 {
		cfg.Cores = 1
	}
	return &Pool{
		cfg:   cfg,
		store: store,
		queue: q,
		cache: cacheMgr,
		exec:  exec,
		log:   log,
		id:    uuid.NewString()[:8],
	}
}

// Start launches the pool's workers.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Size; i++ {
		workerID := fmt.Sprintf("%s-%s-%d", p.cfg.RoutingKey, p.id, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	p.log.Infof("Started %d %s worker(s)", p.cfg.Size, p.cfg.RoutingKey)
}

// Stop signals the workers to drain and waits up to grace for in-flight
// tasks before abandoning them to queue redelivery.
func (p *Pool) Stop(grace time.Duration) {
	if p.cancel == nil {
		return
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		p.log.Errorf("%s worker pool did not drain within %s", p.cfg.RoutingKey, grace)
	}
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		// Visibility is expected duration x 2; heartbeats extend it.
		delivery, err := p.queue.Claim(ctx, p.cfg.RoutingKey, 2*p.cfg.TaskTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			p.log.Errorf("Worker %s failed to claim: %v", workerID, err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		p.process(ctx, workerID, delivery)
	}
}

func (p *Pool) process(ctx context.Context, workerID string, delivery *queue.Delivery) {
	task, err := coordinator.LoadTask(p.store, delivery.TaskID)
	if err != nil {
		p.log.Errorf("Worker %s dropping unknown task %s: %v", workerID, delivery.TaskID, err)
		p.ack(delivery)
		return
	}

	if p.cancelled(task.ID) {
		p.dropCancelled(task, delivery)
		return
	}

	// Bind the lease to this delivery. Duplicate queue items for the same
	// task exist after a nack-plus-redispatch race; binding guarantees only
	// one of them executes at a time.
	acq, err := p.cache.Bind(task.Fingerprint, task.ID, delivery.Receipt, task.RoutingKey, p.cfg.LeaseTTL)
	if err != nil {
		p.log.Errorf("Worker %s failed to bind lease for task %s: %v", workerID, task.ID, err)
		p.nack(delivery, time.Second)
		return
	}
	if acq.Hit {
		if !task.Status.Terminal() {
			task.Status = models.CachedTaskStatus
			task.ResultRef = storage.CacheKey(task.Fingerprint)
			p.saveTask(task)
		}
		p.ack(delivery)
		return
	}
	if acq.HeldBy != "" {
		// Another delivery is computing this fingerprint; drop the
		// duplicate. Its outcome reaches the orchestrator via the lease.
		p.ack(delivery)
		return
	}

	task.Status = models.InFlightTaskStatus
	task.Attempts++
	p.saveTask(task)

	execCtx, cancelExec := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancelExec()
	stopBeat := p.heartbeat(execCtx, task, delivery)
	stopPoll := p.pollCancellation(execCtx, task.ID, cancelExec)

	result, execErr := p.exec.Execute(execCtx, executor.Input{
		TaskID:          task.ID,
		RoutingKey:      task.RoutingKey,
		Stage:           stageKindFor(task.RoutingKey),
		Document:        task.Input,
		Cores:           p.cfg.Cores,
		MemoryPerCoreGB: p.cfg.MemoryPerCoreGB,
	})
	stopBeat()
	stopPoll()

	if p.cancelled(task.ID) {
		// Results of cancelled tasks are discarded.
		p.dropCancelled(task, delivery)
		return
	}

	var reported *executor.Error
	switch {
	case execErr == nil:
		task.Status = models.SucceededTaskStatus
		task.ResultRef = storage.CacheKey(task.Fingerprint)
		task.LastError = nil
		p.saveTask(task)
		err := p.cache.Publish(task.Fingerprint, task.ID, delivery.Receipt, result, task.RoutingKey, workerID)
		if errors.Is(err, cache.ErrStaleLease) {
			// The lease was broken while we computed; the value is
			// discarded and the promoted waiter recomputes.
			p.log.Infof("Worker %s produced a stale result for task %s", workerID, task.ID)
			task.Status = models.PendingTaskStatus
			p.saveTask(task)
		} else if err != nil {
			p.log.Errorf("Worker %s failed to publish task %s: %v", workerID, task.ID, err)
		}
		p.ack(delivery)

	case errors.As(execErr, &reported):
		// The engine itself reported a failure: record it off the cache
		// path so retries stay possible, release waiters, ack.
		task.Status = models.PendingTaskStatus
		task.LastError = reported.Document()
		p.saveTask(task)
		if err := p.cache.Fail(task.Fingerprint, task.ID, delivery.Receipt, reported.Document()); err != nil && !errors.Is(err, cache.ErrStaleLease) {
			p.log.Errorf("Worker %s failed to record failure of task %s: %v", workerID, task.ID, err)
		}
		p.ack(delivery)

	default:
		// Recoverable failure: subprocess crash, transient I/O, timeout.
		// Release the lease and let the queue redeliver with backoff.
		task.Status = models.PendingTaskStatus
		task.LastError = transientError(execCtx, execErr)
		p.saveTask(task)
		if err := p.cache.Release(task.Fingerprint, task.ID, delivery.Receipt); err != nil && !errors.Is(err, cache.ErrStaleLease) {
			p.log.Errorf("Worker %s failed to release lease for task %s: %v", workerID, task.ID, err)
		}
		p.nack(delivery, time.Duration(task.Attempts)*2*time.Second)
	}
}

// heartbeat extends the lease and the queue visibility every ttl/3 while the
// executor runs.
func (p *Pool) heartbeat(ctx context.Context, task *models.TaskRecord, delivery *queue.Delivery) func() {
	stopped := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(p.cfg.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopped:
				return
			case <-ticker.C:
				if err := p.cache.Heartbeat(task.Fingerprint, task.ID, delivery.Receipt, p.cfg.LeaseTTL); err != nil {
					p.log.Errorf("Heartbeat for task %s failed: %v", task.ID, err)
				}
				if err := p.queue.Extend(ctx, delivery.Receipt, 2*p.cfg.TaskTimeout); err != nil {
					p.log.Errorf("Visibility extension for task %s failed: %v", task.ID, err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(stopped) }) }
}

// pollCancellation watches the task's cancellation flag between executor
// chunks and cancels the execution context when it appears.
func (p *Pool) pollCancellation(ctx context.Context, taskID string, cancelExec context.CancelFunc) func() {
	stopped := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopped:
				return
			case <-ticker.C:
				if p.cancelled(taskID) {
					cancelExec()
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(stopped) }) }
}

func (p *Pool) cancelled(taskID string) bool {
	_, err := p.store.Get(storage.CancelKey(taskID))
	return err == nil
}

func (p *Pool) dropCancelled(task *models.TaskRecord, delivery *queue.Delivery) {
	// Only a lease bound to this delivery is ours to release; pre-claim
	// drops leave the reservation to the orchestrator or the janitor.
	if err := p.cache.Release(task.Fingerprint, task.ID, delivery.Receipt); err != nil && !errors.Is(err, cache.ErrStaleLease) {
		p.log.Errorf("Failed to release lease for cancelled task %s: %v", task.ID, err)
	}
	if !task.Status.Terminal() {
		task.Status = models.FailedTaskStatus
		task.LastError = &models.ErrorDocument{Code: models.CancelledError, Message: "task cancelled"}
		p.saveTask(task)
	}
	p.ack(delivery)
}

func (p *Pool) saveTask(task *models.TaskRecord) {
	if err := coordinator.SaveTask(p.store, task); err != nil {
		p.log.Errorf("Failed to persist task %s: %v", task.ID, err)
	}
}

func (p *Pool) ack(delivery *queue.Delivery) {
	if err := p.queue.Ack(context.Background(), delivery.Receipt); err != nil && !errors.Is(err, queue.ErrUnknownReceipt) {
		p.log.Errorf("Failed to ack task %s: %v", delivery.TaskID, err)
	}
}

func (p *Pool) nack(delivery *queue.Delivery, backoff time.Duration) {
	if err := p.queue.Nack(context.Background(), delivery.Receipt, backoff); err != nil && !errors.Is(err, queue.ErrUnknownReceipt) {
		p.log.Errorf("Failed to nack task %s: %v", delivery.TaskID, err)
	}
}

func transientError(ctx context.Context, err error) *models.ErrorDocument {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &models.ErrorDocument{Code: models.TimeoutError, Message: "task wall-clock budget exceeded"}
	}
	return &models.ErrorDocument{
		Code:    models.WorkerCrashedError,
		Message: "task execution failed before acknowledgement",
		Detail:  err.Error(),
	}
}

func stageKindFor(routingKey string) models.StageKind {
	switch routingKey {
	case models.FragmentRoutingKey:
		return models.FragmentationStage
	case models.QCRoutingKey:
		return models.QCGenerationStage
	case models.OptimizeRoutingKey:
		return models.OptimizationStage
	}
	return ""
}
