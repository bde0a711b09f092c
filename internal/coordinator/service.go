package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/beflow/beflow/internal/cache"
	"github.com/beflow/beflow/internal/config"
	"github.com/beflow/beflow/pkg/models"
	"github.com/beflow/beflow/pkg/queue"
	"github.com/beflow/beflow/pkg/storage"
)

// Logger defines the logging interface for the coordinator service.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Service owns the submissions: it persists them, creates one orchestrator
// per live submission and serves reads for the HTTP surface.
type Service struct {
	store  storage.Store
	queue  queue.Queue
	cache  *cache.Manager
	cfg    config.Settings
	logger Logger

	mu            sync.Mutex
	orchestrators map[int64]*Orchestrator
	closed        bool
	wg            sync.WaitGroup
}

func NewService(store storage.Store, q queue.Queue, cacheMgr *cache.Manager, cfg config.Settings, logger Logger) *Service {
	return &Service{
		store:         store,
		queue:         q,
		cache:         cacheMgr,
		cfg:           cfg,
		logger:        logger,
		orchestrators: make(map[int64]*Orchestrator),
	}
}

// Submit validates and persists a batch of workflows. Every submission is
// durable before this returns; orchestrators start immediately afterwards.
func (s *Service) Submit(ctx context.Context, workflows []models.Workflow) ([]*models.Submission, error) {
	if len(workflows) == 0 {
		return nil, models.NewErrorDocument(models.InvalidSchemaError, "no workflows in request")
	}
	for _, workflow := range workflows {
		if err := workflow.Validate(); err != nil {
			return nil, err
		}
	}

	submissions := make([]*models.Submission, 0, len(workflows))
	for _, workflow := range workflows {
		id, err := s.store.NextID(storage.SubmissionCounter)
		if err != nil {
			return nil, errors.Wrap(err, "assign submission id")
		}
		now := time.Now().UTC()
		submission := &models.Submission{
			ID:        id,
			Workflow:  workflow,
			Status:    models.WaitingSubmissionStatus,
			CreatedAt: now,
		}

		for ordinal, kind := range models.DeclaredStages() {
			stage := models.StageRecord{
				SubmissionID: id,
				Ordinal:      ordinal,
				Kind:         kind,
				Status:       models.PendingStageStatus,
			}
			if err := saveStage(s.store, &stage); err != nil {
				return nil, errors.Wrapf(err, "persist stage %d of submission %d", ordinal, id)
			}
		}
		if err := saveSubmission(s.store, submission); err != nil {
			return nil, errors.Wrapf(err, "persist submission %d", id)
		}

		s.logger.Infof("Accepted submission %d (%s)", id, workflow.SMILES)
		submissions = append(submissions, submission)
	}

	for _, submission := range submissions {
		s.startOrchestrator(submission.ID)
	}
	return submissions, nil
}

// Get returns the submission with its stage records; task records are
// fetched per stage through Tasks.
func (s *Service) Get(id int64) (*models.Submission, error) {
	return loadSubmissionFull(s.store, id)
}

// Tasks returns the task records of one stage, for the HTTP response shape.
func (s *Service) Tasks(stage *models.StageRecord) ([]*models.TaskRecord, error) {
	return loadStageTasks(s.store, stage)
}

// List pages submissions by id, optionally filtered by status. cursor is the
// last id of the previous page; 0 starts from the beginning.
func (s *Service) List(status models.SubmissionStatus, cursor int64, limit int) ([]*models.Submission, int64, error) {
	pairs, err := s.store.Scan(storage.SubmissionPrefix)
	if err != nil {
		return nil, 0, err
	}

	var items []*models.Submission
	var next int64
	for _, pair := range pairs {
		var submission models.Submission
		if err := json.Unmarshal(pair.Value, &submission); err != nil {
			return nil, 0, errors.Wrapf(err, "decode submission %s", pair.Key)
		}
		if submission.ID <= cursor {
			continue
		}
		if status != "" && submission.Status != status {
			continue
		}
		if len(items) == limit {
			next = items[len(items)-1].ID
			break
		}
		items = append(items, &submission)
	}
	return items, next, nil
}

// Result returns the final result document of a successful submission.
func (s *Service) Result(id int64) (json.RawMessage, error) {
	stages, err := loadStages(s.store, id)
	if err != nil {
		return nil, err
	}
	for _, stage := range stages {
		if stage.Kind == models.OptimizationStage && stage.Status == models.SuccessStageStatus {
			return stage.Result, nil
		}
	}
	return nil, storage.ErrNotFound
}

// Cancel marks a submission cancelled. Cancellation is cooperative: workers
// observe it within the grace period; repeated cancels are no-ops.
func (s *Service) Cancel(id int64) error {
	submission, err := loadSubmission(s.store, id)
	if err != nil {
		return err
	}
	if submission.Status.Terminal() {
		// Terminal states are sticky; repeated DELETE is a no-op.
		return nil
	}

	s.mu.Lock()
	orchestrator, running := s.orchestrators[id]
	s.mu.Unlock()
	if running {
		orchestrator.Cancel()
		return nil
	}
	// No live orchestrator, e.g. between boot and resume. Cancel in place.
	fresh := newOrchestrator(s, id)
	fresh.cancelInPlace()
	return nil
}

// Resume re-creates an orchestrator for every non-terminal submission. Run
// at boot before the HTTP surface opens.
func (s *Service) Resume() error {
	pairs, err := s.store.Scan(storage.SubmissionPrefix)
	if err != nil {
		return errors.Wrap(err, "scan submissions")
	}
	for _, pair := range pairs {
		var submission models.Submission
		if err := json.Unmarshal(pair.Value, &submission); err != nil {
			return errors.Wrapf(err, "decode submission %s", pair.Key)
		}
		if submission.Status.Terminal() {
			continue
		}
		s.logger.Infof("Resuming submission %d from status %s", submission.ID, submission.Status)
		s.startOrchestrator(submission.ID)
	}
	return nil
}

// Shutdown stops every orchestrator without touching submission state; the
// next boot resumes them.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	orchestrators := make([]*Orchestrator, 0, len(s.orchestrators))
	for _, orchestrator := range s.orchestrators {
		orchestrators = append(orchestrators, orchestrator)
	}
	s.mu.Unlock()

	for _, orchestrator := range orchestrators {
		orchestrator.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) startOrchestrator(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, exists := s.orchestrators[id]; exists {
		return
	}
	orchestrator := newOrchestrator(s, id)
	s.orchestrators[id] = orchestrator
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		orchestrator.run()
	}()
}

func (s *Service) removeOrchestrator(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orchestrators, id)
}
