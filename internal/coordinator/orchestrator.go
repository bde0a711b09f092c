package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/beflow/beflow/internal/cache"
	"github.com/beflow/beflow/pkg/models"
	"github.com/beflow/beflow/pkg/queue"
	"github.com/beflow/beflow/pkg/storage"
)

type eventKind int

const (
	advanceEvent eventKind = iota
	cancelEvent
	stopEvent
	outcomeEvent
)

type orchestratorEvent struct {
	kind    eventKind
	taskID  string
	outcome cache.Outcome
}

// Orchestrator is the per-submission state machine. It is logically single
// threaded: every state transition for its submission happens inside run,
// driven by events. Many orchestrators run concurrently.
type Orchestrator struct {
	svc          *Service
	submissionID int64

	events chan orchestratorEvent
	done   chan struct{}

	// dispatched tracks tasks with a live cache subscription, so periodic
	// re-advances do not enqueue duplicates.
	dispatched map[string]bool
}

func newOrchestrator(svc *Service, submissionID int64) *Orchestrator {
	return &Orchestrator{
		svc:          svc,
		submissionID: submissionID,
		events:       make(chan orchestratorEvent, 256),
		done:         make(chan struct{}),
		dispatched:   make(map[string]bool),
	}
}

// Cancel requests cooperative cancellation.
func (o *Orchestrator) Cancel() {
	o.send(orchestratorEvent{kind: cancelEvent})
}

// Stop halts the orchestrator without touching submission state; the next
// boot resumes it.
func (o *Orchestrator) Stop() {
	o.send(orchestratorEvent{kind: stopEvent})
}

func (o *Orchestrator) send(ev orchestratorEvent) {
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

func (o *Orchestrator) run() {
	defer o.svc.removeOrchestrator(o.submissionID)
	defer close(o.done)

	// The ticker is a backstop: it re-drives the state machine if a wakeup
	// is lost and enforces the stage wall-clock budget.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		if terminal := o.advance(); terminal {
			return
		}
		select {
		case ev := <-o.events:
			switch ev.kind {
			case stopEvent:
				return
			case cancelEvent:
				o.cancelInPlace()
				return
			case outcomeEvent:
				o.handleOutcome(ev)
			case advanceEvent:
			}
		case <-ticker.C:
		}
	}
}

// advance drives the submission as far as it can go right now and reports
// whether it reached a terminal status.
func (o *Orchestrator) advance() bool {
	submission, err := loadSubmission(o.svc.store, o.submissionID)
	if err != nil {
		o.svc.logger.Errorf("Failed to load submission %d: %v", o.submissionID, err)
		return false
	}
	if submission.Status.Terminal() {
		return true
	}
	stages, err := loadStages(o.svc.store, o.submissionID)
	if err != nil {
		o.svc.logger.Errorf("Failed to load stages of submission %d: %v", o.submissionID, err)
		return false
	}
	if submission.Status == models.WaitingSubmissionStatus {
		submission.Status = models.RunningSubmissionStatus
		if err := saveSubmission(o.svc.store, submission); err != nil {
			o.svc.logger.Errorf("Failed to mark submission %d running: %v", o.submissionID, err)
			return false
		}
	}

	for {
		idx := earliestNonTerminal(stages)
		if idx < 0 {
			return o.complete(submission)
		}
		stage := &stages[idx]

		if stage.Status == models.PendingStageStatus {
			if err := o.enterStage(submission, stages, stage); err != nil {
				o.svc.logger.Errorf("Failed to enter stage %s of submission %d: %v", stage.Kind, o.submissionID, err)
				o.failStage(submission, stages, stage, &models.ErrorDocument{
					Code:    models.InternalError,
					Message: "failed to materialize stage tasks",
				})
				return true
			}
		}

		if o.stageTimedOut(stage) {
			o.failStage(submission, stages, stage, &models.ErrorDocument{
				Code:    models.TimeoutError,
				Message: "stage wall-clock budget exceeded",
			})
			return true
		}

		tasks, err := loadStageTasks(o.svc.store, stage)
		if err != nil {
			o.svc.logger.Errorf("Failed to load tasks of submission %d: %v", o.submissionID, err)
			return false
		}
		for _, task := range tasks {
			o.dispatch(task)
		}

		if !allTerminal(tasks) {
			return false
		}

		errored := o.aggregate(submission, stage, tasks)
		if err := saveStage(o.svc.store, stage); err != nil {
			o.svc.logger.Errorf("Failed to persist stage %s of submission %d: %v", stage.Kind, o.submissionID, err)
			return false
		}
		if errored {
			o.skipRemaining(submission, stages, stage)
			return true
		}
		o.svc.logger.Infof("Submission %d stage %s succeeded", o.submissionID, stage.Kind)
	}
}

// enterStage materializes the stage's task records from the workflow
// document and the preceding stage outputs.
func (o *Orchestrator) enterStage(submission *models.Submission, stages []models.StageRecord, stage *models.StageRecord) error {
	if len(stage.TaskIDs) == 0 {
		tasks, err := o.materialize(submission, stages, stage)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if err := saveTask(o.svc.store, task); err != nil {
				return err
			}
			stage.TaskIDs = append(stage.TaskIDs, task.ID)
		}
	}
	now := time.Now().UTC()
	stage.Status = models.RunningStageStatus
	stage.StartedAt = &now
	return saveStage(o.svc.store, stage)
}

func (o *Orchestrator) materialize(submission *models.Submission, stages []models.StageRecord, stage *models.StageRecord) ([]*models.TaskRecord, error) {
	workflow := submission.Workflow
	limits := o.svc.cfg.RetryLimits()

	switch stage.Kind {
	case models.FragmentationStage:
		input := models.FragmentationInput{SMILES: workflow.SMILES, Fragmenter: workflow.Fragmenter}
		fp, err := FragmentFingerprint(workflow)
		if err != nil {
			return nil, err
		}
		task, err := o.newTask(stage, fp, models.FragmentRoutingKey, input, limits[models.FragmentRoutingKey])
		if err != nil {
			return nil, err
		}
		return []*models.TaskRecord{task}, nil

	case models.QCGenerationStage:
		result, err := fragmentationResult(stages)
		if err != nil {
			return nil, err
		}
		var tasks []*models.TaskRecord
		for _, fragment := range result.Fragments {
			input := models.QCInput{Fragment: fragment, Spec: workflow.QCSpec}
			fp, err := QCFingerprint(fragment, workflow.QCSpec)
			if err != nil {
				return nil, err
			}
			task, err := o.newTask(stage, fp, models.QCRoutingKey, input, limits[models.QCRoutingKey])
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
		return tasks, nil

	case models.OptimizationStage:
		qcStage := findStage(stages, models.QCGenerationStage)
		if qcStage == nil {
			return nil, errors.New("qc-generation stage record missing")
		}
		var output models.QCStageOutput
		if err := json.Unmarshal(qcStage.Result, &output); err != nil {
			return nil, errors.Wrap(err, "decode qc stage output")
		}
		qcTasks, err := loadStageTasks(o.svc.store, qcStage)
		if err != nil {
			return nil, err
		}
		var references []string
		for _, task := range qcTasks {
			if task.Status == models.SucceededTaskStatus || task.Status == models.CachedTaskStatus {
				references = append(references, task.Fingerprint)
			}
		}
		input := models.OptimizationInput{
			ParentSMILES:      workflow.SMILES,
			InitialForceField: workflow.InitialForceField,
			Optimizer:         workflow.Optimizer,
			Targets:           workflow.Targets,
			QCResults:         output.Results,
		}
		fp, err := OptimizationFingerprint(workflow, references)
		if err != nil {
			return nil, err
		}
		task, err := o.newTask(stage, fp, models.OptimizeRoutingKey, input, limits[models.OptimizeRoutingKey])
		if err != nil {
			return nil, err
		}
		return []*models.TaskRecord{task}, nil
	}
	return nil, errors.Errorf("unknown stage kind %q", stage.Kind)
}

func (o *Orchestrator) newTask(stage *models.StageRecord, fingerprint, routingKey string, input interface{}, maxRetries int) (*models.TaskRecord, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	return &models.TaskRecord{
		ID:           uuid.NewString(),
		SubmissionID: o.submissionID,
		StageOrdinal: stage.Ordinal,
		Fingerprint:  fingerprint,
		RoutingKey:   routingKey,
		Input:        raw,
		MaxRetries:   maxRetries,
		Status:       models.PendingTaskStatus,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// dispatch resolves one task against the cache: a hit marks it cached, a
// granted lease enqueues it, a held lease parks this orchestrator until the
// owner's outcome arrives. In-flight tasks found at boot are re-subscribed.
func (o *Orchestrator) dispatch(task *models.TaskRecord) {
	if task.Status.Terminal() || o.dispatched[task.ID] {
		return
	}
	if task.Status == models.InFlightTaskStatus {
		// Restart path: some worker may still be computing this. If the
		// fingerprint resolved or the lease is gone, recover directly
		// instead of waiting for a wakeup that will never come.
		if _, hit, err := o.svc.cache.Lookup(task.Fingerprint); err == nil && hit {
			o.markCached(task)
			return
		}
		owner, err := o.svc.cache.LeaseOwner(task.Fingerprint)
		if err != nil {
			o.svc.logger.Errorf("Failed to probe lease for task %s: %v", task.ID, err)
			return
		}
		if owner == "" {
			task.Status = models.PendingTaskStatus
			if err := saveTask(o.svc.store, task); err != nil {
				o.svc.logger.Errorf("Failed to persist task %s: %v", task.ID, err)
				return
			}
		} else {
			o.subscribe(task)
			return
		}
	}

	// Subscribe before acquiring so a publish between the two calls cannot
	// be missed; a hit just leaves the subscription to be reaped on exit.
	o.subscribe(task)

	acq, err := o.svc.cache.Acquire(task.Fingerprint, task.ID, task.RoutingKey, o.svc.cfg.LeaseTTL)
	if err != nil {
		// Retried from the backstop tick; the extra subscription drains
		// harmlessly.
		delete(o.dispatched, task.ID)
		o.svc.logger.Errorf("Failed to acquire lease for task %s: %v", task.ID, err)
		return
	}
	if acq.Hit {
		o.markCached(task)
		return
	}

	if acq.Granted {
		item := queue.Item{
			TaskID:     task.ID,
			RoutingKey: task.RoutingKey,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := o.svc.queue.Enqueue(context.Background(), item); err != nil {
			o.svc.logger.Errorf("Failed to enqueue task %s: %v", task.ID, err)
			task.Status = models.FailedTaskStatus
			task.LastError = &models.ErrorDocument{
				Code:    models.QueueUnavailableError,
				Message: "queue backend unreachable",
				Detail:  err.Error(),
			}
			if err := saveTask(o.svc.store, task); err != nil {
				o.svc.logger.Errorf("Failed to persist task %s: %v", task.ID, err)
			}
			if err := o.svc.cache.Release(task.Fingerprint, task.ID, ""); err != nil && !errors.Is(err, cache.ErrStaleLease) {
				o.svc.logger.Errorf("Failed to release lease for task %s: %v", task.ID, err)
			}
		}
	}
	// Held by another task: nothing to do until its outcome arrives.
}

func (o *Orchestrator) subscribe(task *models.TaskRecord) {
	ch := o.svc.cache.Subscribe(task.Fingerprint)
	o.dispatched[task.ID] = true
	go func(taskID string) {
		select {
		case outcome := <-ch:
			o.send(orchestratorEvent{kind: outcomeEvent, taskID: taskID, outcome: outcome})
		case <-o.done:
			o.svc.cache.Unsubscribe(task.Fingerprint, ch)
		}
	}(task.ID)
}

func (o *Orchestrator) handleOutcome(ev orchestratorEvent) {
	delete(o.dispatched, ev.taskID)

	task, err := loadTask(o.svc.store, ev.taskID)
	if err != nil {
		o.svc.logger.Errorf("Failed to load task %s after outcome: %v", ev.taskID, err)
		return
	}
	if task.Status.Terminal() {
		return
	}

	switch {
	case ev.outcome.Cached:
		// Either our own worker published or another submission's task
		// resolved the fingerprint first.
		o.markCached(task)

	case ev.outcome.Failed:
		task.LastError = ev.outcome.Err
		if task.Attempts > task.MaxRetries {
			task.Status = models.FailedTaskStatus
			o.svc.logger.Infof("Task %s failed permanently after %d attempt(s)", task.ID, task.Attempts)
		} else {
			task.Status = models.PendingTaskStatus
		}
		if err := saveTask(o.svc.store, task); err != nil {
			o.svc.logger.Errorf("Failed to persist task %s: %v", task.ID, err)
		}

	case ev.outcome.Released:
		// Promoted after a release or broken lease; retry unless the
		// routing key's budget is spent.
		if task.Attempts > task.MaxRetries {
			task.Status = models.FailedTaskStatus
			if task.LastError == nil {
				task.LastError = &models.ErrorDocument{
					Code:    models.WorkerCrashedError,
					Message: "task retries exhausted",
				}
			}
		} else {
			task.Status = models.PendingTaskStatus
		}
		if err := saveTask(o.svc.store, task); err != nil {
			o.svc.logger.Errorf("Failed to persist task %s: %v", task.ID, err)
		}
	}
}

func (o *Orchestrator) markCached(task *models.TaskRecord) {
	task.Status = models.CachedTaskStatus
	task.ResultRef = storage.CacheKey(task.Fingerprint)
	task.LastError = nil
	if err := saveTask(o.svc.store, task); err != nil {
		o.svc.logger.Errorf("Failed to persist task %s: %v", task.ID, err)
	}
}

// aggregate applies the stage acceptance rule once every task is terminal.
// Returns true when the stage errored.
func (o *Orchestrator) aggregate(submission *models.Submission, stage *models.StageRecord, tasks []*models.TaskRecord) bool {
	now := time.Now().UTC()
	stage.FinishedAt = &now

	switch stage.Kind {
	case models.FragmentationStage, models.OptimizationStage:
		task := tasks[0]
		if task.Status == models.FailedTaskStatus {
			stage.Status = models.ErroredStageStatus
			stage.Error = task.LastError
			return true
		}
		value, hit, err := o.svc.cache.Lookup(task.Fingerprint)
		if err != nil || !hit {
			stage.Status = models.ErroredStageStatus
			stage.Error = &models.ErrorDocument{
				Code:    models.InternalError,
				Message: "stage output missing from cache",
			}
			return true
		}
		stage.Result = value
		stage.Status = models.SuccessStageStatus
		return false

	case models.QCGenerationStage:
		var output models.QCStageOutput
		var failed int
		for _, task := range tasks {
			if task.Status == models.FailedTaskStatus {
				failed++
				output.Failed = append(output.Failed, task.LastError)
				continue
			}
			value, hit, err := o.svc.cache.Lookup(task.Fingerprint)
			if err != nil || !hit {
				stage.Status = models.ErroredStageStatus
				stage.Error = &models.ErrorDocument{
					Code:    models.InternalError,
					Message: "qc result missing from cache",
				}
				return true
			}
			var result models.QCResult
			if err := json.Unmarshal(value, &result); err != nil {
				stage.Status = models.ErroredStageStatus
				stage.Error = &models.ErrorDocument{
					Code:    models.InternalError,
					Message: "undecodable qc result in cache",
				}
				return true
			}
			output.Results = append(output.Results, result)
		}

		tolerance := 0.0
		if submission.Workflow.QCFailureTolerance != nil {
			tolerance = *submission.Workflow.QCFailureTolerance
		}
		if failed > 0 && float64(failed) > tolerance*float64(len(tasks)) {
			stage.Status = models.ErroredStageStatus
			stage.Error = &models.ErrorDocument{
				Code:    models.ExecutorError,
				Message: "qc failure fraction exceeds the declared tolerance",
			}
			return true
		}

		raw, err := json.Marshal(output)
		if err != nil {
			stage.Status = models.ErroredStageStatus
			stage.Error = &models.ErrorDocument{Code: models.InternalError, Message: "encode qc stage output"}
			return true
		}
		stage.Result = raw
		stage.Status = models.SuccessStageStatus
		return false
	}

	stage.Status = models.ErroredStageStatus
	stage.Error = &models.ErrorDocument{Code: models.InternalError, Message: "unknown stage kind"}
	return true
}

// complete marks the submission successful once every stage succeeded.
func (o *Orchestrator) complete(submission *models.Submission) bool {
	submission.Status = models.SuccessSubmissionStatus
	if err := saveSubmission(o.svc.store, submission); err != nil {
		o.svc.logger.Errorf("Failed to persist submission %d: %v", o.submissionID, err)
		return false
	}
	o.svc.logger.Infof("Submission %d succeeded", o.submissionID)
	return true
}

// failStage writes the stage error through, skips the remaining stages and
// marks the submission errored.
func (o *Orchestrator) failStage(submission *models.Submission, stages []models.StageRecord, stage *models.StageRecord, errDoc *models.ErrorDocument) {
	now := time.Now().UTC()
	stage.Status = models.ErroredStageStatus
	stage.Error = errDoc
	stage.FinishedAt = &now
	if err := saveStage(o.svc.store, stage); err != nil {
		o.svc.logger.Errorf("Failed to persist stage %s of submission %d: %v", stage.Kind, o.submissionID, err)
	}
	o.skipRemaining(submission, stages, stage)
}

func (o *Orchestrator) skipRemaining(submission *models.Submission, stages []models.StageRecord, failedStage *models.StageRecord) {
	for i := range stages {
		if stages[i].Ordinal <= failedStage.Ordinal || stages[i].Status.Terminal() {
			continue
		}
		stages[i].Status = models.SkippedStageStatus
		if err := saveStage(o.svc.store, &stages[i]); err != nil {
			o.svc.logger.Errorf("Failed to persist stage %s of submission %d: %v", stages[i].Kind, o.submissionID, err)
		}
	}
	submission.Status = models.ErroredSubmissionStatus
	submission.Error = &models.ErrorDocument{
		Code:    failedStage.Error.Code,
		Message: "stage " + string(failedStage.Kind) + " failed",
		Detail:  failedStage.Error.Message,
	}
	if err := saveSubmission(o.svc.store, submission); err != nil {
		o.svc.logger.Errorf("Failed to persist submission %d: %v", o.submissionID, err)
	}
	o.svc.logger.Infof("Submission %d errored at stage %s", o.submissionID, failedStage.Kind)
}

// cancelInPlace marks the submission cancelled, flags every live task so
// workers can observe cancellation, and skips the remaining stages. In
// flight results are discarded on return; released fingerprints stay
// cacheable for future submissions.
func (o *Orchestrator) cancelInPlace() {
	submission, err := loadSubmission(o.svc.store, o.submissionID)
	if err != nil {
		o.svc.logger.Errorf("Failed to load submission %d for cancel: %v", o.submissionID, err)
		return
	}
	if submission.Status.Terminal() {
		return
	}

	stages, err := loadStages(o.svc.store, o.submissionID)
	if err != nil {
		o.svc.logger.Errorf("Failed to load stages of submission %d: %v", o.submissionID, err)
		return
	}
	for i := range stages {
		stage := &stages[i]
		if stage.Status.Terminal() {
			continue
		}
		tasks, err := loadStageTasks(o.svc.store, stage)
		if err != nil {
			o.svc.logger.Errorf("Failed to load tasks of submission %d: %v", o.submissionID, err)
			continue
		}
		for _, task := range tasks {
			if task.Status.Terminal() {
				continue
			}
			if err := o.svc.store.Put(storage.CancelKey(task.ID), []byte("cancelled")); err != nil {
				o.svc.logger.Errorf("Failed to flag task %s cancelled: %v", task.ID, err)
			}
			if task.Status == models.PendingTaskStatus {
				// Not yet claimed; fail it here. The worker drops the queue
				// item when it sees the flag.
				if err := o.svc.cache.Release(task.Fingerprint, task.ID, ""); err != nil && !errors.Is(err, cache.ErrStaleLease) {
					o.svc.logger.Errorf("Failed to release lease for task %s: %v", task.ID, err)
				}
			}
			task.Status = models.FailedTaskStatus
			task.LastError = &models.ErrorDocument{Code: models.CancelledError, Message: "submission cancelled"}
			if err := saveTask(o.svc.store, task); err != nil {
				o.svc.logger.Errorf("Failed to persist task %s: %v", task.ID, err)
			}
		}
		stage.Status = models.SkippedStageStatus
		if err := saveStage(o.svc.store, stage); err != nil {
			o.svc.logger.Errorf("Failed to persist stage %s of submission %d: %v", stage.Kind, o.submissionID, err)
		}
	}

	submission.Status = models.CancelledSubmissionStatus
	submission.Error = &models.ErrorDocument{Code: models.CancelledError, Message: "submission cancelled"}
	if err := saveSubmission(o.svc.store, submission); err != nil {
		o.svc.logger.Errorf("Failed to persist submission %d: %v", o.submissionID, err)
	}
	o.svc.logger.Infof("Submission %d cancelled", o.submissionID)
}

func (o *Orchestrator) stageTimedOut(stage *models.StageRecord) bool {
	budget := o.svc.cfg.StageTimeout
	return budget > 0 && stage.StartedAt != nil && time.Since(*stage.StartedAt) > budget
}

func earliestNonTerminal(stages []models.StageRecord) int {
	for i := range stages {
		if !stages[i].Status.Terminal() {
			return i
		}
	}
	return -1
}

func allTerminal(tasks []*models.TaskRecord) bool {
	for _, task := range tasks {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

func findStage(stages []models.StageRecord, kind models.StageKind) *models.StageRecord {
	for i := range stages {
		if stages[i].Kind == kind {
			return &stages[i]
		}
	}
	return nil
}

func fragmentationResult(stages []models.StageRecord) (*models.FragmentationResult, error) {
	stage := findStage(stages, models.FragmentationStage)
	if stage == nil {
		return nil, errors.New("fragmentation stage record missing")
	}
	var result models.FragmentationResult
	if err := json.Unmarshal(stage.Result, &result); err != nil {
		return nil, errors.Wrap(err, "decode fragmentation result")
	}
	return &result, nil
}
