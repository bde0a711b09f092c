package coordinator

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/beflow/beflow/pkg/models"
	"github.com/beflow/beflow/pkg/storage"
)

// state.go holds the read/write helpers between the coordinator's documents
// and the result store key layout.

func saveSubmission(store storage.Store, submission *models.Submission) error {
	submission.UpdatedAt = time.Now().UTC()
	// Stage records live under their own keys.
	stripped := *submission
	stripped.Stages = nil
	raw, err := json.Marshal(stripped)
	if err != nil {
		return err
	}
	return store.Put(storage.SubmissionKey(submission.ID), raw)
}

func loadSubmission(store storage.Store, id int64) (*models.Submission, error) {
	raw, err := store.Get(storage.SubmissionKey(id))
	if err != nil {
		return nil, err
	}
	var submission models.Submission
	if err := json.Unmarshal(raw, &submission); err != nil {
		return nil, errors.Wrapf(err, "decode submission %d", id)
	}
	return &submission, nil
}

func saveStage(store storage.Store, stage *models.StageRecord) error {
	raw, err := json.Marshal(stage)
	if err != nil {
		return err
	}
	return store.Put(storage.StageKey(stage.SubmissionID, stage.Ordinal), raw)
}

func loadStages(store storage.Store, submissionID int64) ([]models.StageRecord, error) {
	pairs, err := store.Scan(storage.StageScanPrefix(submissionID))
	if err != nil {
		return nil, err
	}
	stages := make([]models.StageRecord, 0, len(pairs))
	for _, pair := range pairs {
		var stage models.StageRecord
		if err := json.Unmarshal(pair.Value, &stage); err != nil {
			return nil, errors.Wrapf(err, "decode stage record %s", pair.Key)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// SaveTask persists a task record. Exported for the worker pools, which
// own the in-flight and succeeded transitions.
func SaveTask(store storage.Store, task *models.TaskRecord) error {
	return saveTask(store, task)
}

// LoadTask reads a task record by id.
func LoadTask(store storage.Store, taskID string) (*models.TaskRecord, error) {
	return loadTask(store, taskID)
}

func saveTask(store storage.Store, task *models.TaskRecord) error {
	task.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return store.Put(storage.TaskKey(task.ID), raw)
}

func loadTask(store storage.Store, taskID string) (*models.TaskRecord, error) {
	raw, err := store.Get(storage.TaskKey(taskID))
	if err != nil {
		return nil, err
	}
	var task models.TaskRecord
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, errors.Wrapf(err, "decode task record %s", taskID)
	}
	return &task, nil
}

// loadSubmissionFull assembles the submission with its stages. Task records
// are not loaded here; each stage carries their ids (see loadStageTasks).
func loadSubmissionFull(store storage.Store, id int64) (*models.Submission, error) {
	submission, err := loadSubmission(store, id)
	if err != nil {
		return nil, err
	}
	stages, err := loadStages(store, id)
	if err != nil {
		return nil, err
	}
	submission.Stages = stages
	return submission, nil
}

func loadStageTasks(store storage.Store, stage *models.StageRecord) ([]*models.TaskRecord, error) {
	tasks := make([]*models.TaskRecord, 0, len(stage.TaskIDs))
	for _, taskID := range stage.TaskIDs {
		task, err := loadTask(store, taskID)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
