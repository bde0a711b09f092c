package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/beflow/beflow/pkg/models"
)

// ErrUnreachable wraps transport-level failures so callers can distinguish
// "coordinator down" from API errors.
var ErrUnreachable = errors.New("coordinator unreachable")

// APIError is a structured error returned by the coordinator.
type APIError struct {
	StatusCode int
	Doc        *models.ErrorDocument
}

func (e *APIError) Error() string {
	if e.Doc != nil {
		return fmt.Sprintf("%d: %s", e.StatusCode, e.Doc.Error())
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Submitted is one accepted workflow.
type Submitted struct {
	ID   int64  `json:"id"`
	Self string `json:"self"`
}

// Task, Stage and Submission mirror the coordinator's response shapes.
type Task struct {
	ID          string                `json:"id"`
	Fingerprint string                `json:"fingerprint"`
	Status      models.TaskStatus     `json:"status"`
	Error       *models.ErrorDocument `json:"error,omitempty"`
}

type Stage struct {
	Name   models.StageKind      `json:"name"`
	Status models.StageStatus    `json:"status"`
	Tasks  []Task                `json:"tasks"`
	Result json.RawMessage       `json:"result,omitempty"`
	Error  *models.ErrorDocument `json:"error,omitempty"`
}

type Submission struct {
	ID     int64                   `json:"id"`
	Status models.SubmissionStatus `json:"status"`
	Stages []Stage                 `json:"stages"`
	Result json.RawMessage         `json:"result,omitempty"`
	Error  *models.ErrorDocument   `json:"error,omitempty"`
}

type Health struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
}

// Client talks to a running coordinator.
type Client struct {
	base string
	http *http.Client
}

func New(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) Submit(ctx context.Context, workflows []models.Workflow) ([]Submitted, error) {
	body, err := json.Marshal(map[string]interface{}{"workflows": workflows})
	if err != nil {
		return nil, err
	}
	var response struct {
		Submissions []Submitted `json:"submissions"`
	}
	if err := c.do(ctx, http.MethodPost, "/submissions", bytes.NewReader(body), &response); err != nil {
		return nil, err
	}
	return response.Submissions, nil
}

func (c *Client) Get(ctx context.Context, id int64) (*Submission, error) {
	var submission Submission
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/submissions/%d", id), nil, &submission); err != nil {
		return nil, err
	}
	return &submission, nil
}

func (c *Client) List(ctx context.Context, status string) ([]Submission, error) {
	var all []Submission
	cursor := ""
	for {
		path := "/submissions?limit=100"
		if status != "" {
			path += "&status=" + status
		}
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		var page struct {
			Items []Submission `json:"items"`
			Next  string       `json:"next"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if page.Next == "" {
			return all, nil
		}
		cursor = page.Next
	}
}

func (c *Client) Result(ctx context.Context, id int64) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/submissions/%d/result", id), nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) Cancel(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/submissions/%d", id), nil, nil)
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var health Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Watch polls the submission until it reaches a terminal status.
func (c *Client) Watch(ctx context.Context, id int64, interval time.Duration) (*Submission, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		submission, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if submission.Status.Terminal() {
			return submission, nil
		}
		select {
		case <-ctx.Done():
			return submission, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	request, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		return errors.Wrap(ErrUnreachable, err.Error())
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return errors.Wrap(ErrUnreachable, err.Error())
	}

	if response.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: response.StatusCode}
		var envelope struct {
			Error *models.ErrorDocument `json:"error"`
		}
		if err := json.Unmarshal(raw, &envelope); err == nil {
			apiErr.Doc = envelope.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
