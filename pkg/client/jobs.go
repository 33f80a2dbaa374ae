package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/manager"
	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/caesium-cloud/lumen/internal/rerun"
	"github.com/google/uuid"
)

type JobsService struct {
	client *Client
}

// Start starts a job. A nil settings starts from the live settings.
func (s *JobsService) Start(ctx context.Context, settings *config.Settings, label string) (*models.JobExecution, error) {
	exec := &models.JobExecution{}
	body := manager.StartJobRequest{Settings: settings, Label: label}
	if err := s.client.do(ctx, http.MethodPost, s.client.resolve("/v1/jobs", nil), body, exec); err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}
	return exec, nil
}

func (s *JobsService) Stop(ctx context.Context, force bool) (*models.JobExecution, error) {
	q := url.Values{}
	if force {
		q.Set("force", "true")
	}
	exec := &models.JobExecution{}
	if err := s.client.do(ctx, http.MethodDelete, s.client.resolve("/v1/jobs/current", q), nil, exec); err != nil {
		return nil, fmt.Errorf("stop job: %w", err)
	}
	return exec, nil
}

// ForceStopExecution force-stops id only. A finished execution is returned
// as recorded.
func (s *JobsService) ForceStopExecution(ctx context.Context, id uuid.UUID) (*models.JobExecution, error) {
	q := url.Values{}
	q.Set("force", "true")
	q.Set("execution_id", id.String())
	exec := &models.JobExecution{}
	if err := s.client.do(ctx, http.MethodDelete, s.client.resolve("/v1/jobs/current", q), nil, exec); err != nil {
		return nil, fmt.Errorf("force stop %s: %w", id, err)
	}
	return exec, nil
}

func (s *JobsService) Status(ctx context.Context) (*manager.JobStatus, error) {
	status := &manager.JobStatus{}
	if err := s.client.do(ctx, http.MethodGet, s.client.resolve("/v1/jobs/current", nil), nil, status); err != nil {
		return nil, fmt.Errorf("job status: %w", err)
	}
	return status, nil
}

type History struct {
	Executions models.JobExecutions `json:"executions"`
	Total      int64                `json:"total"`
}

func (s *JobsService) History(ctx context.Context, limit, offset int) (*History, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	history := &History{}
	if err := s.client.do(ctx, http.MethodGet, s.client.resolve("/v1/jobs", q), nil, history); err != nil {
		return nil, fmt.Errorf("job history: %w", err)
	}
	return history, nil
}

func (s *JobsService) Get(ctx context.Context, id uuid.UUID) (*manager.JobView, error) {
	view := &manager.JobView{}
	if err := s.client.do(ctx, http.MethodGet, s.client.resolve("/v1/jobs/"+id.String(), nil), nil, view); err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return view, nil
}

func (s *JobsService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.client.do(ctx, http.MethodDelete, s.client.resolve("/v1/jobs/"+id.String(), nil), nil, nil); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// Rerun queues reruns of ids in order.
func (s *JobsService) Rerun(ctx context.Context, ids []uuid.UUID, useLive bool) ([]rerun.Item, error) {
	body := struct {
		ExecutionIDs  []uuid.UUID `json:"execution_ids"`
		UseLiveConfig bool        `json:"use_live_config"`
	}{ids, useLive}
	resp := struct {
		Items []rerun.Item `json:"items"`
	}{}
	if err := s.client.do(ctx, http.MethodPost, s.client.resolve("/v1/jobs/rerun", nil), body, &resp); err != nil {
		return nil, fmt.Errorf("rerun jobs: %w", err)
	}
	return resp.Items, nil
}

func (s *JobsService) Queue(ctx context.Context) ([]rerun.Item, error) {
	resp := struct {
		Items []rerun.Item `json:"items"`
	}{}
	if err := s.client.do(ctx, http.MethodGet, s.client.resolve("/v1/queue", nil), nil, &resp); err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return resp.Items, nil
}

func (s *JobsService) Cancel(ctx context.Context, id uuid.UUID) (*rerun.Item, error) {
	item := &rerun.Item{}
	if err := s.client.do(ctx, http.MethodDelete, s.client.resolve("/v1/queue/"+id.String(), nil), nil, item); err != nil {
		return nil, fmt.Errorf("cancel queued item: %w", err)
	}
	return item, nil
}
