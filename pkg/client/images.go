package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/image"
	"github.com/caesium-cloud/lumen/internal/manager"
	"github.com/caesium-cloud/lumen/internal/rerun"
	"github.com/google/uuid"
)

type ImagesService struct {
	client *Client
}

type ListOptions struct {
	ExecutionID uuid.UUID
	Statuses    []image.Status
	Limit       int
	Offset      int
}

type ImageList struct {
	Images []manager.ImageView `json:"images"`
	Total  int64               `json:"total"`
}

func (s *ImagesService) List(ctx context.Context, opts ListOptions) (*ImageList, error) {
	q := url.Values{}
	if opts.ExecutionID != uuid.Nil {
		q.Set("execution_id", opts.ExecutionID.String())
	}
	if len(opts.Statuses) > 0 {
		raw := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			raw[i] = string(st)
		}
		q.Set("status", strings.Join(raw, ","))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	list := &ImageList{}
	if err := s.client.do(ctx, http.MethodGet, s.client.resolve("/v1/images", q), nil, list); err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return list, nil
}

// SetStatus requests a manual status change.
func (s *ImagesService) SetStatus(ctx context.Context, id uuid.UUID, to image.Status) (*manager.ImageView, error) {
	view := &manager.ImageView{}
	body := map[string]image.Status{"status": to}
	if err := s.client.do(ctx, http.MethodPatch, s.client.resolve("/v1/images/"+id.String(), nil), body, view); err != nil {
		return nil, fmt.Errorf("update image: %w", err)
	}
	return view, nil
}

func (s *ImagesService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.client.do(ctx, http.MethodDelete, s.client.resolve("/v1/images/"+id.String(), nil), nil, nil); err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	return nil
}

// RetryRequest mirrors the retry endpoint body. Processing switches the
// batch to modified settings.
type RetryRequest struct {
	ImageIDs           []uuid.UUID        `json:"image_ids"`
	Settings           string             `json:"settings,omitempty"`
	Processing         *config.Processing `json:"processing,omitempty"`
	Timeouts           *config.Timeouts   `json:"timeouts,omitempty"`
	RegenerateMetadata bool               `json:"regenerate_metadata,omitempty"`
	Policy             map[string]string  `json:"policy,omitempty"`
}

type RetryAdmission struct {
	Item    rerun.Item `json:"item"`
	Started bool       `json:"started"`
}

func (s *ImagesService) Retry(ctx context.Context, req RetryRequest) (*RetryAdmission, error) {
	if req.Processing != nil && req.Settings == "" {
		req.Settings = "modified"
	}
	admission := &RetryAdmission{}
	if err := s.client.do(ctx, http.MethodPost, s.client.resolve("/v1/retries", nil), req, admission); err != nil {
		return nil, fmt.Errorf("retry images: %w", err)
	}
	return admission, nil
}
