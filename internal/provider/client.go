// Package provider is the JSON-over-HTTP client for the model provider. One
// Client implements every collaborator contract in the pipeline package.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/caesium-cloud/lumen/internal/pipeline"
)

const (
	pathPrompts            = "/prompts"
	pathGenerations        = "/generations"
	pathQualityChecks      = "/quality-checks"
	pathDescriptions       = "/descriptions"
	pathBackgroundRemovals = "/background-removals"

	errorBodyLimit = 4096
)

// KeySource returns the API key to send with a request. It is consulted per
// call so rotated credentials take effect without a restart.
type KeySource func(ctx context.Context) (string, error)

// StatusError is a non-2xx provider response.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider %s responded %d: %s", e.Path, e.Code, e.Body)
}

type Config struct {
	URL       string
	Keys      KeySource
	Timeout   time.Duration
	UserAgent string
}

type Client struct {
	client    *http.Client
	url       string
	keys      KeySource
	userAgent string
}

var (
	_ pipeline.Prompter          = (*Client)(nil)
	_ pipeline.Generator         = (*Client)(nil)
	_ pipeline.QualityChecker    = (*Client)(nil)
	_ pipeline.Describer         = (*Client)(nil)
	_ pipeline.BackgroundRemover = (*Client)(nil)
)

// New builds a client. Per-operation deadlines come from the caller's
// context; Timeout is only an outer bound.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "lumen"
	}
	return &Client{
		client:    &http.Client{Timeout: timeout},
		url:       strings.TrimRight(cfg.URL, "/"),
		keys:      cfg.Keys,
		userAgent: ua,
	}
}

// Collaborators exposes the client through every pipeline contract.
func (c *Client) Collaborators() pipeline.Collaborators {
	return pipeline.Collaborators{
		Prompter:       c,
		Generator:      c,
		QualityChecker: c,
		Describer:      c,
		Remover:        c,
	}
}

func (c *Client) Prompt(ctx context.Context, req pipeline.PromptRequest) (string, error) {
	var resp struct {
		Prompt string `json:"prompt"`
	}
	if err := c.post(ctx, pathPrompts, req, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Prompt) == "" {
		return "", errors.New("provider returned an empty prompt")
	}
	return resp.Prompt, nil
}

func (c *Client) Generate(ctx context.Context, req pipeline.GenerateRequest) ([]byte, error) {
	var resp struct {
		Image []byte `json:"image"`
	}
	if err := c.post(ctx, pathGenerations, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Image) == 0 {
		return nil, errors.New("provider returned no image data")
	}
	return resp.Image, nil
}

// Check asks the quality model for a verdict. Any reply without an explicit
// boolean verdict is ErrMalformedVerdict.
func (c *Client) Check(ctx context.Context, req pipeline.CheckRequest) (pipeline.Verdict, error) {
	var raw json.RawMessage
	if err := c.post(ctx, pathQualityChecks, req, &raw); err != nil {
		if errors.Is(err, errDecode) {
			return pipeline.Verdict{}, fmt.Errorf("%w: %v", pipeline.ErrMalformedVerdict, err)
		}
		return pipeline.Verdict{}, err
	}

	var resp struct {
		Passed *bool  `json:"passed"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Passed == nil {
		return pipeline.Verdict{}, pipeline.ErrMalformedVerdict
	}

	return pipeline.Verdict{Passed: *resp.Passed, Reason: strings.TrimSpace(resp.Reason)}, nil
}

func (c *Client) Describe(ctx context.Context, req pipeline.DescribeRequest) (models.ImageMetadata, error) {
	var meta models.ImageMetadata
	if err := c.post(ctx, pathDescriptions, req, &meta); err != nil {
		return models.ImageMetadata{}, err
	}
	if strings.TrimSpace(meta.Title) == "" {
		return models.ImageMetadata{}, errors.New("provider returned metadata without a title")
	}
	return meta, nil
}

func (c *Client) RemoveBackground(ctx context.Context, image []byte, size string) ([]byte, error) {
	body := struct {
		Image []byte `json:"image"`
		Size  string `json:"size,omitempty"`
	}{Image: image, Size: size}

	var resp struct {
		Image []byte `json:"image"`
	}
	if err := c.post(ctx, pathBackgroundRemovals, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Image) == 0 {
		return nil, errors.New("provider returned no image data")
	}
	return resp.Image, nil
}

var errDecode = errors.New("decode provider response")

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	if c.keys != nil {
		key, err := c.keys(ctx)
		if err != nil {
			return fmt.Errorf("resolve provider key: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s request: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return &StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w from %s: %v", errDecode, path, err)
	}

	return nil
}
