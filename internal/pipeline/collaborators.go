// Package pipeline declares the external collaborators a job talks to and
// the post-processing step runner shared by job executions and retry
// batches.
package pipeline

import (
	"context"
	"errors"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/models"
)

// ErrMalformedVerdict is returned by a QualityChecker whose model replied
// with output that could not be parsed into a verdict.
var ErrMalformedVerdict = errors.New("malformed quality check verdict")

type PromptRequest struct {
	Template string `json:"template"`
	Context  string `json:"context,omitempty"`
	Index    int    `json:"index"`
}

// Prompter expands a template into a generation prompt.
type Prompter interface {
	Prompt(ctx context.Context, req PromptRequest) (string, error)
}

type GenerateRequest struct {
	Prompt      string            `json:"prompt"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Model       string            `json:"model,omitempty"`
	ModelParams map[string]string `json:"model_params,omitempty"`
	Seed        int64             `json:"seed"`
}

// Generator produces raw image bytes. This is the paid call a retry must
// never repeat.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]byte, error)
}

type CheckRequest struct {
	Image    []byte `json:"image"`
	Prompt   string `json:"prompt"`
	Criteria string `json:"criteria,omitempty"`
}

// Verdict is a quality check result. Reason is the model's own words and is
// stored verbatim on rejection.
type Verdict struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason"`
}

type QualityChecker interface {
	Check(ctx context.Context, req CheckRequest) (Verdict, error)
}

type DescribeRequest struct {
	Image  []byte `json:"image"`
	Prompt string `json:"prompt"`
}

// Describer produces the title, description and tags for an image.
type Describer interface {
	Describe(ctx context.Context, req DescribeRequest) (models.ImageMetadata, error)
}

type BackgroundRemover interface {
	RemoveBackground(ctx context.Context, image []byte, size string) ([]byte, error)
}

// Collaborators groups the services a job execution needs.
type Collaborators struct {
	Prompter       Prompter
	Generator      Generator
	QualityChecker QualityChecker
	Describer      Describer
	Remover        BackgroundRemover
}

// GenerateRequestFor builds the request for generation unit index.
func GenerateRequestFor(settings config.Generation, prompt string, index int) GenerateRequest {
	dim := settings.DimensionAt(index)
	seed := settings.Seed
	if seed != 0 {
		seed += int64(index)
	}
	return GenerateRequest{
		Prompt:      prompt,
		Width:       dim.Width,
		Height:      dim.Height,
		Model:       settings.Model,
		ModelParams: settings.ModelParams,
		Seed:        seed,
	}
}
