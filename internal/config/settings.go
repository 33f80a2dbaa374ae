package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the live configuration a job execution is started from.
type Settings struct {
	Label        string       `json:"label,omitempty" yaml:"label,omitempty"`
	Prompts      Prompts      `json:"prompts" yaml:"prompts"`
	Generation   Generation   `json:"generation" yaml:"generation"`
	QualityCheck QualityCheck `json:"quality_check" yaml:"quality_check"`
	Processing   Processing   `json:"processing" yaml:"processing"`
	Timeouts     Timeouts     `json:"timeouts" yaml:"timeouts"`
	Credentials  *Credentials `json:"credentials,omitempty" yaml:"credentials,omitempty"`
}

// Prompts controls the prompt generation stage.
type Prompts struct {
	Templates []string `json:"templates" yaml:"templates"`
	Context   string   `json:"context,omitempty" yaml:"context,omitempty"`
	Generate  bool     `json:"generate" yaml:"generate"`
}

// Generation controls the image generation stage.
type Generation struct {
	Count                   int               `json:"count" yaml:"count"`
	VariationsPerGeneration int               `json:"variations_per_generation" yaml:"variations_per_generation"`
	Dimensions              []Dimension       `json:"dimensions" yaml:"dimensions"`
	Model                   string            `json:"model,omitempty" yaml:"model,omitempty"`
	ModelParams             map[string]string `json:"model_params,omitempty" yaml:"model_params,omitempty"`
	Seed                    int64             `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// Dimension is a width x height pair. Generations cycle through the
// configured dimensions in order.
type Dimension struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (d Dimension) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// QualityCheck controls the automated pass/fail assessment.
type QualityCheck struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Criteria string `json:"criteria,omitempty" yaml:"criteria,omitempty"`
}

// Processing is the post-processing section of the settings. It is the part
// of a snapshot a retry batch resolves in "original" mode.
type Processing struct {
	Enhancement      Enhancement      `json:"enhancement" yaml:"enhancement"`
	RemoveBackground RemoveBackground `json:"remove_bg" yaml:"remove_bg"`
	Trim             Trim             `json:"trim" yaml:"trim"`
	Convert          Convert          `json:"convert" yaml:"convert"`
	Metadata         Metadata         `json:"metadata" yaml:"metadata"`
}

type Enhancement struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Brightness float64 `json:"brightness,omitempty" yaml:"brightness,omitempty"`
	Contrast   float64 `json:"contrast,omitempty" yaml:"contrast,omitempty"`
	Saturation float64 `json:"saturation,omitempty" yaml:"saturation,omitempty"`
	Sharpen    float64 `json:"sharpen,omitempty" yaml:"sharpen,omitempty"`
}

type RemoveBackground struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Size    string `json:"size,omitempty" yaml:"size,omitempty"`
}

type Trim struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type Convert struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Format  string `json:"format,omitempty" yaml:"format,omitempty"`
	Quality int    `json:"quality,omitempty" yaml:"quality,omitempty"`
}

type Metadata struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Timeouts bounds the long-running collaborator calls. When Enabled is
// false every operation falls back to the process-wide default.
type Timeouts struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	Generation        Duration `json:"generation,omitempty" yaml:"generation,omitempty"`
	QualityCheck      Duration `json:"quality_check,omitempty" yaml:"quality_check,omitempty"`
	BackgroundRemoval Duration `json:"background_removal,omitempty" yaml:"background_removal,omitempty"`
}

// Credentials carries provider secrets. It never survives into a snapshot.
type Credentials struct {
	APIKey    string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	APIKeyRef string `json:"api_key_ref,omitempty" yaml:"api_key_ref,omitempty"`
}

// Total returns the number of generation units the settings describe.
func (g Generation) Total() int {
	variations := g.VariationsPerGeneration
	if variations < 1 {
		variations = 1
	}
	if g.Count < 0 {
		return 0
	}
	return g.Count * variations
}

// DimensionAt returns the dimension used by the i-th generation.
func (g Generation) DimensionAt(i int) Dimension {
	if len(g.Dimensions) == 0 {
		return Dimension{Width: 1024, Height: 1024}
	}
	return g.Dimensions[i%len(g.Dimensions)]
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid settings")

// Validate reports the first structural problem with the settings.
func (s *Settings) Validate() error {
	if s.Generation.Count < 1 {
		return fmt.Errorf("%w: generation count must be at least 1", ErrInvalid)
	}
	if s.Generation.VariationsPerGeneration < 0 {
		return fmt.Errorf("%w: variations per generation must not be negative", ErrInvalid)
	}
	if len(s.Prompts.Templates) == 0 {
		return fmt.Errorf("%w: at least one prompt template is required", ErrInvalid)
	}
	for i, d := range s.Generation.Dimensions {
		if d.Width <= 0 || d.Height <= 0 {
			return fmt.Errorf("%w: dimension %d must be positive, got %s", ErrInvalid, i, d)
		}
	}
	if s.Processing.Convert.Enabled {
		switch strings.ToLower(s.Processing.Convert.Format) {
		case "png", "jpeg", "jpg":
		default:
			return fmt.Errorf("%w: unsupported convert format %q", ErrInvalid, s.Processing.Convert.Format)
		}
	}
	return nil
}

// Duration wraps time.Duration so it decodes from strings like "90s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		d.Duration = time.Duration(v)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}
