package pipeline

import (
	"fmt"
	"maps"
	"strings"
)

// Step names a unit of per-image work. The values double as the suffix of
// processing_failed:<step> reasons.
type Step string

const (
	StepDownload         Step = "download"
	StepEnhancement      Step = "enhancement"
	StepRemoveBackground Step = "remove_bg"
	StepTrim             Step = "trim"
	StepConvert          Step = "convert"
	StepSaveFinal        Step = "save_final"
	StepMetadata         Step = "metadata"
	StepQC               Step = "qc"
)

// ProcessingOrder is the fixed order post-processing steps run in.
var ProcessingOrder = []Step{
	StepEnhancement,
	StepRemoveBackground,
	StepTrim,
	StepConvert,
	StepSaveFinal,
	StepMetadata,
}

// Mode decides whether a step error aborts the image.
type Mode string

const (
	Hard Mode = "hard"
	Soft Mode = "soft"
)

var defaultModes = map[Step]Mode{
	StepEnhancement:      Soft,
	StepRemoveBackground: Soft,
	StepTrim:             Hard,
	StepConvert:          Hard,
	StepSaveFinal:        Hard,
	StepMetadata:         Soft,
}

// Policy is the default table plus explicit overrides. Lookups consult the
// override first and fall back to the default, so overriding one step never
// changes another.
type Policy struct {
	overrides map[Step]Mode
}

// DefaultPolicy has no overrides.
func DefaultPolicy() Policy {
	return Policy{}
}

// NewPolicy validates and copies overrides.
func NewPolicy(overrides map[Step]Mode) (Policy, error) {
	out := make(map[Step]Mode, len(overrides))
	for step, mode := range overrides {
		if _, ok := defaultModes[step]; !ok {
			return Policy{}, fmt.Errorf("unknown processing step %q", step)
		}
		switch mode {
		case Hard, Soft:
		default:
			return Policy{}, fmt.Errorf("invalid fail mode %q for step %s", mode, step)
		}
		out[step] = mode
	}
	return Policy{overrides: out}, nil
}

// ParsePolicy accepts string keys as received over the API.
func ParsePolicy(raw map[string]string) (Policy, error) {
	overrides := make(map[Step]Mode, len(raw))
	for k, v := range raw {
		overrides[Step(strings.ToLower(strings.TrimSpace(k)))] = Mode(strings.ToLower(strings.TrimSpace(v)))
	}
	return NewPolicy(overrides)
}

// HardSteps builds a policy where exactly the listed steps are hard when
// they would otherwise be soft. Unlisted steps keep their defaults.
func HardSteps(steps ...Step) (Policy, error) {
	overrides := make(map[Step]Mode, len(steps))
	for _, s := range steps {
		overrides[s] = Hard
	}
	return NewPolicy(overrides)
}

// Mode resolves the mode of one step. Download has no soft mode: without
// the source image nothing else can run.
func (p Policy) Mode(step Step) Mode {
	if step == StepDownload {
		return Hard
	}
	if m, ok := p.overrides[step]; ok {
		return m
	}
	if m, ok := defaultModes[step]; ok {
		return m
	}
	return Hard
}

// Table returns the fully resolved mode of every processing step.
func (p Policy) Table() map[Step]Mode {
	out := maps.Clone(defaultModes)
	maps.Copy(out, p.overrides)
	return out
}

func (p Policy) Overrides() map[Step]Mode {
	return maps.Clone(p.overrides)
}
