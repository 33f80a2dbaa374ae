package pipeline

import (
	"context"
	"time"

	"github.com/caesium-cloud/lumen/internal/config"
)

// Operation is a long-running collaborator call.
type Operation string

const (
	OpPrompt            Operation = "prompt"
	OpGeneration        Operation = "generation"
	OpQualityCheck      Operation = "quality_check"
	OpBackgroundRemoval Operation = "background_removal"
	OpDescribe          Operation = "describe"
)

// Timeouts resolves operation deadlines: the user's value when timeouts are
// enabled and set, else the process fallback.
type Timeouts struct {
	user     config.Timeouts
	fallback time.Duration
}

func NewTimeouts(user config.Timeouts, fallback time.Duration) Timeouts {
	return Timeouts{user: user, fallback: fallback}
}

func (t Timeouts) For(op Operation) time.Duration {
	if t.user.Enabled {
		var d time.Duration
		switch op {
		case OpGeneration:
			d = t.user.Generation.Duration
		case OpQualityCheck:
			d = t.user.QualityCheck.Duration
		case OpBackgroundRemoval:
			d = t.user.BackgroundRemoval.Duration
		}
		if d > 0 {
			return d
		}
	}
	return t.fallback
}

// Context derives a context bounded by the operation's timeout. A zero
// timeout leaves ctx unbounded.
func (t Timeouts) Context(ctx context.Context, op Operation) (context.Context, context.CancelFunc) {
	d := t.For(op)
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
