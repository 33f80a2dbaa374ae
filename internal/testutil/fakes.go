package testutil

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"

	"github.com/caesium-cloud/lumen/internal/pipeline"
)

// PNG encodes a small image with a transparent border around one opaque
// pixel.
func PNG() []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	img.SetNRGBA(1, 1, color.NRGBA{R: 200, A: 255})
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

// Generator returns PNG output. When Gate is set every call blocks until
// it is closed.
type Generator struct {
	Gate  chan struct{}
	calls atomic.Int64
}

func (g *Generator) Generate(ctx context.Context, _ pipeline.GenerateRequest) ([]byte, error) {
	g.calls.Add(1)
	if g.Gate != nil {
		select {
		case <-g.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return PNG(), nil
}

func (g *Generator) Calls() int64 {
	return g.calls.Load()
}

// Checker returns the same verdict for every image.
type Checker struct {
	Verdict pipeline.Verdict
}

func (c Checker) Check(context.Context, pipeline.CheckRequest) (pipeline.Verdict, error) {
	return c.Verdict, nil
}
