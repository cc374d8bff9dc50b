// Package detector runs the object-detection stage: it consumes
// sampled frames, invokes the injected detector model and derives
// per-particle measurements.
package detector

import (
	"context"
	"image"
)

// ParticleClass is the detector class index for particles; the belt
// class is excluded from detection.
const ParticleClass = 1

// Box is one raw detection returned by a model, in pixel coordinates.
type Box struct {
	Conf           float64
	X1, Y1, X2, Y2 float64
}

// Model is the inference contract the pipeline requires. The
// implementation is an injected collaborator; the pipeline never loads
// inference kernels itself.
type Model interface {
	// Detect returns the boxes of the requested class with confidence
	// of at least minConf.
	Detect(ctx context.Context, img image.Image, minConf float64, class int) ([]Box, error)
}

// Loader resolves a model id to a ready detector. StartTask pre-loads
// models through it so a broken model fails the start request instead
// of the first frame.
type Loader interface {
	LoadDetector(id string) (Model, error)
}
