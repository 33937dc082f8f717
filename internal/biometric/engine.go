// Package biometric turns images into feature vectors and decides whether
// two vectors belong to the same person. Vectors are tagged with the engine
// that produced them; vectors from different engines live in different
// spaces and are never comparable.
package biometric

import (
	"context"
	"errors"
)

// Engine tags. The tag picks the comparison policy: dlib vectors compare by
// Euclidean distance, facenet vectors by cosine similarity.
const (
	EngineDlib    = "dlib"
	EngineFacenet = "facenet"
)

// Extraction failure modes. These are downgraded to Rejected records by the
// attendance gate, never surfaced as server errors.
var (
	ErrNoFace            = errors.New("no face detected")
	ErrBadImage          = errors.New("image could not be decoded")
	ErrEngineUnavailable = errors.New("face engine unavailable")
)

// Vector is a feature vector tagged with the producing engine.
type Vector struct {
	Engine string
	Values []float32
}

// Engine encodes raw image bytes into a feature vector. Implementations must
// be safe for concurrent use.
type Engine interface {
	Tag() string
	Extract(ctx context.Context, image []byte) (Vector, error)
}

type noEngine struct{}

func (noEngine) Tag() string { return "" }

func (noEngine) Extract(context.Context, []byte) (Vector, error) {
	return Vector{}, ErrEngineUnavailable
}

// NoEngine is the engine used when a deployment configures no encoder at
// all. Running without an engine is a supported configuration, not an error
// path: every submission is recorded as Rejected with a reason.
func NoEngine() Engine { return noEngine{} }
