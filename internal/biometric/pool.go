package biometric

import "context"

// Pool bounds concurrent extractions so slow encodes cannot starve the rest
// of the server. Extract blocks until a slot frees up or the context ends.
type Pool struct {
	engine Engine
	slots  chan struct{}
}

// NewPool wraps engine with a semaphore of the given size.
func NewPool(engine Engine, size int) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{engine: engine, slots: make(chan struct{}, size)}
}

// Tag returns the wrapped engine's tag.
func (p *Pool) Tag() string { return p.engine.Tag() }

// Extract runs the wrapped engine within the concurrency bound.
func (p *Pool) Extract(ctx context.Context, image []byte) (Vector, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return Vector{}, ctx.Err()
	}
	defer func() { <-p.slots }()
	return p.engine.Extract(ctx, image)
}
