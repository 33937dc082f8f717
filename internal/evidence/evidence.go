// Package evidence persists submitted images and hands back opaque locators.
// It carries no business rules; the attendance gate treats it as a pure
// side-effect collaborator whose writes must happen before a record exists.
package evidence

import (
	"context"
	"errors"
)

// Backend kinds. A deployment runs exactly one backend; locators of the two
// kinds are never mixed within one deployment.
const (
	KindBlob = "blob"
	KindFS   = "fs"
)

// ErrNotFound is returned by Open when the locator resolves to nothing.
var ErrNotFound = errors.New("evidence not found")

// Locator is a tagged variant referencing a stored image: either a
// content-addressed blob id or a filesystem path plus filename.
type Locator struct {
	Kind     string `json:"kind"`
	BlobID   string `json:"blob_id,omitempty"`
	Path     string `json:"path,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Store is the evidence backend contract. Save must be idempotent from the
// caller's perspective on retry: a duplicate store may create duplicate
// evidence but never corrupts what is already there. Delete is the
// best-effort compensation used by the orphan cleanup worker.
type Store interface {
	Save(ctx context.Context, data []byte, suggestedName string) (Locator, error)
	Open(ctx context.Context, loc Locator) ([]byte, error)
	Delete(ctx context.Context, loc Locator) error
}
