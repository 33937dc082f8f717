package attendance

import (
	"errors"
	"fmt"
	"time"

	"faceattend/internal/evidence"
)

// Record decision statuses. A record is written exactly once and never
// updated; Rejected submissions are recorded too so the audit trail shows
// every attempt.
const (
	StatusPresent  = "Present"
	StatusRejected = "Rejected"
)

// Rejection reasons stored when no comparison was possible.
const (
	ReasonNoTemplate        = "no template"
	ReasonNoFace            = "no face detected"
	ReasonEngineUnavailable = "face engine unavailable"
	ReasonEngineMismatch    = "template engine mismatch"
)

// Record is the immutable fact of one attendance submission.
type Record struct {
	ID        string            `json:"id"`
	SubjectID string            `json:"subject_id"`
	TenantID  string            `json:"tenant_id,omitempty"`
	When      time.Time         `json:"timestamp"`
	Latitude  float64           `json:"lat"`
	Longitude float64           `json:"lon"`
	Evidence  evidence.Locator  `json:"evidence"`
	Status    string            `json:"status"`
	Score     *float64          `json:"score"`
	Reason    *string           `json:"reason"`
	CreatedAt time.Time         `json:"created_at"`

	// Joined identity fields, populated on admin listings only.
	Username string `json:"username,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// Day returns the UTC calendar day the record falls on, the dedup key
// component alongside the subject id.
func (r Record) Day() time.Time {
	y, m, d := r.When.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Filter narrows record queries. SubjectIDs, when non-nil, restricts results
// to those subjects; the scoper forces it for self-only callers and the name
// query resolver fills it for admin text searches.
type Filter struct {
	TenantID   string
	SubjectIDs []string
	NameQuery  string
	From       time.Time
	To         time.Time
}

// Pagination bounds. Invalid requests fall back silently rather than erroring.
const (
	DefaultLimit = 50
	MaxLimit     = 1000
	SelfListCap  = 200
	ExportCap    = 5000
	NameMatchCap = 500
)

// ClampPage normalizes 1-indexed pagination input.
func ClampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return page, limit
}

// Error taxonomy. Validation and authorization failures terminate a request
// before anything is persisted; storage errors are the only server-class
// failures.
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// ValidationError reports malformed or missing submission input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// StorageError wraps evidence or record persistence failures.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }
