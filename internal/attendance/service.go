package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"faceattend/internal/biometric"
	"faceattend/internal/evidence"
	"faceattend/internal/queue"
	"faceattend/internal/subject"
)

var submissionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "faceattend_submissions_total",
	Help: "Attendance submissions by terminal outcome.",
}, []string{"outcome"})

// SubjectDirectory is the slice of the identity subsystem the gate consumes.
type SubjectDirectory interface {
	GetByID(ctx context.Context, id string) (*subject.Subject, error)
	SearchIDs(ctx context.Context, q string, limit int) ([]string, error)
}

// RecordStore persists and queries attendance records. InsertIfAbsent must
// be atomic with respect to concurrent submissions for the same subject and
// day; see Repository.
type RecordStore interface {
	InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error)
	FindByDay(ctx context.Context, subjectID string, at time.Time) (*Record, error)
	Find(ctx context.Context, f Filter, page, limit int) ([]Record, int, error)
	FindAll(ctx context.Context, f Filter, cap int) ([]Record, error)
}

// Encoder produces a feature vector from image bytes.
type Encoder interface {
	Tag() string
	Extract(ctx context.Context, image []byte) (biometric.Vector, error)
}

// Service is the attendance gate: the single authority deciding whether a
// submission becomes a record, and the only writer of records.
type Service struct {
	subjects  SubjectDirectory
	records   RecordStore
	evidence  evidence.Store
	encoder   Encoder
	cleanup   queue.Queue
	tolerance float64
	now       func() time.Time
}

// NewService wires the gate. cleanup may be nil; orphaned evidence is then
// only logged.
func NewService(subjects SubjectDirectory, records RecordStore, ev evidence.Store, encoder Encoder, cleanup queue.Queue, tolerance float64) *Service {
	return &Service{
		subjects:  subjects,
		records:   records,
		evidence:  ev,
		encoder:   encoder,
		cleanup:   cleanup,
		tolerance: tolerance,
		now:       time.Now,
	}
}

// SubmitResult is the terminal outcome of one submission. Created is false
// when the day's record already existed; the echoed record is the existing
// one, untouched.
type SubmitResult struct {
	Record  Record
	Created bool
}

// Submit runs one submission through the gate:
// validate, dedup, encode, compare, persist evidence, then a single atomic
// conditional insert. Evidence is always written before the record so a
// record can never point at missing evidence; the reverse orphan (evidence
// without record) is tolerated and queued for cleanup.
func (s *Service) Submit(ctx context.Context, subjectID string, image []byte, lat, lon float64) (SubmitResult, error) {
	if subjectID == "" {
		return SubmitResult{}, s.reject("validation_error", &ValidationError{Field: "subject_id", Msg: "required"})
	}
	if len(image) == 0 {
		return SubmitResult{}, s.reject("validation_error", &ValidationError{Field: "image", Msg: "required"})
	}
	if lat < -90 || lat > 90 {
		return SubmitResult{}, s.reject("validation_error", &ValidationError{Field: "lat", Msg: "must be within [-90, 90]"})
	}
	if lon < -180 || lon > 180 {
		return SubmitResult{}, s.reject("validation_error", &ValidationError{Field: "lon", Msg: "must be within [-180, 180]"})
	}

	sub, err := s.subjects.GetByID(ctx, subjectID)
	if err != nil {
		return SubmitResult{}, &StorageError{Op: "load subject", Err: err}
	}
	if sub == nil {
		return SubmitResult{}, s.reject("not_found", ErrNotFound)
	}

	now := s.now().UTC()

	// Cheap pre-check so an obvious duplicate skips encoding and evidence
	// entirely. The conditional insert below remains the real guarantee.
	if existing, err := s.records.FindByDay(ctx, subjectID, now); err != nil {
		return SubmitResult{}, &StorageError{Op: "dedup check", Err: err}
	} else if existing != nil {
		submissionOutcomes.WithLabelValues("duplicate").Inc()
		return SubmitResult{Record: *existing, Created: false}, nil
	}

	status, score, reason := s.decide(ctx, sub, image)

	loc, err := s.evidence.Save(ctx, image, subjectID+".jpg")
	if err != nil {
		submissionOutcomes.WithLabelValues("storage_error").Inc()
		return SubmitResult{}, &StorageError{Op: "store evidence", Err: err}
	}

	rec := Record{
		SubjectID: sub.ID,
		TenantID:  sub.TenantID,
		When:      now,
		Latitude:  lat,
		Longitude: lon,
		Evidence:  loc,
		Status:    status,
		Score:     score,
		Reason:    reason,
	}
	inserted, created, err := s.records.InsertIfAbsent(ctx, rec)
	if err != nil {
		s.discardOrphan(ctx, loc)
		submissionOutcomes.WithLabelValues("storage_error").Inc()
		return SubmitResult{}, &StorageError{Op: "insert record", Err: err}
	}
	if !created {
		// Lost the race: the evidence we just wrote belongs to no record.
		s.discardOrphan(ctx, loc)
		submissionOutcomes.WithLabelValues("duplicate").Inc()
		return SubmitResult{Record: inserted, Created: false}, nil
	}

	if status == StatusPresent {
		submissionOutcomes.WithLabelValues("admitted_present").Inc()
	} else {
		submissionOutcomes.WithLabelValues("admitted_rejected").Inc()
	}
	return SubmitResult{Record: inserted, Created: true}, nil
}

// decide maps the biometric leg of a submission onto (status, score,
// reason). Encoding and comparison failures are absorbed into a Rejected
// record here, never raised: the audit trail records that verification was
// impossible instead of dropping the attempt.
func (s *Service) decide(ctx context.Context, sub *subject.Subject, image []byte) (string, *float64, *string) {
	if sub.Template == nil {
		return StatusRejected, nil, ptr(ReasonNoTemplate)
	}

	candidate, err := s.encoder.Extract(ctx, image)
	if err != nil {
		switch {
		case errors.Is(err, biometric.ErrNoFace), errors.Is(err, biometric.ErrBadImage):
			return StatusRejected, nil, ptr(ReasonNoFace)
		default:
			log.Printf("encode failed for subject %s: %v", sub.ID, err)
			return StatusRejected, nil, ptr(ReasonEngineUnavailable)
		}
	}

	if sub.Template.Engine != candidate.Engine {
		// The stored template came from a different engine than the one
		// this deployment runs; their vector spaces are incomparable.
		return StatusRejected, nil, ptr(ReasonEngineMismatch)
	}

	match, score, err := biometric.Compare(*sub.Template, candidate, s.tolerance)
	if err != nil {
		log.Printf("compare failed for subject %s: %v", sub.ID, err)
		return StatusRejected, nil, ptr(ReasonEngineMismatch)
	}
	status := StatusRejected
	if match {
		status = StatusPresent
	}
	return status, &score, nil
}

// ListMine returns the caller's own records, newest first, capped.
func (s *Service) ListMine(ctx context.Context, subjectID string) ([]Record, error) {
	records, _, err := s.records.Find(ctx, Filter{SubjectIDs: []string{subjectID}}, 1, SelfListCap)
	return records, err
}

// List runs a scoped, paginated query. The identity-text filter resolves
// matching subjects first (bounded) and then narrows records to that set.
func (s *Service) List(ctx context.Context, f Filter, page, limit int) ([]Record, int, error) {
	f, err := s.resolveNameQuery(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	return s.records.Find(ctx, f, page, limit)
}

// ExportRows returns the filtered, identity-joined rows for the reporting
// collaborator, capped.
func (s *Service) ExportRows(ctx context.Context, f Filter) ([]Record, error) {
	f, err := s.resolveNameQuery(ctx, f)
	if err != nil {
		return nil, err
	}
	return s.records.FindAll(ctx, f, ExportCap)
}

func (s *Service) resolveNameQuery(ctx context.Context, f Filter) (Filter, error) {
	if f.NameQuery == "" {
		return f, nil
	}
	ids, err := s.subjects.SearchIDs(ctx, f.NameQuery, NameMatchCap)
	if err != nil {
		return Filter{}, &StorageError{Op: "resolve subjects", Err: err}
	}
	if ids == nil {
		ids = []string{} // matches nothing rather than everything
	}
	f.SubjectIDs = intersect(f.SubjectIDs, ids)
	f.NameQuery = ""
	return f, nil
}

func intersect(existing, resolved []string) []string {
	if existing == nil {
		return resolved
	}
	seen := make(map[string]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	out := []string{}
	for _, id := range resolved {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}

func (s *Service) discardOrphan(ctx context.Context, loc evidence.Locator) {
	if s.cleanup == nil {
		log.Printf("orphan evidence %+v left for manual cleanup", loc)
		return
	}
	body, _ := json.Marshal(loc)
	if err := s.cleanup.Publish(ctx, queue.Message{Type: queue.TypeEvidenceCleanup, Body: body}); err != nil {
		log.Printf("cleanup publish failed: %v", err)
	}
}

func (s *Service) reject(outcome string, err error) error {
	submissionOutcomes.WithLabelValues(outcome).Inc()
	return err
}

func ptr(s string) *string { return &s }
