package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"faceattend/internal/biometric"
	"faceattend/internal/evidence"
	"faceattend/internal/queue"
	"faceattend/internal/subject"
)

// fakeSubjects is an in-memory SubjectDirectory.
type fakeSubjects struct {
	byID map[string]*subject.Subject
}

func (f *fakeSubjects) GetByID(_ context.Context, id string) (*subject.Subject, error) {
	return f.byID[id], nil
}

func (f *fakeSubjects) SearchIDs(_ context.Context, q string, _ int) ([]string, error) {
	var ids []string
	for id, s := range f.byID {
		if s.Username == q || s.FullName == q {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// fakeRecords enforces the (subject, day) uniqueness the way the Postgres
// constraint does: atomically under a lock.
type fakeRecords struct {
	mu        sync.Mutex
	records   []Record
	failNext  error
	skipCheck bool // make FindByDay lie so the insert conflict path runs
}

func (f *fakeRecords) key(subjectID string, at time.Time) string {
	return subjectID + "|" + at.UTC().Format("2006-01-02")
}

func (f *fakeRecords) InsertIfAbsent(_ context.Context, rec Record) (Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return Record{}, false, err
	}
	for _, existing := range f.records {
		if f.key(existing.SubjectID, existing.When) == f.key(rec.SubjectID, rec.When) {
			return existing, false, nil
		}
	}
	rec.ID = "rec-" + rec.SubjectID + "-" + rec.When.Format("20060102")
	rec.CreatedAt = rec.When
	f.records = append(f.records, rec)
	return rec, true, nil
}

func (f *fakeRecords) FindByDay(_ context.Context, subjectID string, at time.Time) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.skipCheck {
		return nil, nil
	}
	for _, rec := range f.records {
		if f.key(rec.SubjectID, rec.When) == f.key(subjectID, at) {
			r := rec
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakeRecords) Find(_ context.Context, filter Filter, page, limit int) ([]Record, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []Record
	for _, rec := range f.records {
		if filter.SubjectIDs != nil && !contains(filter.SubjectIDs, rec.SubjectID) {
			continue
		}
		if filter.TenantID != "" && rec.TenantID != filter.TenantID {
			continue
		}
		matched = append(matched, rec)
	}
	return matched, len(matched), nil
}

func (f *fakeRecords) FindAll(ctx context.Context, filter Filter, _ int) ([]Record, error) {
	records, _, err := f.Find(ctx, filter, 1, ExportCap)
	return records, err
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// fakeEvidence stores nothing and can be told to fail.
type fakeEvidence struct {
	saves   int
	deletes int
	fail    bool
}

func (f *fakeEvidence) Save(context.Context, []byte, string) (evidence.Locator, error) {
	if f.fail {
		return evidence.Locator{}, errors.New("disk full")
	}
	f.saves++
	return evidence.Locator{Kind: evidence.KindFS, Path: "uploads/x.jpg", Filename: "x.jpg"}, nil
}

func (f *fakeEvidence) Open(context.Context, evidence.Locator) ([]byte, error) {
	return nil, evidence.ErrNotFound
}

func (f *fakeEvidence) Delete(context.Context, evidence.Locator) error {
	f.deletes++
	return nil
}

// fakeEncoder returns a fixed vector or error.
type fakeEncoder struct {
	tag string
	vec biometric.Vector
	err error
}

func (f *fakeEncoder) Tag() string { return f.tag }

func (f *fakeEncoder) Extract(context.Context, []byte) (biometric.Vector, error) {
	if f.err != nil {
		return biometric.Vector{}, f.err
	}
	return f.vec, nil
}

func newTestService(subjects *fakeSubjects, records *fakeRecords, enc Encoder, at time.Time) (*Service, *fakeEvidence, *queue.InMemory) {
	ev := &fakeEvidence{}
	cleanup := queue.NewInMemory(8)
	svc := NewService(subjects, records, ev, enc, cleanup, 0.6)
	svc.now = func() time.Time { return at }
	return svc, ev, cleanup
}

func templateSubject(id, tenant string, vec []float32) *subject.Subject {
	return &subject.Subject{
		ID:       id,
		Username: id,
		Role:     "subject",
		TenantID: tenant,
		Template: &biometric.Vector{Engine: biometric.EngineDlib, Values: vec},
	}
}

func TestSubmitPresentThenDuplicateEcho(t *testing.T) {
	subjects := &fakeSubjects{byID: map[string]*subject.Subject{
		"u1": templateSubject("u1", "t1", []float32{0, 0}),
	}}
	records := &fakeRecords{}
	// Candidate at Euclidean distance 0.3 from the template; tolerance 0.6.
	enc := &fakeEncoder{tag: biometric.EngineDlib, vec: biometric.Vector{Engine: biometric.EngineDlib, Values: []float32{0.3, 0}}}
	morning := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	svc, ev, _ := newTestService(subjects, records, enc, morning)

	res, err := svc.Submit(context.Background(), "u1", []byte("img"), 48.2, 16.3)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Created {
		t.Fatal("first submission must create a record")
	}
	if res.Record.Status != StatusPresent {
		t.Errorf("status = %q, want Present", res.Record.Status)
	}
	if res.Record.Score == nil || *res.Record.Score < 0.29 || *res.Record.Score > 0.31 {
		t.Errorf("score = %v, want ~0.3", res.Record.Score)
	}
	if res.Record.Reason != nil {
		t.Errorf("reason must be nil when comparison ran, got %q", *res.Record.Reason)
	}
	if res.Record.TenantID != "t1" {
		t.Errorf("record must carry the subject's tenant, got %q", res.Record.TenantID)
	}

	// Same UTC day, five hours later: no new record, echo of Present.
	svc.now = func() time.Time { return time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC) }
	res2, err := svc.Submit(context.Background(), "u1", []byte("other"), 48.2, 16.3)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if res2.Created {
		t.Fatal("duplicate submission must not create a record")
	}
	if res2.Record.Status != StatusPresent {
		t.Errorf("duplicate echo status = %q, want Present", res2.Record.Status)
	}
	if res2.Record.ID != res.Record.ID {
		t.Errorf("duplicate must echo the existing record")
	}
	if len(records.records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(records.records))
	}
	if ev.saves != 1 {
		t.Errorf("duplicate pre-check should skip evidence, got %d saves", ev.saves)
	}
}

func TestSubmitNextDayRejectedBeyondTolerance(t *testing.T) {
	subjects := &fakeSubjects{byID: map[string]*subject.Subject{
		"u1": templateSubject("u1", "t1", []float32{0, 0}),
	}}
	records := &fakeRecords{}
	enc := &fakeEncoder{tag: biometric.EngineDlib, vec: biometric.Vector{Engine: biometric.EngineDlib, Values: []float32{0.9, 0}}}
	nextDay := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(subjects, records, enc, nextDay)

	res, err := svc.Submit(context.Background(), "u1", []byte("img"), 0, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Created {
		t.Fatal("new day must create a new record")
	}
	if res.Record.Status != StatusRejected {
		t.Errorf("status = %q, want Rejected", res.Record.Status)
	}
	if res.Record.Score == nil || *res.Record.Score < 0.89 || *res.Record.Score > 0.91 {
		t.Errorf("score = %v, want ~0.9", res.Record.Score)
	}
	if res.Record.Reason != nil {
		t.Errorf("reason must be nil when the comparison itself ran, got %q", *res.Record.Reason)
	}
}

func TestSubmitNoTemplate(t *testing.T) {
	subjects := &fakeSubjects{byID: map[string]*subject.Subject{
		"u1": {ID: "u1", Username: "u1", Role: "subject", TenantID: "t1"},
	}}
	records := &fakeRecords{}
	enc := &fakeEncoder{tag: biometric.EngineDlib, vec: biometric.Vector{Engine: biometric.EngineDlib, Values: []float32{1}}}
	svc, _, _ := newTestService(subjects, records, enc, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))

	res, err := svc.Submit(context.Background(), "u1", []byte("img"), 0, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Created {
		t.Fatal("no-template submissions are still recorded")
	}
	if res.Record.Status != StatusRejected {
		t.Errorf("status = %q, want Rejected", res.Record.Status)
	}
	if res.Record.Score != nil {
		t.Errorf("score must be null without a comparison, got %v", *res.Record.Score)
	}
	if res.Record.Reason == nil || *res.Record.Reason != ReasonNoTemplate {
		t.Errorf("reason = %v, want %q", res.Record.Reason, ReasonNoTemplate)
	}
}

func TestSubmitEncodingFailures(t *testing.T) {
	tests := []struct {
		name       string
		encErr     error
		wantReason string
	}{
		{"no face", biometric.ErrNoFace, ReasonNoFace},
		{"bad image", biometric.ErrBadImage, ReasonNoFace},
		{"engine unavailable", biometric.ErrEngineUnavailable, ReasonEngineUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			subjects := &fakeSubjects{byID: map[string]*subject.Subject{
				"u1": templateSubject("u1", "t1", []float32{0, 0}),
			}}
			records := &fakeRecords{}
			enc := &fakeEncoder{tag: biometric.EngineDlib, err: tc.encErr}
			svc, _, _ := newTestService(subjects, records, enc, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))

			res, err := svc.Submit(context.Background(), "u1", []byte("img"), 0, 0)
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if res.Record.Status != StatusRejected || res.Record.Score != nil {
				t.Errorf("want Rejected/null score, got %q/%v", res.Record.Status, res.Record.Score)
			}
			if res.Record.Reason == nil || *res.Record.Reason != tc.wantReason {
				t.Errorf("reason = %v, want %q", res.Record.Reason, tc.wantReason)
			}
		})
	}
}

func TestSubmitTemplateEngineMismatch(t *testing.T) {
	subjects := &fakeSubjects{byID: map[string]*subject.Subject{
		"u1": {
			ID: "u1", Username: "u1", Role: "subject",
			Template: &biometric.Vector{Engine: biometric.EngineFacenet, Values: []float32{1, 0}},
		},
	}}
	records := &fakeRecords{}
	enc := &fakeEncoder{tag: biometric.EngineDlib, vec: biometric.Vector{Engine: biometric.EngineDlib, Values: []float32{1, 0}}}
	svc, _, _ := newTestService(subjects, records, enc, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))

	res, err := svc.Submit(context.Background(), "u1", []byte("img"), 0, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Record.Reason == nil || *res.Record.Reason != ReasonEngineMismatch {
		t.Errorf("reason = %v, want %q", res.Record.Reason, ReasonEngineMismatch)
	}
}

func TestSubmitValidation(t *testing.T) {
	subjects := &fakeSubjects{byID: map[string]*subject.Subject{}}
	svc, ev, _ := newTestService(subjects, &fakeRecords{}, &fakeEncoder{tag: biometric.EngineDlib}, time.Now())

	tests := []struct {
		name      string
		subjectID string
		image     []byte
		lat, lon  float64
	}{
		{"empty image", "u1", nil, 0, 0},
		{"latitude out of range", "u1", []byte("x"), 91, 0},
		{"longitude out of range", "u1", []byte("x"), 0, -181},
		{"missing subject", "", []byte("x"), 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), tc.subjectID, tc.image, tc.lat, tc.lon)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
	if ev.saves != 0 {
		t.Errorf("validation failures must not persist evidence, got %d saves", ev.saves)
	}
}

func TestSubmitUnknownSubject(t *testing.T) {
	svc, _, _ := newTestService(&fakeSubjects{byID: map[string]*subject.Subject{}}, &fakeRecords{}, &fakeEncoder{tag: biometric.EngineDlib}, time.Now())

	_, err := svc.Submit(context.Background(), "ghost", []byte("img"), 0, 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitEvidenceFailureCreatesNothing(t *testing.T) {
	subjects := &fakeSubjects{byID: map[string]*subject.Subject{
		"u1": templateSubject("u1", "t1", []float32{0}),
	}}
	records := &fakeRecords{}
	enc := &fakeEncoder{tag: biometric.EngineDlib, vec: biometric.Vector{Engine: biometric.EngineDlib, Values: []float32{0}}}
	svc, ev, _ := newTestService(subjects, records, enc, time.Now())
	ev.fail = true

	_, err := svc.Submit(context.Background(), "u1", []byte("img"), 0, 0)
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if len(records.records) != 0 {
		t.Error("no record may exist when its evidence write failed")
	}
}

func TestSubmitLostRaceQueuesOrphanCleanup(t *testing.T) {
	subjects := &fakeSubjects{byID: map[string]*subject.Subject{
		"u1": templateSubject("u1", "t1", []float32{0}),
	}}
	when := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	records := &fakeRecords{skipCheck: true}
	records.records = []Record{{ID: "winner", SubjectID: "u1", When: when, Status: StatusPresent}}
	enc := &fakeEncoder{tag: biometric.EngineDlib, vec: biometric.Vector{Engine: biometric.EngineDlib, Values: []float32{0}}}
	svc, _, cleanup := newTestService(subjects, records, enc, when.Add(2*time.Hour))

	res, err := svc.Submit(context.Background(), "u1", []byte("img"), 0, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Created || res.Record.ID != "winner" {
		t.Errorf("lost race must echo the winner, got %+v", res)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, _ := cleanup.Consume(ctx)
	select {
	case msg := <-messages:
		if msg.Type != queue.TypeEvidenceCleanup {
			t.Errorf("expected cleanup message, got %q", msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an orphan cleanup message")
	}
}

func TestListMineAndNameQuery(t *testing.T) {
	subjects := &fakeSubjects{byID: map[string]*subject.Subject{
		"u1": {ID: "u1", Username: "jdoe", FullName: "Jane Doe"},
		"u2": {ID: "u2", Username: "asmith"},
	}}
	records := &fakeRecords{records: []Record{
		{ID: "a", SubjectID: "u1", When: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)},
		{ID: "b", SubjectID: "u2", When: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)},
	}}
	svc, _, _ := newTestService(subjects, records, &fakeEncoder{tag: biometric.EngineDlib}, time.Now())

	mine, err := svc.ListMine(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list mine: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "a" {
		t.Errorf("expected only u1's record, got %+v", mine)
	}

	got, total, err := svc.List(context.Background(), Filter{NameQuery: "jdoe"}, 1, 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(got) != 1 || got[0].SubjectID != "u1" {
		t.Errorf("name query should resolve to u1, got %+v", got)
	}

	// A query matching nobody must match no records, not all of them.
	got, total, err = svc.List(context.Background(), Filter{NameQuery: "nobody"}, 1, 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 0 || len(got) != 0 {
		t.Errorf("unmatched name query must return nothing, got %d records", len(got))
	}
}

func TestClampPage(t *testing.T) {
	tests := []struct {
		page, limit         int
		wantPage, wantLimit int
	}{
		{0, 0, 1, DefaultLimit},
		{-3, -1, 1, DefaultLimit},
		{2, 25, 2, 25},
		{1, MaxLimit + 500, 1, MaxLimit},
	}
	for _, tc := range tests {
		page, limit := ClampPage(tc.page, tc.limit)
		if page != tc.wantPage || limit != tc.wantLimit {
			t.Errorf("ClampPage(%d, %d) = (%d, %d), want (%d, %d)",
				tc.page, tc.limit, page, limit, tc.wantPage, tc.wantLimit)
		}
	}
}
