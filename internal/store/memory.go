package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"note-summarizer/internal/models"
)

// MemoryStore is an in-process RecordStore. A single mutex makes each operation atomic,
// which gives the same conditional-update semantics as the Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int64]models.Record
	nextID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]models.Record)}
}

var _ RecordStore = (*MemoryStore)(nil)

func (s *MemoryStore) Create(ctx context.Context, rec models.Record) (models.Record, error) {
	if err := ctx.Err(); err != nil {
		return models.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := time.Now().UTC()
	rec.ID = s.nextID
	rec.Status = models.RecordNew
	rec.Summary = ""
	rec.JobID = ""
	if rec.Kind == "" {
		rec.Kind = "lead"
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[rec.ID] = rec
	return rec, nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (models.Record, error) {
	if err := ctx.Err(); err != nil {
		return models.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return models.Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) List(ctx context.Context, ownerID string) ([]models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Record, 0, len(s.records))
	for _, rec := range s.records {
		if ownerID == "" || rec.OwnerID == ownerID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, id int64, upd models.RecordUpdate) (models.Record, error) {
	if err := ctx.Err(); err != nil {
		return models.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return models.Record{}, ErrNotFound
	}
	if upd.Kind != nil {
		rec.Kind = *upd.Kind
	}
	if upd.Title != nil {
		rec.Title = *upd.Title
	}
	if upd.Body != nil {
		rec.Body = *upd.Body
	}
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	return rec, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) ClaimForSubmission(ctx context.Context, id int64, jobID string) (Claim, error) {
	if err := ctx.Err(); err != nil {
		return Claim{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Claim{}, ErrNotFound
	}
	if !models.CanSubmit(rec.Status) {
		return Claim{}, ErrConflict
	}
	claim := Claim{Body: rec.Body, PriorStatus: rec.Status, PriorJobID: rec.JobID}
	rec.Status = models.RecordQueued
	rec.JobID = jobID
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	return claim, nil
}

func (s *MemoryStore) RevertSubmission(ctx context.Context, id int64, jobID string, prior models.RecordStatus, priorJobID string) error {
	return s.mutate(ctx, id, jobID, []models.RecordStatus{models.RecordQueued}, func(rec *models.Record) {
		rec.Status = prior
		rec.JobID = priorJobID
	})
}

func (s *MemoryStore) Transition(ctx context.Context, id int64, jobID string, from []models.RecordStatus, to models.RecordStatus) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}
	return s.mutate(ctx, id, jobID, from, func(rec *models.Record) {
		rec.Status = to
	})
}

func (s *MemoryStore) CompleteSummary(ctx context.Context, id int64, jobID, summary string) error {
	return s.mutate(ctx, id, jobID, []models.RecordStatus{models.RecordProcessing}, func(rec *models.Record) {
		rec.Summary = summary
		rec.Status = models.RecordDone
	})
}

// mutate applies fn under the lock when the record belongs to jobID and is in one of from.
func (s *MemoryStore) mutate(ctx context.Context, id int64, jobID string, from []models.RecordStatus, fn func(*models.Record)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.JobID != jobID || !slices.Contains(from, rec.Status) {
		return ErrConflict
	}
	fn(&rec)
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	return nil
}
