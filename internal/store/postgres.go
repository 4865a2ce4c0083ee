package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"note-summarizer/internal/models"
)

// DBTX is the subset of pgxpool.Pool the store uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps pgxpool for Postgres persistence of records.
type Store struct {
	pool *pgxpool.Pool
	db   DBTX
}

var _ RecordStore = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, db: pool}, nil
}

// NewWithDB builds a store over an existing connection, pool or transaction.
func NewWithDB(db DBTX) *Store {
	return &Store{db: db}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const recordColumns = `id, owner_id, kind, title, status, body, summary, job_id, created_at, updated_at`

func (s *Store) Create(ctx context.Context, rec models.Record) (models.Record, error) {
	if rec.Kind == "" {
		rec.Kind = "lead"
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO records (owner_id, kind, title, status, body, summary, job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '', '', NOW(), NOW())
		RETURNING `+recordColumns,
		rec.OwnerID, rec.Kind, rec.Title, string(models.RecordNew), rec.Body)
	out, err := scanRecord(row)
	if err != nil {
		return models.Record{}, fmt.Errorf("insert record: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id int64) (models.Record, error) {
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return models.Record{}, fmt.Errorf("get record %d: %w", id, err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, ownerID string) ([]models.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE ($1::text = '' OR owner_id = $1)
		ORDER BY id DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, id int64, upd models.RecordUpdate) (models.Record, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE records
		SET kind = COALESCE($2, kind), title = COALESCE($3, title), body = COALESCE($4, body), updated_at = NOW()
		WHERE id = $1
		RETURNING `+recordColumns,
		id, upd.Kind, upd.Title, upd.Body)
	rec, err := scanRecord(row)
	if err != nil {
		return models.Record{}, fmt.Errorf("update record %d: %w", id, err)
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimForSubmission locks the row, checks the prior status and flips it to queued in one statement,
// returning the prior values and the body snapshot.
func (s *Store) ClaimForSubmission(ctx context.Context, id int64, jobID string) (Claim, error) {
	var (
		claim Claim
		prior string
	)
	err := s.db.QueryRow(ctx, `
		UPDATE records AS r
		SET status = $3, job_id = $2, updated_at = NOW()
		FROM (SELECT id, status, job_id FROM records WHERE id = $1 FOR UPDATE) AS prev
		WHERE r.id = prev.id AND prev.status = ANY($4)
		RETURNING r.body, prev.status, prev.job_id
	`, id, jobID, string(models.RecordQueued), models.StatusStrings(models.SubmittableStatuses)).Scan(&claim.Body, &prior, &claim.PriorJobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Claim{}, s.missReason(ctx, id)
	}
	if err != nil {
		return Claim{}, fmt.Errorf("claim record %d: %w", id, err)
	}
	claim.PriorStatus = models.RecordStatus(prior)
	return claim, nil
}

func (s *Store) RevertSubmission(ctx context.Context, id int64, jobID string, prior models.RecordStatus, priorJobID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE records SET status = $3, job_id = $4, updated_at = NOW()
		WHERE id = $1 AND job_id = $2 AND status = $5
	`, id, jobID, string(prior), priorJobID, string(models.RecordQueued))
	if err != nil {
		return fmt.Errorf("revert record %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missReason(ctx, id)
	}
	return nil
}

func (s *Store) Transition(ctx context.Context, id int64, jobID string, from []models.RecordStatus, to models.RecordStatus) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE records SET status = $4, updated_at = NOW()
		WHERE id = $1 AND job_id = $2 AND status = ANY($3)
	`, id, jobID, models.StatusStrings(from), string(to))
	if err != nil {
		return fmt.Errorf("transition record %d to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missReason(ctx, id)
	}
	return nil
}

func (s *Store) CompleteSummary(ctx context.Context, id int64, jobID, summary string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE records SET summary = $3, status = $4, updated_at = NOW()
		WHERE id = $1 AND job_id = $2 AND status = $5
	`, id, jobID, summary, string(models.RecordDone), string(models.RecordProcessing))
	if err != nil {
		return fmt.Errorf("complete record %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missReason(ctx, id)
	}
	return nil
}

// missReason tells a missing record apart from a failed precondition after a zero-row update.
func (s *Store) missReason(ctx context.Context, id int64) error {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM records WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check record %d: %w", id, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func scanRecord(row pgx.Row) (models.Record, error) {
	var (
		rec    models.Record
		status string
	)
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Kind, &rec.Title, &status, &rec.Body, &rec.Summary, &rec.JobID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Record{}, ErrNotFound
	}
	if err != nil {
		return models.Record{}, err
	}
	rec.Status = models.RecordStatus(status)
	if !rec.Status.Valid() {
		return models.Record{}, fmt.Errorf("record %d has unknown status %q", rec.ID, status)
	}
	return rec, nil
}
