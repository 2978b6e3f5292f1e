package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobmate/pipeline-service/internal/domain"
)

// Store implements domain.LedgerStore and domain.ApplicationStore on
// Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Store using pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const applicationColumns = `id, COALESCE(job_id, ''), COALESCE(candidate_name, ''), status,
	current_stage_entered_at, is_archived, archived_at, archive_reason, created_at, updated_at`

const entryColumns = `h.id, h.application_id, h.stage, h.previous_stage, h.entered_at, h.exited_at,
	h.time_in_stage_seconds, h.changed_by_id, h.changed_by_name`

func scanApplication(row pgx.Row) (*domain.Application, error) {
	var (
		a      domain.Application
		status string
	)
	if err := row.Scan(
		&a.ID, &a.JobID, &a.CandidateName, &status,
		&a.CurrentStageEnteredAt, &a.IsArchived, &a.ArchivedAt, &a.ArchiveReason,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	a.Status = domain.Stage(status)
	return &a, nil
}

func scanEntries(rows pgx.Rows) ([]domain.StageHistoryEntry, error) {
	defer rows.Close()

	out := make([]domain.StageHistoryEntry, 0)
	for rows.Next() {
		var (
			e           domain.StageHistoryEntry
			stage       string
			previousRaw *string
		)
		if err := rows.Scan(
			&e.ID, &e.ApplicationID, &stage, &previousRaw, &e.EnteredAt, &e.ExitedAt,
			&e.TimeInStageSeconds, &e.ChangedByID, &e.ChangedByName,
		); err != nil {
			return nil, fmt.Errorf("scan stage history: %w", err)
		}
		e.Stage = domain.Stage(stage)
		if previousRaw != nil {
			prev := domain.Stage(*previousRaw)
			e.PreviousStage = &prev
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── LedgerStore ─────────────────────────────────────────────────────────────

// InTx runs fn inside one Postgres transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(t pgx.Tx) error {
		return fn(ctx, &ledgerTx{tx: t})
	})
}

func (s *Store) ListEntries(ctx context.Context, applicationID string) ([]domain.StageHistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM application_stage_history h
		 WHERE h.application_id = $1 ORDER BY h.entered_at, h.exited_at NULLS LAST`,
		applicationID)
	if err != nil {
		return nil, fmt.Errorf("listEntries query: %w", err)
	}
	return scanEntries(rows)
}

func (s *Store) ListOpenEntries(ctx context.Context, applicationID string) ([]domain.StageHistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM application_stage_history h
		 WHERE h.application_id = $1 AND h.exited_at IS NULL ORDER BY h.entered_at`,
		applicationID)
	if err != nil {
		return nil, fmt.Errorf("listOpenEntries query: %w", err)
	}
	return scanEntries(rows)
}

// QueryEntries filters stage history for analytics. The WHERE clause is
// composed from named parameters only.
func (s *Store) QueryEntries(ctx context.Context, f domain.EntryFilter) ([]domain.StageHistoryEntry, error) {
	conds := []string{"TRUE"}
	args := pgx.NamedArgs{}
	if f.JobID != "" {
		conds = append(conds, "a.job_id = @jobId")
		args["jobId"] = f.JobID
	}
	if f.From != nil {
		conds = append(conds, "h.entered_at >= @from")
		args["from"] = *f.From
	}
	if f.To != nil {
		conds = append(conds, "h.entered_at <= @to")
		args["to"] = *f.To
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM application_stage_history h
		 JOIN applications a ON a.id = h.application_id
		 WHERE `+strings.Join(conds, " AND ")+`
		 ORDER BY h.entered_at`,
		args)
	if err != nil {
		return nil, fmt.Errorf("queryEntries query: %w", err)
	}
	return scanEntries(rows)
}

// ─── ApplicationStore ────────────────────────────────────────────────────────

func (s *Store) InsertApplication(ctx context.Context, app *domain.Application) error {
	return insertApplication(ctx, s.pool, app)
}

// uniqueViolation is the SQLSTATE of a unique constraint failure.
const uniqueViolation = "23505"

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertApplication(ctx context.Context, q execer, app *domain.Application) error {
	_, err := q.Exec(ctx,
		`INSERT INTO applications (id, job_id, candidate_name, status, current_stage_entered_at,
		                           is_archived, archived_at, archive_reason, created_at, updated_at)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)`,
		app.ID, app.JobID, app.CandidateName, string(app.Status), app.CurrentStageEnteredAt,
		app.IsArchived, app.ArchivedAt, app.ArchiveReason, app.CreatedAt, app.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("insertApplication %s: %w", app.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insertApplication: %w", err)
	}
	return nil
}

func (s *Store) GetApplication(ctx context.Context, id string) (*domain.Application, error) {
	a, err := scanApplication(s.pool.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("getApplication: %w", err)
	}
	return a, err
}

func (s *Store) ListApplications(ctx context.Context, f domain.ApplicationFilter) ([]domain.Application, error) {
	conds := []string{"TRUE"}
	args := pgx.NamedArgs{}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		conds = append(conds, "status = ANY(@statuses)")
		args["statuses"] = statuses
	}
	if f.Archived != nil {
		conds = append(conds, "is_archived = @archived")
		args["archived"] = *f.Archived
	}
	if f.StageEnteredBefore != nil {
		conds = append(conds, "current_stage_entered_at < @enteredBefore")
		args["enteredBefore"] = *f.StageEnteredBefore
	}
	if f.UpdatedBefore != nil {
		conds = append(conds, "updated_at < @updatedBefore")
		args["updatedBefore"] = *f.UpdatedBefore
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+applicationColumns+` FROM applications
		 WHERE `+strings.Join(conds, " AND ")+` ORDER BY created_at`,
		args)
	if err != nil {
		return nil, fmt.Errorf("listApplications query: %w", err)
	}
	defer rows.Close()

	apps := make([]domain.Application, 0)
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("listApplications scan: %w", err)
		}
		apps = append(apps, *a)
	}
	return apps, rows.Err()
}

func (s *Store) ArchiveRejected(ctx context.Context, updatedBefore, archivedAt time.Time, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE applications
		 SET is_archived = true, archived_at = $2, archive_reason = $3, updated_at = $2
		 WHERE status = 'Rejected' AND NOT is_archived AND updated_at < $1`,
		updatedBefore, archivedAt, reason)
	if err != nil {
		return 0, fmt.Errorf("archiveRejected: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeArchived deletes expired archives; stage history goes with them via
// ON DELETE CASCADE.
func (s *Store) PurgeArchived(ctx context.Context, archivedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM applications WHERE is_archived AND archived_at < $1`, archivedBefore)
	if err != nil {
		return 0, fmt.Errorf("purgeArchived: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ─── Transaction ─────────────────────────────────────────────────────────────

type ledgerTx struct {
	tx pgx.Tx
}

// LockApplication takes a row lock held until commit; concurrent transitions
// on the same application queue behind it.
func (t *ledgerTx) LockApplication(ctx context.Context, applicationID string) (*domain.Application, error) {
	a, err := scanApplication(t.tx.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE id = $1 FOR UPDATE`, applicationID))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("lock application: %w", err)
	}
	return a, err
}

func (t *ledgerTx) InsertApplication(ctx context.Context, app *domain.Application) error {
	return insertApplication(ctx, t.tx, app)
}

func (t *ledgerTx) OpenEntries(ctx context.Context, applicationID string) ([]domain.StageHistoryEntry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+entryColumns+` FROM application_stage_history h
		 WHERE h.application_id = $1 AND h.exited_at IS NULL ORDER BY h.entered_at`,
		applicationID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (t *ledgerTx) CloseEntry(ctx context.Context, entryID string, exitedAt time.Time, seconds int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE application_stage_history SET exited_at = $2, time_in_stage_seconds = $3
		 WHERE id = $1 AND exited_at IS NULL`,
		entryID, exitedAt, seconds)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("entry %s is not open", entryID)
	}
	return nil
}

func (t *ledgerTx) InsertEntry(ctx context.Context, e *domain.StageHistoryEntry) error {
	var prev *string
	if e.PreviousStage != nil {
		p := string(*e.PreviousStage)
		prev = &p
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO application_stage_history
		   (id, application_id, stage, previous_stage, entered_at, changed_by_id, changed_by_name)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.ApplicationID, string(e.Stage), prev, e.EnteredAt, e.ChangedByID, e.ChangedByName)
	return err
}

func (t *ledgerTx) SetApplicationStage(ctx context.Context, applicationID string, stage domain.Stage, enteredAt time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE applications SET status = $2, current_stage_entered_at = $3, updated_at = $3 WHERE id = $1`,
		applicationID, string(stage), enteredAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
