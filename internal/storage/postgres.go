// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface, intended for production use.
// Each unit runs in one transaction and locks the manuscript row with
// SELECT ... FOR UPDATE, so no two units on the same manuscript interleave.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

type postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS manuscripts (
		    id TEXT PRIMARY KEY,
		    journal_id TEXT NOT NULL,
		    title TEXT NOT NULL,
		    abstract TEXT NOT NULL DEFAULT '',
		    status TEXT NOT NULL,
		    round INTEGER NOT NULL DEFAULT 1 CHECK (round >= 1),
		    version_count INTEGER NOT NULL DEFAULT 0,
		    submitted_by TEXT NOT NULL,
		    submitted_at TIMESTAMPTZ NOT NULL,
		    updated_at TIMESTAMPTZ NOT NULL,
		    accepted_at TIMESTAMPTZ,
		    published_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_manuscripts_journal_status ON manuscripts(journal_id, status);

		CREATE TABLE IF NOT EXISTS authors (
		    id TEXT PRIMARY KEY,
		    manuscript_id TEXT NOT NULL REFERENCES manuscripts(id),
		    position INTEGER NOT NULL,
		    name TEXT NOT NULL,
		    email TEXT NOT NULL,
		    user_id TEXT,
		    corresponding BOOLEAN NOT NULL DEFAULT FALSE,
		    UNIQUE(manuscript_id, position)
		);
		-- exactly one corresponding author per manuscript
		CREATE UNIQUE INDEX IF NOT EXISTS idx_authors_corresponding ON authors(manuscript_id) WHERE corresponding;
		CREATE INDEX IF NOT EXISTS idx_authors_user ON authors(user_id);

		CREATE TABLE IF NOT EXISTS versions (
		    manuscript_id TEXT NOT NULL REFERENCES manuscripts(id),
		    number INTEGER NOT NULL CHECK (number >= 1),
		    file_ref TEXT NOT NULL DEFAULT '',
		    changelog TEXT NOT NULL DEFAULT '',
		    submitted_by TEXT NOT NULL,
		    submitted_at TIMESTAMPTZ NOT NULL,
		    PRIMARY KEY(manuscript_id, number)
		);

		CREATE TABLE IF NOT EXISTS status_history (
		    id TEXT PRIMARY KEY,
		    manuscript_id TEXT NOT NULL REFERENCES manuscripts(id),
		    seq INTEGER NOT NULL,
		    from_status TEXT NOT NULL,
		    to_status TEXT NOT NULL,
		    actor_id TEXT NOT NULL,
		    reason TEXT NOT NULL DEFAULT '',
		    comments TEXT NOT NULL DEFAULT '',
		    created_at TIMESTAMPTZ NOT NULL,
		    UNIQUE(manuscript_id, seq)
		);

		CREATE TABLE IF NOT EXISTS review_assignments (
		    id TEXT PRIMARY KEY,
		    manuscript_id TEXT NOT NULL REFERENCES manuscripts(id),
		    journal_id TEXT NOT NULL,
		    reviewer_id TEXT NOT NULL,
		    reviewer_email TEXT NOT NULL DEFAULT '',
		    round INTEGER NOT NULL,
		    assigned_by TEXT NOT NULL,
		    assigned_at TIMESTAMPTZ NOT NULL,
		    due_date TIMESTAMPTZ,
		    priority TEXT NOT NULL DEFAULT 'NORMAL',
		    notes TEXT NOT NULL DEFAULT '',
		    status TEXT NOT NULL,
		    submitted_at TIMESTAMPTZ,
		    UNIQUE(manuscript_id, reviewer_id, round)
		);
		CREATE INDEX IF NOT EXISTS idx_assignments_reviewer ON review_assignments(reviewer_id, status);
		CREATE INDEX IF NOT EXISTS idx_assignments_journal_status ON review_assignments(journal_id, status);

		CREATE TABLE IF NOT EXISTS reviews (
		    id TEXT PRIMARY KEY,
		    assignment_id TEXT NOT NULL UNIQUE REFERENCES review_assignments(id),
		    manuscript_id TEXT NOT NULL REFERENCES manuscripts(id),
		    reviewer_id TEXT NOT NULL,
		    round INTEGER NOT NULL,
		    rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
		    comments_to_editor TEXT NOT NULL,
		    comments_to_author TEXT NOT NULL DEFAULT '',
		    recommendation TEXT NOT NULL,
		    status TEXT NOT NULL,
		    late BOOLEAN NOT NULL DEFAULT FALSE,
		    completed_at TIMESTAMPTZ NOT NULL
		);
		ALTER TABLE reviews ADD COLUMN IF NOT EXISTS rejection_reason TEXT NOT NULL DEFAULT '';
		ALTER TABLE reviews ADD COLUMN IF NOT EXISTS validated_by TEXT NOT NULL DEFAULT '';
		ALTER TABLE reviews ADD COLUMN IF NOT EXISTS validated_at TIMESTAMPTZ;

		CREATE TABLE IF NOT EXISTS outbox (
		    id TEXT PRIMARY KEY,
		    type TEXT NOT NULL,
		    manuscript_id TEXT NOT NULL,
		    payload JSONB NOT NULL,
		    effects JSONB NOT NULL,
		    created_at TIMESTAMPTZ NOT NULL,
		    attempts INTEGER NOT NULL DEFAULT 0,
		    last_error TEXT NOT NULL DEFAULT '',
		    delivered_at TIMESTAMPTZ,
		    parked_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(id) WHERE delivered_at IS NULL AND parked_at IS NULL;
	`
	_, err := db.Exec(ctx, schema)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// inTx runs fn in one transaction, rolling back on any error.
func (p *postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const manuscriptColumns = `id, journal_id, title, abstract, status, round, version_count, submitted_by, submitted_at, updated_at, accepted_at, published_at`

func scanManuscript(row pgx.Row) (*model.Manuscript, error) {
	var m model.Manuscript
	var status string
	err := row.Scan(&m.ID, &m.JournalID, &m.Title, &m.Abstract, &status, &m.Round, &m.VersionCount,
		&m.SubmittedBy, &m.SubmittedAt, &m.UpdatedAt, &m.AcceptedAt, &m.PublishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Status = model.ManuscriptStatus(status)
	return &m, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadAuthors(ctx context.Context, q querier, m *model.Manuscript) error {
	rows, err := q.Query(ctx, `SELECT id, position, name, email, COALESCE(user_id, ''), corresponding
		FROM authors WHERE manuscript_id = $1 ORDER BY position`, m.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	m.Authors = nil
	for rows.Next() {
		a := model.Author{ManuscriptID: m.ID}
		if err := rows.Scan(&a.ID, &a.Position, &a.Name, &a.Email, &a.UserID, &a.Corresponding); err != nil {
			return err
		}
		m.Authors = append(m.Authors, a)
	}
	return rows.Err()
}

// lockManuscript reads the manuscript row under FOR UPDATE.
func lockManuscript(ctx context.Context, tx pgx.Tx, id string) (*model.Manuscript, error) {
	m, err := scanManuscript(tx.QueryRow(ctx, `SELECT `+manuscriptColumns+` FROM manuscripts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := loadAuthors(ctx, tx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (p *postgres) CreateManuscript(ctx context.Context, m model.Manuscript, first model.Version, events []model.OutboxEvent) error {
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO manuscripts (`+manuscriptColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			m.ID, m.JournalID, m.Title, m.Abstract, string(m.Status), m.Round, m.VersionCount,
			m.SubmittedBy, m.SubmittedAt, m.UpdatedAt, m.AcceptedAt, m.PublishedAt)
		if err != nil {
			return err
		}
		for _, a := range m.Authors {
			if _, err := tx.Exec(ctx, `INSERT INTO authors (id, manuscript_id, position, name, email, user_id, corresponding)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				a.ID, m.ID, a.Position, a.Name, a.Email, nullable(a.UserID), a.Corresponding); err != nil {
				return err
			}
		}
		if err := insertVersion(ctx, tx, first); err != nil {
			return err
		}
		return insertEvents(ctx, tx, events)
	})
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func insertVersion(ctx context.Context, tx pgx.Tx, v model.Version) error {
	_, err := tx.Exec(ctx, `INSERT INTO versions (manuscript_id, number, file_ref, changelog, submitted_by, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ManuscriptID, v.Number, v.FileRef, v.Changelog, v.SubmittedBy, v.SubmittedAt)
	return err
}

func insertEvents(ctx context.Context, tx pgx.Tx, events []model.OutboxEvent) error {
	for _, e := range events {
		effects, err := json.Marshal(e.Effects)
		if err != nil {
			return fmt.Errorf("encode effects: %w", err)
		}
		payload := e.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		if _, err := tx.Exec(ctx, `INSERT INTO outbox (id, type, manuscript_id, payload, effects, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.Type, e.ManuscriptID, []byte(payload), effects, e.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (p *postgres) GetManuscript(ctx context.Context, id string) (*model.Manuscript, error) {
	m, err := scanManuscript(p.db.QueryRow(ctx, `SELECT `+manuscriptColumns+` FROM manuscripts WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := loadAuthors(ctx, p.db, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (p *postgres) ListManuscripts(ctx context.Context, filter model.ManuscriptFilter) ([]model.Manuscript, error) {
	rows, err := p.db.Query(ctx, `SELECT `+manuscriptColumns+` FROM manuscripts
		WHERE ($1 = '' OR journal_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY submitted_at, id`, filter.JournalID, string(filter.Status))
	if err != nil {
		return nil, err
	}
	var out []model.Manuscript
	for rows.Next() {
		m, err := scanManuscript(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := loadAuthors(ctx, p.db, &out[i]); err != nil {
			return nil, err
		}
	}
	if out == nil {
		out = []model.Manuscript{}
	}
	return out, nil
}

func (p *postgres) AppendVersion(ctx context.Context, params AppendVersionParams) (*model.Manuscript, error) {
	var out *model.Manuscript
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		m, err := lockManuscript(ctx, tx, params.Version.ManuscriptID)
		if err != nil {
			return err
		}
		if m.VersionCount != params.ExpectedCount || params.Version.Number != params.ExpectedCount+1 {
			return ErrConflict
		}
		if m.Status != params.ExpectedStatus {
			return ErrStaleState
		}
		if params.Claim != nil {
			i, err := claimSeat(m.Authors, *params.Claim)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE authors SET user_id = $3 WHERE manuscript_id = $1 AND id = $2`,
				m.ID, params.Claim.AuthorID, params.Claim.UserID); err != nil {
				return err
			}
			m.Authors[i].UserID = params.Claim.UserID
		}
		if err := insertVersion(ctx, tx, params.Version); err != nil {
			return err
		}
		m.VersionCount = params.Version.Number
		m.UpdatedAt = params.Version.SubmittedAt
		if params.Transition != nil {
			if params.Transition.From != m.Status {
				return ErrStaleState
			}
			if err := applyTx(ctx, tx, m, *params.Transition); err != nil {
				return err
			}
		} else if _, err := tx.Exec(ctx, `UPDATE manuscripts SET version_count = $2, updated_at = $3 WHERE id = $1`,
			m.ID, m.VersionCount, m.UpdatedAt); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, params.Events); err != nil {
			return err
		}
		out = m
		return nil
	})
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	return out, err
}

// applyTx writes the status change, the full manuscript row and the history
// entry inside tx. m must have been read under FOR UPDATE.
func applyTx(ctx context.Context, tx pgx.Tx, m *model.Manuscript, c StatusChange) error {
	at := changeTime(c)
	applyChange(m, c, at)
	if _, err := tx.Exec(ctx, `UPDATE manuscripts SET status = $2, round = $3, version_count = $4,
		updated_at = $5, accepted_at = $6, published_at = $7 WHERE id = $1`,
		m.ID, string(m.Status), m.Round, m.VersionCount, m.UpdatedAt, m.AcceptedAt, m.PublishedAt); err != nil {
		return err
	}
	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM status_history WHERE manuscript_id = $1`, m.ID).Scan(&seq); err != nil {
		return err
	}
	e := c.Entry
	_, err := tx.Exec(ctx, `INSERT INTO status_history (id, manuscript_id, seq, from_status, to_status, actor_id, reason, comments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, m.ID, seq, string(c.From), string(c.To), e.ActorID, e.Reason, e.Comments, at)
	return err
}

func (p *postgres) ListVersions(ctx context.Context, manuscriptID string, before, limit int) ([]model.Version, error) {
	var exists bool
	if err := p.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM manuscripts WHERE id = $1)`, manuscriptID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := p.db.Query(ctx, `SELECT manuscript_id, number, file_ref, changelog, submitted_by, submitted_at
		FROM versions WHERE manuscript_id = $1 AND ($2 <= 0 OR number < $2)
		ORDER BY number DESC LIMIT $3`, manuscriptID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Version{}
	for rows.Next() {
		var v model.Version
		if err := rows.Scan(&v.ManuscriptID, &v.Number, &v.FileRef, &v.Changelog, &v.SubmittedBy, &v.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *postgres) ApplyTransition(ctx context.Context, params TransitionParams) (*model.Manuscript, error) {
	var out *model.Manuscript
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		m, err := lockManuscript(ctx, tx, params.ManuscriptID)
		if err != nil {
			return err
		}
		if m.Status != params.Change.From {
			return ErrStaleState
		}
		if err := applyTx(ctx, tx, m, params.Change); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, params.Events); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func (p *postgres) ListHistory(ctx context.Context, manuscriptID string) ([]model.StatusHistoryEntry, error) {
	var exists bool
	if err := p.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM manuscripts WHERE id = $1)`, manuscriptID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	rows, err := p.db.Query(ctx, `SELECT id, manuscript_id, seq, from_status, to_status, actor_id, reason, comments, created_at
		FROM status_history WHERE manuscript_id = $1 ORDER BY seq`, manuscriptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.StatusHistoryEntry{}
	for rows.Next() {
		var e model.StatusHistoryEntry
		var from, to string
		if err := rows.Scan(&e.ID, &e.ManuscriptID, &e.Seq, &from, &to, &e.ActorID, &e.Reason, &e.Comments, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.From, e.To = model.ManuscriptStatus(from), model.ManuscriptStatus(to)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *postgres) CreateAssignment(ctx context.Context, params CreateAssignmentParams) (*model.Manuscript, error) {
	a := params.Assignment
	var out *model.Manuscript
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		m, err := lockManuscript(ctx, tx, a.ManuscriptID)
		if err != nil {
			return err
		}
		if m.Status != params.ExpectedStatus || m.Round != a.Round {
			return ErrStaleState
		}
		if _, err := tx.Exec(ctx, `INSERT INTO review_assignments
			(id, manuscript_id, journal_id, reviewer_id, reviewer_email, round, assigned_by, assigned_at, due_date, priority, notes, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			a.ID, a.ManuscriptID, a.JournalID, a.ReviewerID, a.ReviewerEmail, a.Round, a.AssignedBy, a.AssignedAt,
			a.DueDate, string(a.Priority), a.Notes, string(a.Status)); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		if params.Transition != nil {
			if params.Transition.From != m.Status {
				return ErrStaleState
			}
			if err := applyTx(ctx, tx, m, *params.Transition); err != nil {
				return err
			}
		}
		if err := insertEvents(ctx, tx, params.Events); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

const assignmentColumns = `id, manuscript_id, journal_id, reviewer_id, reviewer_email, round, assigned_by, assigned_at, due_date, priority, notes, status, submitted_at`

func scanAssignment(row pgx.Row) (*model.ReviewAssignment, error) {
	var a model.ReviewAssignment
	var priority, status string
	err := row.Scan(&a.ID, &a.ManuscriptID, &a.JournalID, &a.ReviewerID, &a.ReviewerEmail, &a.Round, &a.AssignedBy,
		&a.AssignedAt, &a.DueDate, &priority, &a.Notes, &status, &a.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Priority = model.Priority(priority)
	a.Status = model.AssignmentStatus(status)
	return &a, nil
}

func collectAssignments(rows pgx.Rows) ([]model.ReviewAssignment, error) {
	defer rows.Close()
	out := []model.ReviewAssignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (p *postgres) GetAssignment(ctx context.Context, id string) (*model.ReviewAssignment, error) {
	return scanAssignment(p.db.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM review_assignments WHERE id = $1`, id))
}

func (p *postgres) ListAssignments(ctx context.Context, filter model.AssignmentFilter) ([]model.ReviewAssignment, error) {
	rows, err := p.db.Query(ctx, `SELECT `+assignmentColumns+` FROM review_assignments
		WHERE ($1 = '' OR manuscript_id = $1) AND ($2 = '' OR reviewer_id = $2)
		  AND ($3 = '' OR status = $3) AND ($4 <= 0 OR round = $4)
		ORDER BY assigned_at, id`,
		filter.ManuscriptID, filter.ReviewerID, string(filter.Status), filter.Round)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

func (p *postgres) ListPendingReviews(ctx context.Context, journalID string) ([]model.ReviewAssignment, error) {
	rows, err := p.db.Query(ctx, `SELECT a.id, a.manuscript_id, a.journal_id, a.reviewer_id, a.reviewer_email, a.round,
			a.assigned_by, a.assigned_at, a.due_date, a.priority, a.notes, a.status, a.submitted_at
		FROM review_assignments a JOIN manuscripts m ON m.id = a.manuscript_id
		WHERE a.status = $1 AND m.status = $2 AND a.round = m.round AND ($3 = '' OR a.journal_id = $3)
		ORDER BY a.submitted_at, a.id`,
		string(model.AssignmentSubmitted), string(model.StatusUnderReview), journalID)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

func (p *postgres) SubmitReview(ctx context.Context, params SubmitReviewParams) error {
	r := params.Review
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE review_assignments SET status = $2, submitted_at = $3
			WHERE id = $1 AND status = $4`,
			r.AssignmentID, string(model.AssignmentSubmitted), r.CompletedAt, string(model.AssignmentPending))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			if _, err := scanAssignment(tx.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM review_assignments WHERE id = $1`, r.AssignmentID)); err != nil {
				return err
			}
			return ErrAlreadySubmitted
		}
		if _, err := tx.Exec(ctx, `INSERT INTO reviews
			(id, assignment_id, manuscript_id, reviewer_id, round, rating, comments_to_editor, comments_to_author, recommendation, status, late, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			r.ID, r.AssignmentID, r.ManuscriptID, r.ReviewerID, r.Round, r.Rating, r.CommentsToEditor, r.CommentsToAuthor,
			string(r.Recommendation), string(r.Status), r.Late, r.CompletedAt); err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadySubmitted
			}
			return err
		}
		return insertEvents(ctx, tx, params.Events)
	})
	return err
}

const reviewColumns = `id, assignment_id, manuscript_id, reviewer_id, round, rating, comments_to_editor, comments_to_author,
	recommendation, status, late, completed_at, rejection_reason, validated_by, validated_at`

func scanReview(row pgx.Row) (*model.Review, error) {
	var r model.Review
	var rec, status string
	err := row.Scan(&r.ID, &r.AssignmentID, &r.ManuscriptID, &r.ReviewerID, &r.Round, &r.Rating,
		&r.CommentsToEditor, &r.CommentsToAuthor, &rec, &status, &r.Late, &r.CompletedAt,
		&r.RejectionReason, &r.ValidatedBy, &r.ValidatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Recommendation = model.Recommendation(rec)
	r.Status = model.ReviewStatus(status)
	return &r, nil
}

func (p *postgres) ValidateReview(ctx context.Context, params ValidateReviewParams) (*model.Review, error) {
	var out *model.Review
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		r, err := scanReview(tx.QueryRow(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE assignment_id = $1 FOR UPDATE`,
			params.AssignmentID))
		if err != nil {
			return err
		}
		if r.Status == model.ReviewValidated {
			return ErrAlreadyValidated
		}
		applyValidation(r, params)
		if _, err := tx.Exec(ctx, `UPDATE reviews SET status = $2, rejection_reason = $3, validated_by = $4, validated_at = $5
			WHERE id = $1`, r.ID, string(r.Status), r.RejectionReason, r.ValidatedBy, r.ValidatedAt); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, params.Events); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (p *postgres) GetReview(ctx context.Context, assignmentID string) (*model.Review, error) {
	return scanReview(p.db.QueryRow(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE assignment_id = $1`, assignmentID))
}

func (p *postgres) ListReviews(ctx context.Context, filter ReviewFilter) ([]model.Review, error) {
	rows, err := p.db.Query(ctx, `SELECT `+reviewColumns+` FROM reviews
		WHERE ($1 = '' OR manuscript_id = $1) AND ($2 = '' OR reviewer_id = $2)
		ORDER BY completed_at, id`, filter.ManuscriptID, filter.ReviewerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Review{}
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *postgres) ListOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(ctx, `SELECT id, type, manuscript_id, payload, effects, created_at, attempts, last_error
		FROM outbox WHERE delivered_at IS NULL AND parked_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.OutboxEvent{}
	for rows.Next() {
		var e model.OutboxEvent
		var payload, effects []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.ManuscriptID, &payload, &effects, &e.CreatedAt, &e.Attempts, &e.LastError); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		if err := json.Unmarshal(effects, &e.Effects); err != nil {
			return nil, fmt.Errorf("decode effects for %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *postgres) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	tag, err := p.db.Exec(ctx, `UPDATE outbox SET delivered_at = $2, last_error = '' WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) RecordAttempt(ctx context.Context, id, lastError string, park bool, at time.Time) error {
	var parkedAt *time.Time
	if park {
		parkedAt = &at
	}
	tag, err := p.db.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_error = $2,
		parked_at = COALESCE($3, parked_at) WHERE id = $1`, id, lastError, parkedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *postgres) Close() error {
	p.db.Close()
	return nil
}
