// internal/storage/gorm.go
// gorm implementation of the Store interface for SQLite and MySQL.
// Units run in one gorm transaction and guard the manuscript row with
// compare-and-swap updates (WHERE status = ? AND version_count = ?) instead of
// row locks, which SQLite does not offer.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/glebarez/sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// mysqlDuplicateEntry is the MySQL error number for ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

type manuscriptRow struct {
	ID           string `gorm:"primaryKey;size:64"`
	JournalID    string `gorm:"size:64;index:idx_manuscripts_journal_status"`
	Title        string
	Abstract     string
	Status       string `gorm:"size:32;index:idx_manuscripts_journal_status"`
	Round        int
	VersionCount int
	SubmittedBy  string `gorm:"size:64"`
	SubmittedAt  time.Time
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false"`
	AcceptedAt   *time.Time
	PublishedAt  *time.Time
}

func (manuscriptRow) TableName() string { return "manuscripts" }

type authorRow struct {
	ID            string `gorm:"primaryKey;size:64"`
	ManuscriptID  string `gorm:"size:64;uniqueIndex:idx_authors_position"`
	Position      int    `gorm:"uniqueIndex:idx_authors_position"`
	Name          string
	Email         string
	UserID        *string `gorm:"size:64;index"`
	Corresponding bool
}

func (authorRow) TableName() string { return "authors" }

type versionRow struct {
	ManuscriptID string `gorm:"primaryKey;size:64"`
	Number       int    `gorm:"primaryKey;autoIncrement:false"`
	FileRef      string
	Changelog    string
	SubmittedBy  string `gorm:"size:64"`
	SubmittedAt  time.Time
}

func (versionRow) TableName() string { return "versions" }

type historyRow struct {
	ID           string `gorm:"primaryKey;size:64"`
	ManuscriptID string `gorm:"size:64;uniqueIndex:idx_history_seq"`
	Seq          int    `gorm:"uniqueIndex:idx_history_seq"`
	FromStatus   string `gorm:"size:32"`
	ToStatus     string `gorm:"size:32"`
	ActorID      string `gorm:"size:64"`
	Reason       string
	Comments     string
	CreatedAt    time.Time `gorm:"autoCreateTime:false"`
}

func (historyRow) TableName() string { return "status_history" }

type assignmentRow struct {
	ID            string `gorm:"primaryKey;size:64"`
	ManuscriptID  string `gorm:"size:64;uniqueIndex:idx_assignment_round"`
	JournalID     string `gorm:"size:64;index"`
	ReviewerID    string `gorm:"size:64;uniqueIndex:idx_assignment_round"`
	ReviewerEmail string
	Round         int `gorm:"uniqueIndex:idx_assignment_round"`
	AssignedBy    string
	AssignedAt    time.Time
	DueDate       *time.Time
	Priority      string `gorm:"size:16"`
	Notes         string
	Status        string `gorm:"size:16;index"`
	SubmittedAt   *time.Time
}

func (assignmentRow) TableName() string { return "review_assignments" }

type reviewRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	AssignmentID     string `gorm:"size:64;uniqueIndex"`
	ManuscriptID     string `gorm:"size:64;index"`
	ReviewerID       string `gorm:"size:64;index"`
	Round            int
	Rating           int
	CommentsToEditor string
	CommentsToAuthor string
	Recommendation   string `gorm:"size:32"`
	Status           string `gorm:"size:16"`
	Late             bool
	CompletedAt      time.Time
	RejectionReason  string
	ValidatedBy      string `gorm:"size:64"`
	ValidatedAt      *time.Time
}

func (reviewRow) TableName() string { return "reviews" }

type outboxRow struct {
	ID           string `gorm:"primaryKey;size:32"`
	Type         string `gorm:"size:64"`
	ManuscriptID string `gorm:"size:64;index"`
	Payload      []byte
	Effects      []byte
	CreatedAt    time.Time `gorm:"autoCreateTime:false"`
	Attempts     int
	LastError    string
	DeliveredAt  *time.Time
	ParkedAt     *time.Time
}

func (outboxRow) TableName() string { return "outbox" }

var gormModels = []any{
	&manuscriptRow{},
	&authorRow{},
	&versionRow{},
	&historyRow{},
	&assignmentRow{},
	&reviewRow{},
	&outboxRow{},
}

type gormStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewSQLite opens a gorm store on SQLite. An empty path gives a private
// in-memory database, useful for testing.
func NewSQLite(path string, logger *slog.Logger) (Store, error) {
	dsn := path
	if dsn == "" {
		dsn = fmt.Sprintf("file:editorial-%s?mode=memory&cache=shared", uuid.NewString())
	} else if !strings.HasPrefix(dsn, "file:") {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dsn)
	}
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection turns lock contention into queueing
	sqlDB.SetMaxOpenConns(1)
	return newGormStore(db, logger)
}

// NewMySQL opens a gorm store on MySQL.
func NewMySQL(dsn string, logger *slog.Logger) (Store, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	return newGormStore(db, logger)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		TranslateError:         true,
	}
}

func newGormStore(db *gorm.DB, logger *slog.Logger) (*gormStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}
	for _, m := range gormModels {
		logger.Debug(fmt.Sprintf("creating table: %T", m))
		if err := db.AutoMigrate(m); err != nil {
			return nil, err
		}
	}
	return &gormStore{db: db, logger: logger}, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toManuscript(r manuscriptRow, authors []authorRow) *model.Manuscript {
	m := &model.Manuscript{
		ID:           r.ID,
		JournalID:    r.JournalID,
		Title:        r.Title,
		Abstract:     r.Abstract,
		Status:       model.ManuscriptStatus(r.Status),
		Round:        r.Round,
		VersionCount: r.VersionCount,
		SubmittedBy:  r.SubmittedBy,
		SubmittedAt:  r.SubmittedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
		AcceptedAt:   r.AcceptedAt,
		PublishedAt:  r.PublishedAt,
	}
	for _, a := range authors {
		au := model.Author{
			ID:            a.ID,
			ManuscriptID:  a.ManuscriptID,
			Position:      a.Position,
			Name:          a.Name,
			Email:         a.Email,
			Corresponding: a.Corresponding,
		}
		if a.UserID != nil {
			au.UserID = *a.UserID
		}
		m.Authors = append(m.Authors, au)
	}
	return m
}

func (s *gormStore) loadManuscript(tx *gorm.DB, id string) (*model.Manuscript, error) {
	var row manuscriptRow
	if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var authors []authorRow
	if err := tx.Where("manuscript_id = ?", id).Order("position").Find(&authors).Error; err != nil {
		return nil, err
	}
	return toManuscript(row, authors), nil
}

func insertOutbox(tx *gorm.DB, events []model.OutboxEvent) error {
	for _, e := range events {
		effects, err := json.Marshal(e.Effects)
		if err != nil {
			return fmt.Errorf("encode effects: %w", err)
		}
		payload := []byte(e.Payload)
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		row := outboxRow{
			ID:           e.ID,
			Type:         e.Type,
			ManuscriptID: e.ManuscriptID,
			Payload:      payload,
			Effects:      effects,
			CreatedAt:    e.CreatedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *gormStore) CreateManuscript(ctx context.Context, m model.Manuscript, first model.Version, events []model.OutboxEvent) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := manuscriptRow{
			ID:           m.ID,
			JournalID:    m.JournalID,
			Title:        m.Title,
			Abstract:     m.Abstract,
			Status:       string(m.Status),
			Round:        m.Round,
			VersionCount: m.VersionCount,
			SubmittedBy:  m.SubmittedBy,
			SubmittedAt:  m.SubmittedAt,
			UpdatedAt:    m.UpdatedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for _, a := range m.Authors {
			ar := authorRow{
				ID:            a.ID,
				ManuscriptID:  m.ID,
				Position:      a.Position,
				Name:          a.Name,
				Email:         a.Email,
				Corresponding: a.Corresponding,
			}
			if a.UserID != "" {
				uid := a.UserID
				ar.UserID = &uid
			}
			if err := tx.Create(&ar).Error; err != nil {
				return err
			}
		}
		if err := tx.Create(&versionRow{
			ManuscriptID: first.ManuscriptID,
			Number:       first.Number,
			FileRef:      first.FileRef,
			Changelog:    first.Changelog,
			SubmittedBy:  first.SubmittedBy,
			SubmittedAt:  first.SubmittedAt,
		}).Error; err != nil {
			return err
		}
		return insertOutbox(tx, events)
	})
	if isDuplicateKey(err) {
		return ErrConflict
	}
	return err
}

func (s *gormStore) GetManuscript(ctx context.Context, id string) (*model.Manuscript, error) {
	return s.loadManuscript(s.db.WithContext(ctx), id)
}

func (s *gormStore) ListManuscripts(ctx context.Context, filter model.ManuscriptFilter) ([]model.Manuscript, error) {
	q := s.db.WithContext(ctx).Model(&manuscriptRow{})
	if filter.JournalID != "" {
		q = q.Where("journal_id = ?", filter.JournalID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	var rows []manuscriptRow
	if err := q.Order("submitted_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Manuscript, 0, len(rows))
	for _, r := range rows {
		var authors []authorRow
		if err := s.db.WithContext(ctx).Where("manuscript_id = ?", r.ID).Order("position").Find(&authors).Error; err != nil {
			return nil, err
		}
		out = append(out, *toManuscript(r, authors))
	}
	return out, nil
}

// casManuscript updates the manuscript row only if status and version count
// still hold the values the caller read.
func casManuscript(tx *gorm.DB, before, after *model.Manuscript) error {
	res := tx.Model(&manuscriptRow{}).
		Where("id = ? AND status = ? AND version_count = ? AND round = ?",
			before.ID, string(before.Status), before.VersionCount, before.Round).
		Updates(map[string]any{
			"status":        string(after.Status),
			"round":         after.Round,
			"version_count": after.VersionCount,
			"updated_at":    after.UpdatedAt,
			"accepted_at":   after.AcceptedAt,
			"published_at":  after.PublishedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

// claimRow binds the claimed author row inside tx. The row update is
// conditional so a concurrent claim by another user loses.
func claimRow(tx *gorm.DB, m *model.Manuscript, c AuthorClaim) error {
	i, err := claimSeat(m.Authors, c)
	if err != nil {
		return err
	}
	if m.Authors[i].UserID == c.UserID {
		return nil
	}
	res := tx.Model(&authorRow{}).
		Where("manuscript_id = ? AND id = ? AND user_id IS NULL", m.ID, c.AuthorID).
		Update("user_id", c.UserID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAuthorClaimed
	}
	m.Authors[i].UserID = c.UserID
	return nil
}

func insertHistory(tx *gorm.DB, manuscriptID string, c StatusChange, at time.Time) error {
	var count int64
	if err := tx.Model(&historyRow{}).Where("manuscript_id = ?", manuscriptID).Count(&count).Error; err != nil {
		return err
	}
	e := c.Entry
	return tx.Create(&historyRow{
		ID:           e.ID,
		ManuscriptID: manuscriptID,
		Seq:          int(count) + 1,
		FromStatus:   string(c.From),
		ToStatus:     string(c.To),
		ActorID:      e.ActorID,
		Reason:       e.Reason,
		Comments:     e.Comments,
		CreatedAt:    at,
	}).Error
}

func (s *gormStore) AppendVersion(ctx context.Context, p AppendVersionParams) (*model.Manuscript, error) {
	var out *model.Manuscript
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := s.loadManuscript(tx, p.Version.ManuscriptID)
		if err != nil {
			return err
		}
		if before.VersionCount != p.ExpectedCount || p.Version.Number != p.ExpectedCount+1 {
			return ErrConflict
		}
		if before.Status != p.ExpectedStatus {
			return ErrStaleState
		}
		after := cloneManuscript(before)
		after.VersionCount = p.Version.Number
		after.UpdatedAt = p.Version.SubmittedAt
		if p.Transition != nil {
			if p.Transition.From != before.Status {
				return ErrStaleState
			}
			applyChange(after, *p.Transition, changeTime(*p.Transition))
		}
		if err := casManuscript(tx, before, after); err != nil {
			if errors.Is(err, ErrStaleState) {
				// the count moved between our read and the update
				return ErrConflict
			}
			return err
		}
		if p.Claim != nil {
			if err := claimRow(tx, after, *p.Claim); err != nil {
				return err
			}
		}
		if err := tx.Create(&versionRow{
			ManuscriptID: p.Version.ManuscriptID,
			Number:       p.Version.Number,
			FileRef:      p.Version.FileRef,
			Changelog:    p.Version.Changelog,
			SubmittedBy:  p.Version.SubmittedBy,
			SubmittedAt:  p.Version.SubmittedAt,
		}).Error; err != nil {
			return err
		}
		if p.Transition != nil {
			if err := insertHistory(tx, before.ID, *p.Transition, changeTime(*p.Transition)); err != nil {
				return err
			}
		}
		if err := insertOutbox(tx, p.Events); err != nil {
			return err
		}
		out = after
		return nil
	})
	if isDuplicateKey(err) {
		return nil, ErrConflict
	}
	return out, err
}

func (s *gormStore) ListVersions(ctx context.Context, manuscriptID string, before, limit int) ([]model.Version, error) {
	db := s.db.WithContext(ctx)
	if err := db.Where("id = ?", manuscriptID).Take(&manuscriptRow{}).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	q := db.Where("manuscript_id = ?", manuscriptID)
	if before > 0 {
		q = q.Where("number < ?", before)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []versionRow
	if err := q.Order("number DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Version, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Version{
			ManuscriptID: r.ManuscriptID,
			Number:       r.Number,
			FileRef:      r.FileRef,
			Changelog:    r.Changelog,
			SubmittedBy:  r.SubmittedBy,
			SubmittedAt:  r.SubmittedAt.UTC(),
		})
	}
	return out, nil
}

func (s *gormStore) ApplyTransition(ctx context.Context, p TransitionParams) (*model.Manuscript, error) {
	var out *model.Manuscript
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := s.loadManuscript(tx, p.ManuscriptID)
		if err != nil {
			return err
		}
		if before.Status != p.Change.From {
			return ErrStaleState
		}
		at := changeTime(p.Change)
		after := cloneManuscript(before)
		applyChange(after, p.Change, at)
		if err := casManuscript(tx, before, after); err != nil {
			return err
		}
		if err := insertHistory(tx, before.ID, p.Change, at); err != nil {
			return err
		}
		if err := insertOutbox(tx, p.Events); err != nil {
			return err
		}
		out = after
		return nil
	})
	return out, err
}

func (s *gormStore) ListHistory(ctx context.Context, manuscriptID string) ([]model.StatusHistoryEntry, error) {
	db := s.db.WithContext(ctx)
	if err := db.Where("id = ?", manuscriptID).Take(&manuscriptRow{}).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rows []historyRow
	if err := db.Where("manuscript_id = ?", manuscriptID).Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.StatusHistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.StatusHistoryEntry{
			ID:           r.ID,
			ManuscriptID: r.ManuscriptID,
			Seq:          r.Seq,
			From:         model.ManuscriptStatus(r.FromStatus),
			To:           model.ManuscriptStatus(r.ToStatus),
			ActorID:      r.ActorID,
			Reason:       r.Reason,
			Comments:     r.Comments,
			CreatedAt:    r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func fromAssignment(a model.ReviewAssignment) assignmentRow {
	return assignmentRow{
		ID:            a.ID,
		ManuscriptID:  a.ManuscriptID,
		JournalID:     a.JournalID,
		ReviewerID:    a.ReviewerID,
		ReviewerEmail: a.ReviewerEmail,
		Round:         a.Round,
		AssignedBy:    a.AssignedBy,
		AssignedAt:    a.AssignedAt,
		DueDate:       a.DueDate,
		Priority:      string(a.Priority),
		Notes:         a.Notes,
		Status:        string(a.Status),
		SubmittedAt:   a.SubmittedAt,
	}
}

func toAssignment(r assignmentRow) model.ReviewAssignment {
	return model.ReviewAssignment{
		ID:            r.ID,
		ManuscriptID:  r.ManuscriptID,
		JournalID:     r.JournalID,
		ReviewerID:    r.ReviewerID,
		ReviewerEmail: r.ReviewerEmail,
		Round:         r.Round,
		AssignedBy:    r.AssignedBy,
		AssignedAt:    r.AssignedAt.UTC(),
		DueDate:       r.DueDate,
		Priority:      model.Priority(r.Priority),
		Notes:         r.Notes,
		Status:        model.AssignmentStatus(r.Status),
		SubmittedAt:   r.SubmittedAt,
	}
}

func (s *gormStore) CreateAssignment(ctx context.Context, p CreateAssignmentParams) (*model.Manuscript, error) {
	var out *model.Manuscript
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := s.loadManuscript(tx, p.Assignment.ManuscriptID)
		if err != nil {
			return err
		}
		if before.Status != p.ExpectedStatus || before.Round != p.Assignment.Round {
			return ErrStaleState
		}
		after := cloneManuscript(before)
		at := p.Assignment.AssignedAt
		if p.Transition != nil {
			if p.Transition.From != before.Status {
				return ErrStaleState
			}
			at = changeTime(*p.Transition)
			applyChange(after, *p.Transition, at)
		} else {
			after.UpdatedAt = at
		}
		// MySQL reports changed rows, not matched ones; updated_at must move
		if err := casManuscript(tx, before, after); err != nil {
			return err
		}
		row := fromAssignment(p.Assignment)
		if err := tx.Create(&row).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrDuplicate
			}
			return err
		}
		if p.Transition != nil {
			if err := insertHistory(tx, before.ID, *p.Transition, at); err != nil {
				return err
			}
		}
		if err := insertOutbox(tx, p.Events); err != nil {
			return err
		}
		out = after
		return nil
	})
	return out, err
}

func (s *gormStore) GetAssignment(ctx context.Context, id string) (*model.ReviewAssignment, error) {
	var row assignmentRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a := toAssignment(row)
	return &a, nil
}

func (s *gormStore) ListAssignments(ctx context.Context, filter model.AssignmentFilter) ([]model.ReviewAssignment, error) {
	q := s.db.WithContext(ctx).Model(&assignmentRow{})
	if filter.ManuscriptID != "" {
		q = q.Where("manuscript_id = ?", filter.ManuscriptID)
	}
	if filter.ReviewerID != "" {
		q = q.Where("reviewer_id = ?", filter.ReviewerID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Round > 0 {
		q = q.Where("round = ?", filter.Round)
	}
	var rows []assignmentRow
	if err := q.Order("assigned_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.ReviewAssignment, 0, len(rows))
	for _, r := range rows {
		out = append(out, toAssignment(r))
	}
	return out, nil
}

func (s *gormStore) ListPendingReviews(ctx context.Context, journalID string) ([]model.ReviewAssignment, error) {
	q := s.db.WithContext(ctx).
		Table("review_assignments AS a").
		Select("a.*").
		Joins("JOIN manuscripts m ON m.id = a.manuscript_id").
		Where("a.status = ? AND m.status = ? AND a.round = m.round",
			string(model.AssignmentSubmitted), string(model.StatusUnderReview))
	if journalID != "" {
		q = q.Where("a.journal_id = ?", journalID)
	}
	var rows []assignmentRow
	if err := q.Order("a.submitted_at, a.id").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.ReviewAssignment, 0, len(rows))
	for _, r := range rows {
		out = append(out, toAssignment(r))
	}
	return out, nil
}

func (s *gormStore) SubmitReview(ctx context.Context, p SubmitReviewParams) error {
	r := p.Review
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		at := r.CompletedAt
		res := tx.Model(&assignmentRow{}).
			Where("id = ? AND status = ?", r.AssignmentID, string(model.AssignmentPending)).
			Updates(map[string]any{"status": string(model.AssignmentSubmitted), "submitted_at": &at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.Where("id = ?", r.AssignmentID).Take(&assignmentRow{}).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			return ErrAlreadySubmitted
		}
		if err := tx.Create(&reviewRow{
			ID:               r.ID,
			AssignmentID:     r.AssignmentID,
			ManuscriptID:     r.ManuscriptID,
			ReviewerID:       r.ReviewerID,
			Round:            r.Round,
			Rating:           r.Rating,
			CommentsToEditor: r.CommentsToEditor,
			CommentsToAuthor: r.CommentsToAuthor,
			Recommendation:   string(r.Recommendation),
			Status:           string(r.Status),
			Late:             r.Late,
			CompletedAt:      r.CompletedAt,
		}).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrAlreadySubmitted
			}
			return err
		}
		return insertOutbox(tx, p.Events)
	})
}

func toReview(r reviewRow) model.Review {
	return model.Review{
		ID:               r.ID,
		AssignmentID:     r.AssignmentID,
		ManuscriptID:     r.ManuscriptID,
		ReviewerID:       r.ReviewerID,
		Round:            r.Round,
		Rating:           r.Rating,
		CommentsToEditor: r.CommentsToEditor,
		CommentsToAuthor: r.CommentsToAuthor,
		Recommendation:   model.Recommendation(r.Recommendation),
		Status:           model.ReviewStatus(r.Status),
		Late:             r.Late,
		CompletedAt:      r.CompletedAt.UTC(),
		RejectionReason:  r.RejectionReason,
		ValidatedBy:      r.ValidatedBy,
		ValidatedAt:      r.ValidatedAt,
	}
}

func (s *gormStore) ValidateReview(ctx context.Context, p ValidateReviewParams) (*model.Review, error) {
	var out *model.Review
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row reviewRow
		if err := tx.Where("assignment_id = ?", p.AssignmentID).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		r := toReview(row)
		if r.Status == model.ReviewValidated {
			return ErrAlreadyValidated
		}
		applyValidation(&r, p)
		res := tx.Model(&reviewRow{}).
			Where("id = ? AND status = ?", row.ID, row.Status).
			Updates(map[string]any{
				"status":           string(r.Status),
				"rejection_reason": r.RejectionReason,
				"validated_by":     r.ValidatedBy,
				"validated_at":     r.ValidatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// a concurrent verdict won; only a final one can have moved it
			return ErrAlreadyValidated
		}
		if err := insertOutbox(tx, p.Events); err != nil {
			return err
		}
		out = &r
		return nil
	})
	return out, err
}

func (s *gormStore) GetReview(ctx context.Context, assignmentID string) (*model.Review, error) {
	var row reviewRow
	if err := s.db.WithContext(ctx).Where("assignment_id = ?", assignmentID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r := toReview(row)
	return &r, nil
}

func (s *gormStore) ListReviews(ctx context.Context, filter ReviewFilter) ([]model.Review, error) {
	q := s.db.WithContext(ctx).Model(&reviewRow{})
	if filter.ManuscriptID != "" {
		q = q.Where("manuscript_id = ?", filter.ManuscriptID)
	}
	if filter.ReviewerID != "" {
		q = q.Where("reviewer_id = ?", filter.ReviewerID)
	}
	var rows []reviewRow
	if err := q.Order("completed_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Review, 0, len(rows))
	for _, r := range rows {
		out = append(out, toReview(r))
	}
	return out, nil
}

func (s *gormStore) ListOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []outboxRow
	if err := s.db.WithContext(ctx).
		Where("delivered_at IS NULL AND parked_at IS NULL").
		Order("id").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.OutboxEvent, 0, len(rows))
	for _, r := range rows {
		e := model.OutboxEvent{
			ID:           r.ID,
			Type:         r.Type,
			ManuscriptID: r.ManuscriptID,
			Payload:      json.RawMessage(r.Payload),
			CreatedAt:    r.CreatedAt.UTC(),
			Attempts:     r.Attempts,
			LastError:    r.LastError,
		}
		if err := json.Unmarshal(r.Effects, &e.Effects); err != nil {
			return nil, fmt.Errorf("decode effects for %s: %w", r.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *gormStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&outboxRow{}).Where("id = ?", id).
		Updates(map[string]any{"delivered_at": &at, "last_error": ""})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) RecordAttempt(ctx context.Context, id, lastError string, park bool, at time.Time) error {
	updates := map[string]any{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": lastError,
	}
	if park {
		updates["parked_at"] = &at
	}
	res := s.db.WithContext(ctx).Model(&outboxRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
