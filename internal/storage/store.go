// Package storage persists manuscripts and their adjunct ledgers.
// Every mutating method is one atomic unit: the state change, its history
// entry, its adjunct record and its outbox events commit together or not at all.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")          // Version count moved underneath the caller
	ErrStaleState       = errors.New("stale state")       // Manuscript status moved underneath the caller
	ErrDuplicate        = errors.New("duplicate")         // Reviewer already assigned for the round
	ErrAlreadySubmitted = errors.New("already submitted") // Assignment no longer PENDING
	ErrAuthorClaimed    = errors.New("author claimed")    // Author seat bound to another account
	ErrAlreadyValidated = errors.New("already validated") // Review already VALIDATED
)

// StatusChange describes one status mutation. The store fills in the
// history entry's manuscript id and sequence number.
type StatusChange struct {
	From           model.ManuscriptStatus
	To             model.ManuscriptStatus
	Entry          model.StatusHistoryEntry
	IncrementRound bool
	AcceptedAt     *time.Time
	PublishedAt    *time.Time
}

// AuthorClaim binds an unclaimed author seat to an account.
type AuthorClaim struct {
	AuthorID string
	UserID   string
}

// AppendVersionParams carries one version append. ExpectedCount and
// ExpectedStatus are compared against the persisted manuscript. A non-nil
// Claim commits with the version or not at all.
type AppendVersionParams struct {
	Version        model.Version
	ExpectedCount  int
	ExpectedStatus model.ManuscriptStatus
	Transition     *StatusChange
	Claim          *AuthorClaim
	Events         []model.OutboxEvent
}

// TransitionParams carries one editorial decision.
type TransitionParams struct {
	ManuscriptID string
	Change       StatusChange
	Events       []model.OutboxEvent
}

// CreateAssignmentParams carries one reviewer assignment. The assignment's
// round must equal the manuscript's current round.
type CreateAssignmentParams struct {
	Assignment     model.ReviewAssignment
	ExpectedStatus model.ManuscriptStatus
	Transition     *StatusChange
	Events         []model.OutboxEvent
}

// SubmitReviewParams carries one finalized review.
type SubmitReviewParams struct {
	Review model.Review
	Events []model.OutboxEvent
}

// ValidateReviewParams carries one editorial verdict on a submitted review.
// Status is VALIDATED or REJECTED; a VALIDATED review is final.
type ValidateReviewParams struct {
	AssignmentID    string
	Status          model.ReviewStatus
	RejectionReason string
	ValidatedBy     string
	ValidatedAt     time.Time
	Events          []model.OutboxEvent
}

// ReviewFilter narrows a review listing. Zero values match everything.
type ReviewFilter struct {
	ManuscriptID string
	ReviewerID   string
}

// Store interface defines the storage operations required by the editorial service.
// It is implemented by the in-memory, PostgreSQL and gorm (SQLite/MySQL) backends.
type Store interface {
	// Manuscripts and authors
	CreateManuscript(ctx context.Context, m model.Manuscript, first model.Version, events []model.OutboxEvent) error
	GetManuscript(ctx context.Context, id string) (*model.Manuscript, error)
	ListManuscripts(ctx context.Context, filter model.ManuscriptFilter) ([]model.Manuscript, error)

	// Version ledger
	AppendVersion(ctx context.Context, p AppendVersionParams) (*model.Manuscript, error)
	ListVersions(ctx context.Context, manuscriptID string, before, limit int) ([]model.Version, error)

	// Status ledger
	ApplyTransition(ctx context.Context, p TransitionParams) (*model.Manuscript, error)
	ListHistory(ctx context.Context, manuscriptID string) ([]model.StatusHistoryEntry, error)

	// Review assignment ledger
	CreateAssignment(ctx context.Context, p CreateAssignmentParams) (*model.Manuscript, error)
	GetAssignment(ctx context.Context, id string) (*model.ReviewAssignment, error)
	ListAssignments(ctx context.Context, filter model.AssignmentFilter) ([]model.ReviewAssignment, error)
	ListPendingReviews(ctx context.Context, journalID string) ([]model.ReviewAssignment, error)
	SubmitReview(ctx context.Context, p SubmitReviewParams) error
	ValidateReview(ctx context.Context, p ValidateReviewParams) (*model.Review, error)
	GetReview(ctx context.Context, assignmentID string) (*model.Review, error)
	ListReviews(ctx context.Context, filter ReviewFilter) ([]model.Review, error)

	// Outbox
	ListOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	RecordAttempt(ctx context.Context, id, lastError string, park bool, at time.Time) error

	Ping(ctx context.Context) error
	Close() error
}

// applyChange mutates m according to c. The caller has already checked c.From.
func applyChange(m *model.Manuscript, c StatusChange, at time.Time) {
	m.Status = c.To
	m.UpdatedAt = at
	if c.IncrementRound {
		m.Round++
	}
	if c.AcceptedAt != nil {
		t := *c.AcceptedAt
		m.AcceptedAt = &t
	}
	if c.PublishedAt != nil {
		t := *c.PublishedAt
		m.PublishedAt = &t
	}
}

// claimSeat finds the author c names. Re-claiming by the same user is a no-op.
func claimSeat(authors []model.Author, c AuthorClaim) (int, error) {
	for i, a := range authors {
		if a.ID != c.AuthorID {
			continue
		}
		if a.UserID != "" && a.UserID != c.UserID {
			return i, ErrAuthorClaimed
		}
		return i, nil
	}
	return -1, ErrNotFound
}

// applyValidation records the verdict on r. The caller has already checked
// that r is not VALIDATED.
func applyValidation(r *model.Review, p ValidateReviewParams) {
	at := p.ValidatedAt
	r.Status = p.Status
	r.RejectionReason = ""
	if p.Status == model.ReviewRejected {
		r.RejectionReason = p.RejectionReason
	}
	r.ValidatedBy = p.ValidatedBy
	r.ValidatedAt = &at
}

func changeTime(c StatusChange) time.Time {
	if c.Entry.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return c.Entry.CreatedAt
}

func cloneManuscript(m *model.Manuscript) *model.Manuscript {
	c := *m
	c.Authors = append([]model.Author(nil), m.Authors...)
	if m.AcceptedAt != nil {
		t := *m.AcceptedAt
		c.AcceptedAt = &t
	}
	if m.PublishedAt != nil {
		t := *m.PublishedAt
		c.PublishedAt = &t
	}
	return &c
}
