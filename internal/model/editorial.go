// internal/model/editorial.go
// Package model defines the data structures used throughout the editorial service.
// These structures represent manuscripts, their versions, review assignments,
// review reports and the status audit trail.
package model

import (
	"strings"
	"time"
)

// ManuscriptStatus is the canonical lifecycle state of a manuscript.
type ManuscriptStatus string

const (
	StatusSubmitted         ManuscriptStatus = "SUBMITTED"
	StatusUnderReview       ManuscriptStatus = "UNDER_REVIEW"
	StatusRevisionRequested ManuscriptStatus = "REVISION_REQUESTED"
	StatusAccepted          ManuscriptStatus = "ACCEPTED"
	StatusRejected          ManuscriptStatus = "REJECTED"
	StatusPublished         ManuscriptStatus = "PUBLISHED"
)

// AllStatuses lists every lifecycle state in workflow order.
var AllStatuses = []ManuscriptStatus{
	StatusSubmitted,
	StatusUnderReview,
	StatusRevisionRequested,
	StatusAccepted,
	StatusRejected,
	StatusPublished,
}

// Valid reports whether s is one of the six lifecycle states.
func (s ManuscriptStatus) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s ManuscriptStatus) Terminal() bool {
	return s == StatusRejected || s == StatusPublished
}

// Manuscript is the academic submission under editorial control.
// This corresponds to the manuscripts table in storage.
type Manuscript struct {
	ID           string           `json:"id"`
	JournalID    string           `json:"journalId"`
	Title        string           `json:"title"`
	Abstract     string           `json:"abstract"`
	Status       ManuscriptStatus `json:"status"`
	Round        int              `json:"round"`        // Current review round, starts at 1
	VersionCount int              `json:"versionCount"` // Number of versions appended so far
	SubmittedBy  string           `json:"submittedBy"`  // Actor id of the submitting author
	SubmittedAt  time.Time        `json:"submittedAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	AcceptedAt   *time.Time       `json:"acceptedAt,omitempty"`
	PublishedAt  *time.Time       `json:"publishedAt,omitempty"`
	Authors      []Author         `json:"authors"`
}

// CorrespondingAuthor returns the author marked as corresponding.
func (m Manuscript) CorrespondingAuthor() (Author, bool) {
	for _, a := range m.Authors {
		if a.Corresponding {
			return a, true
		}
	}
	return Author{}, false
}

// HasAuthorUser reports whether userID is bound to one of the listed authors.
func (m Manuscript) HasAuthorUser(userID string) bool {
	if userID == "" {
		return false
	}
	for _, a := range m.Authors {
		if a.UserID == userID {
			return true
		}
	}
	return false
}

// Author is one entry of a manuscript's ordered author list.
// UserID is bound once at authorship creation (or on claim) and never changes;
// an empty UserID marks an unclaimed author known only by email.
type Author struct {
	ID            string `json:"id"`
	ManuscriptID  string `json:"manuscriptId"`
	Position      int    `json:"position"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	UserID        string `json:"userId,omitempty"`
	Corresponding bool   `json:"corresponding"`
}

// Claimed reports whether the author is bound to an account.
func (a Author) Claimed() bool { return a.UserID != "" }

// NormalizeEmail lowercases and trims an address for comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Version is one immutable snapshot of the manuscript file plus a changelog note.
type Version struct {
	ManuscriptID string    `json:"manuscriptId"`
	Number       int       `json:"number"` // 1-based, contiguous per manuscript
	FileRef      string    `json:"fileRef"`
	Changelog    string    `json:"changelog"`
	SubmittedBy  string    `json:"submittedBy"`
	SubmittedAt  time.Time `json:"submittedAt"`
}

// AssignmentStatus tracks the lifecycle of a review assignment.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "PENDING"
	AssignmentSubmitted AssignmentStatus = "SUBMITTED"
)

// Priority of a review assignment.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ReviewAssignment binds one reviewer to one manuscript for one round.
type ReviewAssignment struct {
	ID            string           `json:"id"`
	ManuscriptID  string           `json:"manuscriptId"`
	JournalID     string           `json:"journalId"`
	ReviewerID    string           `json:"reviewerId"`
	ReviewerEmail string           `json:"reviewerEmail,omitempty"`
	Round         int              `json:"round"`
	AssignedBy    string           `json:"assignedBy"`
	AssignedAt    time.Time        `json:"assignedAt"`
	DueDate       *time.Time       `json:"dueDate,omitempty"`
	Priority      Priority         `json:"priority"`
	Notes         string           `json:"notes,omitempty"`
	Status        AssignmentStatus `json:"status"`
	SubmittedAt   *time.Time       `json:"submittedAt,omitempty"`
}

// Recommendation is the reviewer's categorical verdict.
type Recommendation string

const (
	RecommendAccept        Recommendation = "ACCEPT"
	RecommendMinorRevision Recommendation = "MINOR_REVISION"
	RecommendMajorRevision Recommendation = "MAJOR_REVISION"
	RecommendReject        Recommendation = "REJECT"
)

// Valid reports whether r is a known recommendation.
func (r Recommendation) Valid() bool {
	switch r {
	case RecommendAccept, RecommendMinorRevision, RecommendMajorRevision, RecommendReject:
		return true
	}
	return false
}

// ReviewStatus is the completion state of a review report.
type ReviewStatus string

const (
	ReviewCompleted ReviewStatus = "COMPLETED" // Submitted, awaiting editorial validation
	ReviewValidated ReviewStatus = "VALIDATED"
	ReviewRejected  ReviewStatus = "REJECTED" // Sent back with a reason; may still be validated later
)

// Review is the reviewer's finalized report. Once COMPLETED it is immutable.
type Review struct {
	ID               string         `json:"id"`
	AssignmentID     string         `json:"assignmentId"`
	ManuscriptID     string         `json:"manuscriptId"`
	ReviewerID       string         `json:"reviewerId"`
	Round            int            `json:"round"`
	Rating           int            `json:"rating"`
	CommentsToEditor string         `json:"commentsToEditor"`
	CommentsToAuthor string         `json:"commentsToAuthor,omitempty"`
	Recommendation   Recommendation `json:"recommendation"`
	Status           ReviewStatus   `json:"status"`
	Late             bool           `json:"late"` // Submitted after the round's decision
	CompletedAt      time.Time      `json:"completedAt"`
	RejectionReason  string         `json:"rejectionReason,omitempty"`
	ValidatedBy      string         `json:"validatedBy,omitempty"`
	ValidatedAt      *time.Time     `json:"validatedAt,omitempty"`
}

// StatusHistoryEntry is one append-only record of a status mutation.
type StatusHistoryEntry struct {
	ID           string           `json:"id"`
	ManuscriptID string           `json:"manuscriptId"`
	Seq          int              `json:"seq"` // 1-based, contiguous per manuscript
	From         ManuscriptStatus `json:"from"`
	To           ManuscriptStatus `json:"to"`
	ActorID      string           `json:"actorId"`
	Reason       string           `json:"reason,omitempty"`
	Comments     string           `json:"comments,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// Actor is the authenticated identity performing an operation.
// The zero value is unauthenticated.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Authenticated reports whether the actor carries an identity.
func (a Actor) Authenticated() bool { return a.ID != "" }
