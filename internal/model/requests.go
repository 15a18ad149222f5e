package model

import "time"

// SubmitManuscriptRequest is the payload for POST /v1/manuscripts.
type SubmitManuscriptRequest struct {
	JournalID      string          `json:"journalId"`
	Title          string          `json:"title"`
	Abstract       string          `json:"abstract"`
	AuthorName     string          `json:"authorName"`
	InitialFileRef string          `json:"initialFileRef,omitempty"`
	Changelog      string          `json:"changelog,omitempty"`
	CoAuthors      []CoAuthorInput `json:"coAuthors,omitempty"`
}

// CoAuthorInput names an additional author at submission time.
type CoAuthorInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// AppendVersionRequest is the payload for POST /v1/manuscripts/{id}/versions.
type AppendVersionRequest struct {
	FileRef   string `json:"fileRef"`
	Changelog string `json:"changelog"`
}

// TransitionRequest is the payload for POST /v1/manuscripts/{id}/status.
// ExpectedFrom, when set, must equal the persisted status or the request is stale.
type TransitionRequest struct {
	To           ManuscriptStatus `json:"to"`
	ExpectedFrom ManuscriptStatus `json:"expectedFrom,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Comments     string           `json:"comments,omitempty"`
}

// AssignReviewerRequest is the payload for POST /v1/manuscripts/{id}/assignments.
type AssignReviewerRequest struct {
	ReviewerID    string     `json:"reviewerId"`
	ReviewerEmail string     `json:"reviewerEmail,omitempty"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
	Priority      Priority   `json:"priority,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

// SubmitReviewRequest is the payload for POST /v1/assignments/{id}/review.
type SubmitReviewRequest struct {
	Rating           int            `json:"rating"`
	CommentsToEditor string         `json:"commentsToEditor"`
	CommentsToAuthor string         `json:"commentsToAuthor,omitempty"`
	Recommendation   Recommendation `json:"recommendation"`
}

// ValidateReviewRequest is the payload for POST /v1/assignments/{id}/review/validate.
// IsValidated is a pointer so an omitted field is told apart from false.
type ValidateReviewRequest struct {
	IsValidated     *bool  `json:"isValidated"`
	RejectionReason string `json:"rejectionReason,omitempty"`
}

// ManuscriptFilter narrows the editorial manuscript listing.
type ManuscriptFilter struct {
	JournalID string
	Status    ManuscriptStatus
}

// AssignmentFilter narrows an assignment listing. Zero values match everything.
type AssignmentFilter struct {
	ManuscriptID string
	ReviewerID   string
	Status       AssignmentStatus
	Round        int
}

// TimelineKind classifies a timeline entry.
type TimelineKind string

const (
	TimelineStatusChange TimelineKind = "status_change"
	TimelineVersion      TimelineKind = "version"
	TimelineAssignment   TimelineKind = "assignment"
	TimelineReview       TimelineKind = "review"
)

// TimelineEntry is one merged event in a manuscript's timeline.
type TimelineEntry struct {
	Kind        TimelineKind     `json:"kind"`
	At          time.Time        `json:"at"`
	ActorID     string           `json:"actorId,omitempty"`
	From        ManuscriptStatus `json:"from,omitempty"`
	To          ManuscriptStatus `json:"to,omitempty"`
	Version     int              `json:"version,omitempty"`
	Round       int              `json:"round,omitempty"`
	Description string           `json:"description"`
}

// ReviewerDashboard summarises one reviewer's workload.
type ReviewerDashboard struct {
	ReviewerID      string                 `json:"reviewerId"`
	Pending         int                    `json:"pending"`
	Submitted       int                    `json:"submitted"`
	Overdue         int                    `json:"overdue"`
	Recommendations map[Recommendation]int `json:"recommendations"`
	AverageRating   float64                `json:"averageRating"`
}
