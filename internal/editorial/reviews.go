package editorial

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/workflow"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// AssignReviewer creates a PENDING assignment for the manuscript's current
// round. Assigning the first reviewer of a SUBMITTED manuscript moves it to
// UNDER_REVIEW in the same unit.
func (s *Service) AssignReviewer(ctx context.Context, actor model.Actor, manuscriptID string, req model.AssignReviewerRequest) (_ *model.ReviewAssignment, err error) {
	ctx, span := s.start(ctx, "AssignReviewer",
		attribute.String("manuscript_id", manuscriptID), attribute.String("reviewer_id", req.ReviewerID))
	defer func() { end(span, err) }()

	if err := s.requireStaff(actor); err != nil {
		return nil, err
	}
	reviewerID := strings.TrimSpace(req.ReviewerID)
	if reviewerID == "" {
		return nil, errValidation("reviewerId", "reviewerId is required")
	}
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	if !priority.Valid() {
		return nil, errValidation("priority", "unknown priority "+string(priority))
	}
	now := timeNow()
	if req.DueDate != nil && !req.DueDate.After(now) {
		return nil, errValidation("dueDate", "dueDate must be in the future")
	}

	m, err := s.loadManuscript(ctx, manuscriptID)
	if err != nil {
		return nil, err
	}
	if !workflow.AcceptsAssignment(m.Status) {
		return nil, errOperationNotAllowed("assign_reviewer", m.Status)
	}
	reviewerEmail := model.NormalizeEmail(req.ReviewerEmail)
	if isListedAuthor(m, reviewerID, reviewerEmail) {
		return nil, errValidation("reviewerId", "a listed author cannot review the manuscript")
	}

	a := model.ReviewAssignment{
		ID:            uuid.NewString(),
		ManuscriptID:  m.ID,
		JournalID:     m.JournalID,
		ReviewerID:    reviewerID,
		ReviewerEmail: reviewerEmail,
		Round:         m.Round,
		AssignedBy:    actor.ID,
		AssignedAt:    now,
		DueDate:       req.DueDate,
		Priority:      priority,
		Notes:         strings.TrimSpace(req.Notes),
		Status:        model.AssignmentPending,
	}
	params := storage.CreateAssignmentParams{Assignment: a, ExpectedStatus: m.Status}

	message := fmt.Sprintf("You have been invited to review %q (round %d).", m.Title, a.Round)
	if a.DueDate != nil {
		message += " Due " + a.DueDate.Format("2006-01-02") + "."
	}
	params.Events = append(params.Events, newEvent(model.EventAssignmentCreated, m.ID,
		assignmentPayload{ManuscriptID: m.ID, AssignmentID: a.ID, ReviewerID: a.ReviewerID, Round: a.Round},
		notification(a.ReviewerID, a.ReviewerEmail, "Review invitation", message, s.link("assignments", a.ID))))

	if m.Status == model.StatusSubmitted {
		if err := workflow.Validate(m.Status, model.StatusUnderReview, workflow.TriggerAssignment); err != nil {
			return nil, errInvalidTransition(m.Status, model.StatusUnderReview, err)
		}
		params.Transition = &storage.StatusChange{
			From: m.Status,
			To:   model.StatusUnderReview,
			Entry: model.StatusHistoryEntry{
				ID:        uuid.NewString(),
				ActorID:   actor.ID,
				Reason:    "first reviewer assigned",
				CreatedAt: now,
			},
		}
		params.Events = append(params.Events, newEvent(model.EventStatusChanged, m.ID, statusPayload{
			ManuscriptID: m.ID, JournalID: m.JournalID,
			From: m.Status, To: model.StatusUnderReview, Round: m.Round,
			ActorID: actor.ID, Reason: params.Transition.Entry.Reason,
		}))
	}

	if _, err := observe(s, "create_assignment", func() (*model.Manuscript, error) {
		return s.store.CreateAssignment(ctx, params)
	}); err != nil {
		return nil, s.storeErr(ctx, "create_assignment", "assignment", a.ID, err)
	}

	s.metrics.AssignmentsTotal.Inc()
	if params.Transition != nil {
		s.metrics.TransitionsTotal.WithLabelValues(string(params.Transition.From), string(params.Transition.To)).Inc()
	}
	s.wake()
	s.logger.InfoContext(ctx, "reviewer assigned",
		"manuscript_id", m.ID, "assignment_id", a.ID, "reviewer_id", a.ReviewerID, "round", a.Round, "actor_id", actor.ID)
	return &a, nil
}

func isListedAuthor(m *model.Manuscript, userID, email string) bool {
	if m.HasAuthorUser(userID) {
		return true
	}
	if email == "" {
		return false
	}
	for _, a := range m.Authors {
		if model.NormalizeEmail(a.Email) == email {
			return true
		}
	}
	return false
}

// SubmitReview finalizes the reviewer's report. It never changes the
// manuscript status. A report arriving after the round's decision is still
// accepted and flagged Late.
func (s *Service) SubmitReview(ctx context.Context, actor model.Actor, assignmentID string, req model.SubmitReviewRequest) (_ *model.Review, err error) {
	ctx, span := s.start(ctx, "SubmitReview", attribute.String("assignment_id", assignmentID))
	defer func() { end(span, err) }()

	if !actor.Authenticated() {
		return nil, errAuthn()
	}
	a, err := observe(s, "get_assignment", func() (*model.ReviewAssignment, error) {
		return s.store.GetAssignment(ctx, assignmentID)
	})
	if err != nil {
		return nil, s.storeErr(ctx, "get_assignment", "assignment", assignmentID, err)
	}
	if !s.gate.CanSubmitReview(actor, *a) {
		return nil, errForbidden()
	}
	if a.Status != model.AssignmentPending {
		return nil, s.storeErr(ctx, "submit_review", "assignment", a.ID, storage.ErrAlreadySubmitted)
	}
	if err := validateReview(req); err != nil {
		return nil, err
	}

	m, err := s.loadManuscript(ctx, a.ManuscriptID)
	if err != nil {
		return nil, err
	}
	late := m.Status != model.StatusUnderReview || m.Round != a.Round

	r := model.Review{
		ID:               uuid.NewString(),
		AssignmentID:     a.ID,
		ManuscriptID:     a.ManuscriptID,
		ReviewerID:       a.ReviewerID,
		Round:            a.Round,
		Rating:           req.Rating,
		CommentsToEditor: strings.TrimSpace(req.CommentsToEditor),
		CommentsToAuthor: strings.TrimSpace(req.CommentsToAuthor),
		Recommendation:   req.Recommendation,
		Status:           model.ReviewCompleted,
		Late:             late,
		CompletedAt:      timeNow(),
	}
	ev := newEvent(model.EventReviewSubmitted, m.ID,
		reviewPayload{ManuscriptID: m.ID, AssignmentID: a.ID, ReviewID: r.ID, Round: r.Round, Recommendation: r.Recommendation, Late: late},
		certificate(a.ReviewerID, a.ReviewerEmail, model.CertificateReviewer, m,
			"Reviewer certificate", fmt.Sprintf("Peer review of %q, round %d", m.Title, a.Round)),
		notification(a.AssignedBy, "", "Review submitted",
			fmt.Sprintf("A review of %q (round %d) recommends %s.", m.Title, a.Round, r.Recommendation),
			s.link("manuscripts", m.ID)))

	if _, err := observe(s, "submit_review", func() (struct{}, error) {
		return struct{}{}, s.store.SubmitReview(ctx, storage.SubmitReviewParams{Review: r, Events: []model.OutboxEvent{ev}})
	}); err != nil {
		return nil, s.storeErr(ctx, "submit_review", "assignment", a.ID, err)
	}

	s.metrics.ReviewsSubmittedTotal.WithLabelValues(string(r.Recommendation), strconv.FormatBool(late)).Inc()
	s.wake()
	if late {
		s.logger.WarnContext(ctx, "late review accepted after round decision",
			"manuscript_id", m.ID, "assignment_id", a.ID, "round", a.Round, "manuscript_round", m.Round, "status", m.Status)
	}
	s.logger.InfoContext(ctx, "review submitted",
		"manuscript_id", m.ID, "assignment_id", a.ID, "actor_id", actor.ID, "recommendation", r.Recommendation)
	return &r, nil
}

func validateReview(req model.SubmitReviewRequest) error {
	if req.Rating < 1 || req.Rating > 5 {
		return errValidation("rating", "rating must be between 1 and 5")
	}
	if strings.TrimSpace(req.CommentsToEditor) == "" {
		return errValidation("commentsToEditor", "commentsToEditor is required")
	}
	if !req.Recommendation.Valid() {
		return errValidation("recommendation", "recommendation must be one of ACCEPT, MINOR_REVISION, MAJOR_REVISION, REJECT")
	}
	return nil
}

// ValidateReview records the editorial verdict on a submitted report. A
// rejection needs a reason and may be overturned by a later validation; a
// validated report is final. The reviewer is notified either way.
func (s *Service) ValidateReview(ctx context.Context, actor model.Actor, assignmentID string, req model.ValidateReviewRequest) (_ *model.Review, err error) {
	ctx, span := s.start(ctx, "ValidateReview", attribute.String("assignment_id", assignmentID))
	defer func() { end(span, err) }()

	if err := s.requireStaff(actor); err != nil {
		return nil, err
	}
	if req.IsValidated == nil {
		return nil, errValidation("isValidated", "isValidated is required")
	}
	reason := strings.TrimSpace(req.RejectionReason)
	if !*req.IsValidated && reason == "" {
		return nil, errValidation("rejectionReason", "rejectionReason is required when rejecting a report")
	}

	a, err := observe(s, "get_assignment", func() (*model.ReviewAssignment, error) {
		return s.store.GetAssignment(ctx, assignmentID)
	})
	if err != nil {
		return nil, s.storeErr(ctx, "get_assignment", "assignment", assignmentID, err)
	}
	r, err := observe(s, "get_review", func() (*model.Review, error) {
		return s.store.GetReview(ctx, a.ID)
	})
	if err != nil {
		return nil, s.storeErr(ctx, "get_review", "review", a.ID, err)
	}
	if r.Status == model.ReviewValidated {
		return nil, s.storeErr(ctx, "validate_review", "review", a.ID, storage.ErrAlreadyValidated)
	}
	m, err := s.loadManuscript(ctx, a.ManuscriptID)
	if err != nil {
		return nil, err
	}

	status := model.ReviewValidated
	subject, body := "Review report validated",
		fmt.Sprintf("Your review of %q (round %d) has been validated.", m.Title, a.Round)
	if *req.IsValidated {
		reason = ""
	} else {
		status = model.ReviewRejected
		subject, body = "Review report returned",
			fmt.Sprintf("Your review of %q (round %d) was not accepted: %s", m.Title, a.Round, reason)
	}
	params := storage.ValidateReviewParams{
		AssignmentID:    a.ID,
		Status:          status,
		RejectionReason: reason,
		ValidatedBy:     actor.ID,
		ValidatedAt:     timeNow(),
	}
	params.Events = []model.OutboxEvent{newEvent(model.EventReviewValidated, m.ID,
		validationPayload{ManuscriptID: m.ID, AssignmentID: a.ID, ReviewID: r.ID, Status: status, RejectionReason: reason, ActorID: actor.ID},
		notification(a.ReviewerID, a.ReviewerEmail, subject, body, s.link("assignments", a.ID)))}

	out, err := observe(s, "validate_review", func() (*model.Review, error) {
		return s.store.ValidateReview(ctx, params)
	})
	if err != nil {
		return nil, s.storeErr(ctx, "validate_review", "review", a.ID, err)
	}

	s.metrics.ReviewsValidatedTotal.WithLabelValues(string(status)).Inc()
	s.wake()
	s.logger.InfoContext(ctx, "review validated",
		"manuscript_id", m.ID, "assignment_id", a.ID, "status", status, "actor_id", actor.ID)
	return out, nil
}

// ListPendingReviews is the editorial inbox: submitted reviews whose round
// still awaits a decision. An empty journalID spans all journals.
func (s *Service) ListPendingReviews(ctx context.Context, actor model.Actor, journalID string) (_ []model.ReviewAssignment, err error) {
	ctx, span := s.start(ctx, "ListPendingReviews", attribute.String("journal_id", journalID))
	defer func() { end(span, err) }()

	if err := s.requireStaff(actor); err != nil {
		return nil, err
	}
	out, err := observe(s, "list_pending_reviews", func() ([]model.ReviewAssignment, error) {
		return s.store.ListPendingReviews(ctx, journalID)
	})
	if err != nil {
		return nil, s.storeErr(ctx, "list_pending_reviews", "assignment", "", err)
	}
	return out, nil
}

// ListAssignments lists a manuscript's assignments for staff.
func (s *Service) ListAssignments(ctx context.Context, actor model.Actor, manuscriptID string, filter model.AssignmentFilter) (_ []model.ReviewAssignment, err error) {
	ctx, span := s.start(ctx, "ListAssignments", attribute.String("manuscript_id", manuscriptID))
	defer func() { end(span, err) }()

	if err := s.requireStaff(actor); err != nil {
		return nil, err
	}
	if _, err := s.loadManuscript(ctx, manuscriptID); err != nil {
		return nil, err
	}
	filter.ManuscriptID = manuscriptID
	out, err := observe(s, "list_assignments", func() ([]model.ReviewAssignment, error) {
		return s.store.ListAssignments(ctx, filter)
	})
	if err != nil {
		return nil, s.storeErr(ctx, "list_assignments", "manuscript", manuscriptID, err)
	}
	return out, nil
}

// GetReview returns the report for an assignment to its reviewer and staff.
func (s *Service) GetReview(ctx context.Context, actor model.Actor, assignmentID string) (_ *model.Review, err error) {
	ctx, span := s.start(ctx, "GetReview", attribute.String("assignment_id", assignmentID))
	defer func() { end(span, err) }()

	if !actor.Authenticated() {
		return nil, errAuthn()
	}
	a, err := observe(s, "get_assignment", func() (*model.ReviewAssignment, error) {
		return s.store.GetAssignment(ctx, assignmentID)
	})
	if err != nil {
		return nil, s.storeErr(ctx, "get_assignment", "assignment", assignmentID, err)
	}
	if !s.gate.CanReadReview(actor, *a) {
		return nil, errForbidden()
	}
	r, err := observe(s, "get_review", func() (*model.Review, error) {
		return s.store.GetReview(ctx, assignmentID)
	})
	if err != nil {
		return nil, s.storeErr(ctx, "get_review", "review", assignmentID, err)
	}
	return r, nil
}

// ReviewerDashboard summarises the actor's own review workload.
func (s *Service) ReviewerDashboard(ctx context.Context, actor model.Actor) (_ *model.ReviewerDashboard, err error) {
	ctx, span := s.start(ctx, "ReviewerDashboard")
	defer func() { end(span, err) }()

	if !actor.Authenticated() {
		return nil, errAuthn()
	}
	assignments, err := observe(s, "list_assignments", func() ([]model.ReviewAssignment, error) {
		return s.store.ListAssignments(ctx, model.AssignmentFilter{ReviewerID: actor.ID})
	})
	if err != nil {
		return nil, s.storeErr(ctx, "list_assignments", "assignment", "", err)
	}
	reviews, err := observe(s, "list_reviews", func() ([]model.Review, error) {
		return s.store.ListReviews(ctx, storage.ReviewFilter{ReviewerID: actor.ID})
	})
	if err != nil {
		return nil, s.storeErr(ctx, "list_reviews", "review", "", err)
	}

	now := timeNow()
	d := &model.ReviewerDashboard{ReviewerID: actor.ID, Recommendations: map[model.Recommendation]int{}}
	for _, a := range assignments {
		switch a.Status {
		case model.AssignmentPending:
			d.Pending++
			if a.DueDate != nil && a.DueDate.Before(now) {
				d.Overdue++
			}
		case model.AssignmentSubmitted:
			d.Submitted++
		}
	}
	total := 0
	for _, r := range reviews {
		d.Recommendations[r.Recommendation]++
		total += r.Rating
	}
	if len(reviews) > 0 {
		d.AverageRating = float64(total) / float64(len(reviews))
	}
	return d, nil
}
