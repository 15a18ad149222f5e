package editorial

import (
	"context"
	"fmt"
	"sort"
	"strings"

	errordefs "github.com/RegistryAccord/registryaccord-editorial-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/workflow"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// TransitionStatus applies an editorial decision. The decision is checked
// against the persisted status twice: here against ExpectedFrom, and in the
// store by compare-and-swap, so a concurrent decision yields StaleState
// instead of a second history entry.
//
// A decision is not gated on the number of completed reviews.
func (s *Service) TransitionStatus(ctx context.Context, actor model.Actor, manuscriptID string, req model.TransitionRequest) (_ *model.Manuscript, err error) {
	ctx, span := s.start(ctx, "TransitionStatus",
		attribute.String("manuscript_id", manuscriptID), attribute.String("to", string(req.To)))
	defer func() { end(span, err) }()

	if err := s.requireStaff(actor); err != nil {
		return nil, err
	}
	if !req.To.Valid() {
		return nil, errValidation("to", "unknown target status "+string(req.To))
	}
	if req.ExpectedFrom != "" && !req.ExpectedFrom.Valid() {
		return nil, errValidation("expectedFrom", "unknown status "+string(req.ExpectedFrom))
	}

	m, err := s.loadManuscript(ctx, manuscriptID)
	if err != nil {
		return nil, err
	}
	if req.ExpectedFrom != "" && req.ExpectedFrom != m.Status {
		return nil, errordefs.NewWithDetails(errordefs.EDT_STALE_STATE,
			fmt.Sprintf("manuscript is %s, not %s", m.Status, req.ExpectedFrom), "",
			map[string]string{"expected": string(req.ExpectedFrom), "actual": string(m.Status)})
	}
	if err := workflow.Validate(m.Status, req.To, workflow.TriggerDecision); err != nil {
		return nil, errInvalidTransition(m.Status, req.To, err)
	}

	now := timeNow()
	change := storage.StatusChange{
		From: m.Status,
		To:   req.To,
		Entry: model.StatusHistoryEntry{
			ID:        uuid.NewString(),
			ActorID:   actor.ID,
			Reason:    strings.TrimSpace(req.Reason),
			Comments:  strings.TrimSpace(req.Comments),
			CreatedAt: now,
		},
	}
	switch req.To {
	case model.StatusAccepted:
		change.AcceptedAt = &now
	case model.StatusPublished:
		change.PublishedAt = &now
	}

	ev := newEvent(model.EventStatusChanged, m.ID, statusPayload{
		ManuscriptID: m.ID, JournalID: m.JournalID,
		From: m.Status, To: req.To, Round: m.Round,
		ActorID: actor.ID, Reason: change.Entry.Reason,
	}, s.decisionEffects(m, req.To, change.Entry.Comments)...)

	updated, err := observe(s, "apply_transition", func() (*model.Manuscript, error) {
		return s.store.ApplyTransition(ctx, storage.TransitionParams{
			ManuscriptID: m.ID,
			Change:       change,
			Events:       []model.OutboxEvent{ev},
		})
	})
	if err != nil {
		return nil, s.storeErr(ctx, "apply_transition", "manuscript", m.ID, err)
	}

	s.metrics.TransitionsTotal.WithLabelValues(string(change.From), string(change.To)).Inc()
	s.wake()
	s.logger.InfoContext(ctx, "manuscript status changed",
		"manuscript_id", m.ID, "from", change.From, "to", change.To, "actor_id", actor.ID, "round", updated.Round)
	return updated, nil
}

// GetStatusHistory returns the audit trail, oldest first.
func (s *Service) GetStatusHistory(ctx context.Context, actor model.Actor, manuscriptID string) (_ []model.StatusHistoryEntry, err error) {
	ctx, span := s.start(ctx, "GetStatusHistory", attribute.String("manuscript_id", manuscriptID))
	defer func() { end(span, err) }()

	if !actor.Authenticated() {
		return nil, errAuthn()
	}
	if _, err := s.loadForAuthor(ctx, actor, manuscriptID); err != nil {
		return nil, err
	}
	history, err := observe(s, "list_history", func() ([]model.StatusHistoryEntry, error) {
		return s.store.ListHistory(ctx, manuscriptID)
	})
	if err != nil {
		return nil, s.storeErr(ctx, "list_history", "manuscript", manuscriptID, err)
	}
	return history, nil
}

// Timeline merges status changes, versions, assignments and reviews into one
// ascending sequence. Reviewer identities are shown to staff only.
func (s *Service) Timeline(ctx context.Context, actor model.Actor, manuscriptID string) (_ []model.TimelineEntry, err error) {
	ctx, span := s.start(ctx, "Timeline", attribute.String("manuscript_id", manuscriptID))
	defer func() { end(span, err) }()

	if !actor.Authenticated() {
		return nil, errAuthn()
	}
	if _, err := s.loadForAuthor(ctx, actor, manuscriptID); err != nil {
		return nil, err
	}
	staff := s.gate.IsStaff(actor)

	history, err := observe(s, "list_history", func() ([]model.StatusHistoryEntry, error) {
		return s.store.ListHistory(ctx, manuscriptID)
	})
	if err != nil {
		return nil, s.storeErr(ctx, "list_history", "manuscript", manuscriptID, err)
	}
	versions, err := observe(s, "list_versions", func() ([]model.Version, error) {
		return s.store.ListVersions(ctx, manuscriptID, 0, 0)
	})
	if err != nil {
		return nil, s.storeErr(ctx, "list_versions", "manuscript", manuscriptID, err)
	}
	assignments, err := observe(s, "list_assignments", func() ([]model.ReviewAssignment, error) {
		return s.store.ListAssignments(ctx, model.AssignmentFilter{ManuscriptID: manuscriptID})
	})
	if err != nil {
		return nil, s.storeErr(ctx, "list_assignments", "manuscript", manuscriptID, err)
	}
	reviews, err := observe(s, "list_reviews", func() ([]model.Review, error) {
		return s.store.ListReviews(ctx, storage.ReviewFilter{ManuscriptID: manuscriptID})
	})
	if err != nil {
		return nil, s.storeErr(ctx, "list_reviews", "manuscript", manuscriptID, err)
	}

	var out []model.TimelineEntry
	for _, h := range history {
		out = append(out, model.TimelineEntry{
			Kind: model.TimelineStatusChange, At: h.CreatedAt, ActorID: h.ActorID,
			From: h.From, To: h.To,
			Description: fmt.Sprintf("Status changed from %s to %s", h.From, h.To),
		})
	}
	for _, v := range versions {
		desc := fmt.Sprintf("Version %d submitted", v.Number)
		if v.Changelog != "" {
			desc += ": " + v.Changelog
		}
		out = append(out, model.TimelineEntry{
			Kind: model.TimelineVersion, At: v.SubmittedAt, ActorID: v.SubmittedBy,
			Version: v.Number, Description: desc,
		})
	}
	for _, a := range assignments {
		e := model.TimelineEntry{Kind: model.TimelineAssignment, At: a.AssignedAt, Round: a.Round,
			Description: fmt.Sprintf("Reviewer assigned for round %d", a.Round)}
		if staff {
			e.ActorID = a.AssignedBy
			e.Description = fmt.Sprintf("Reviewer %s assigned for round %d", a.ReviewerID, a.Round)
		}
		out = append(out, e)
	}
	for _, r := range reviews {
		e := model.TimelineEntry{Kind: model.TimelineReview, At: r.CompletedAt, Round: r.Round,
			Description: fmt.Sprintf("Review completed for round %d", r.Round)}
		if staff {
			e.ActorID = r.ReviewerID
			e.Description = fmt.Sprintf("Review completed for round %d: %s", r.Round, r.Recommendation)
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
