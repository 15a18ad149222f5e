package editorial

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// SubmitManuscript creates a manuscript in SUBMITTED with round 1, its author
// list and version 1. The submitting actor becomes the corresponding author.
// Co-authors are bound to an account when the directory knows their email and
// are otherwise left unclaimed.
func (s *Service) SubmitManuscript(ctx context.Context, actor model.Actor, req model.SubmitManuscriptRequest) (_ *model.Manuscript, err error) {
	ctx, span := s.start(ctx, "SubmitManuscript", attribute.String("journal_id", req.JournalID))
	defer func() { end(span, err) }()

	if !actor.Authenticated() {
		return nil, errAuthn()
	}
	if err := validateSubmission(actor, req); err != nil {
		return nil, err
	}

	now := timeNow()
	m := model.Manuscript{
		ID:           uuid.NewString(),
		JournalID:    strings.TrimSpace(req.JournalID),
		Title:        strings.TrimSpace(req.Title),
		Abstract:     strings.TrimSpace(req.Abstract),
		Status:       model.StatusSubmitted,
		Round:        1,
		VersionCount: 1,
		SubmittedBy:  actor.ID,
		SubmittedAt:  now,
		UpdatedAt:    now,
	}
	name := strings.TrimSpace(req.AuthorName)
	if name == "" {
		name = actor.Email
	}
	m.Authors = append(m.Authors, model.Author{
		ID:            uuid.NewString(),
		ManuscriptID:  m.ID,
		Position:      1,
		Name:          name,
		Email:         model.NormalizeEmail(actor.Email),
		UserID:        actor.ID,
		Corresponding: true,
	})
	for i, co := range req.CoAuthors {
		author := model.Author{
			ID:           uuid.NewString(),
			ManuscriptID: m.ID,
			Position:     i + 2,
			Name:         strings.TrimSpace(co.Name),
			Email:        model.NormalizeEmail(co.Email),
		}
		author.UserID = s.resolveAccount(ctx, &m, author.Email)
		m.Authors = append(m.Authors, author)
	}

	changelog := strings.TrimSpace(req.Changelog)
	if changelog == "" {
		changelog = "Initial submission"
	}
	first := model.Version{
		ManuscriptID: m.ID,
		Number:       1,
		FileRef:      strings.TrimSpace(req.InitialFileRef),
		Changelog:    changelog,
		SubmittedBy:  actor.ID,
		SubmittedAt:  now,
	}

	corresponding := m.Authors[0]
	ev := newEvent(model.EventManuscriptSubmitted, m.ID,
		submittedPayload{ManuscriptID: m.ID, JournalID: m.JournalID, Title: m.Title, Authors: len(m.Authors)},
		notification(corresponding.UserID, corresponding.Email, "Submission received",
			fmt.Sprintf("We received your manuscript %q.", m.Title), s.link("manuscripts", m.ID)))

	if _, err := observe(s, "create_manuscript", func() (struct{}, error) {
		return struct{}{}, s.store.CreateManuscript(ctx, m, first, []model.OutboxEvent{ev})
	}); err != nil {
		return nil, s.storeErr(ctx, "create_manuscript", "manuscript", m.ID, err)
	}

	s.metrics.ManuscriptsSubmitted.Inc()
	s.wake()
	span.SetAttributes(attribute.String("manuscript_id", m.ID))
	s.logger.InfoContext(ctx, "manuscript submitted",
		"manuscript_id", m.ID, "journal_id", m.JournalID, "actor_id", actor.ID, "authors", len(m.Authors))
	return &m, nil
}

func validateSubmission(actor model.Actor, req model.SubmitManuscriptRequest) error {
	if strings.TrimSpace(req.JournalID) == "" {
		return errValidation("journalId", "journalId is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return errValidation("title", "title is required")
	}
	if actor.Email == "" && strings.TrimSpace(req.AuthorName) == "" {
		return errValidation("authorName", "authorName is required when the actor has no email")
	}
	seen := map[string]bool{model.NormalizeEmail(actor.Email): true}
	for i, co := range req.CoAuthors {
		field := fmt.Sprintf("coAuthors[%d]", i)
		if strings.TrimSpace(co.Name) == "" {
			return errValidation(field+".name", "co-author name is required")
		}
		email := model.NormalizeEmail(co.Email)
		if _, err := mail.ParseAddress(email); err != nil || email == "" {
			return errValidation(field+".email", "co-author email is invalid")
		}
		if seen[email] {
			return errValidation(field+".email", "author listed more than once")
		}
		seen[email] = true
	}
	return nil
}

// resolveAccount returns the account id registered under email, or "" to
// leave the author unclaimed. An account already bound to another author of
// m is not bound twice.
func (s *Service) resolveAccount(ctx context.Context, m *model.Manuscript, email string) string {
	if s.dir == nil {
		return ""
	}
	acc, err := s.dir.LookupByEmail(ctx, email)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return ""
	case err != nil:
		s.logger.WarnContext(ctx, "identity lookup failed, author left unclaimed", "manuscript_id", m.ID, "error", err)
		return ""
	case m.HasAuthorUser(acc.ID):
		s.logger.WarnContext(ctx, "account already bound to another author", "manuscript_id", m.ID, "user_id", acc.ID)
		return ""
	}
	return acc.ID
}

// GetManuscript returns the manuscript to its authors and to staff.
func (s *Service) GetManuscript(ctx context.Context, actor model.Actor, id string) (_ *model.Manuscript, err error) {
	ctx, span := s.start(ctx, "GetManuscript", attribute.String("manuscript_id", id))
	defer func() { end(span, err) }()

	if !actor.Authenticated() {
		return nil, errAuthn()
	}
	return s.loadForAuthor(ctx, actor, id)
}

// ListManuscripts lists manuscripts for editorial staff.
func (s *Service) ListManuscripts(ctx context.Context, actor model.Actor, filter model.ManuscriptFilter) (_ []model.Manuscript, err error) {
	ctx, span := s.start(ctx, "ListManuscripts", attribute.String("journal_id", filter.JournalID))
	defer func() { end(span, err) }()

	if err := s.requireStaff(actor); err != nil {
		return nil, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, errValidation("status", "unknown status "+string(filter.Status))
	}
	out, err := observe(s, "list_manuscripts", func() ([]model.Manuscript, error) {
		return s.store.ListManuscripts(ctx, filter)
	})
	if err != nil {
		return nil, s.storeErr(ctx, "list_manuscripts", "manuscript", "", err)
	}
	return out, nil
}
