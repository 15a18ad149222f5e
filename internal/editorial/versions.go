package editorial

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	errordefs "github.com/RegistryAccord/registryaccord-editorial-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/workflow"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// AppendVersion adds the next version to a manuscript. In REVISION_REQUESTED
// the same unit moves the manuscript back to UNDER_REVIEW and opens the next
// round. Losing a race for the next number re-fetches the count and retries.
func (s *Service) AppendVersion(ctx context.Context, actor model.Actor, manuscriptID string, req model.AppendVersionRequest) (_ *model.Version, err error) {
	ctx, span := s.start(ctx, "AppendVersion", attribute.String("manuscript_id", manuscriptID))
	defer func() { end(span, err) }()

	if !actor.Authenticated() {
		return nil, errAuthn()
	}
	fileRef := strings.TrimSpace(req.FileRef)
	if fileRef == "" {
		return nil, errValidation("fileRef", "fileRef is required")
	}

	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		m, err := s.loadManuscript(ctx, manuscriptID)
		if err != nil {
			return nil, err
		}
		claim, err := s.authorizeAuthor(actor, m)
		if err != nil {
			return nil, err
		}
		if !workflow.AcceptsVersion(m.Status) {
			return nil, errOperationNotAllowed("append_version", m.Status)
		}

		v := model.Version{
			ManuscriptID: m.ID,
			Number:       m.VersionCount + 1,
			FileRef:      fileRef,
			Changelog:    strings.TrimSpace(req.Changelog),
			SubmittedBy:  actor.ID,
			SubmittedAt:  timeNow(),
		}
		params, err := s.appendParams(ctx, actor, m, v)
		if err != nil {
			return nil, err
		}
		params.Claim = claim

		_, err = observe(s, "append_version", func() (*model.Manuscript, error) {
			return s.store.AppendVersion(ctx, params)
		})
		if errors.Is(err, storage.ErrConflict) {
			s.metrics.AppendRetriesTotal.Inc()
			s.logger.DebugContext(ctx, "version append lost race, retrying",
				"manuscript_id", m.ID, "attempt", attempt, "number", v.Number)
			continue
		}
		if err != nil {
			return nil, s.storeErr(ctx, "append_version", "manuscript", m.ID, err)
		}

		s.metrics.VersionsAppendedTotal.Inc()
		if params.Transition != nil {
			s.metrics.TransitionsTotal.WithLabelValues(string(params.Transition.From), string(params.Transition.To)).Inc()
		}
		if claim != nil {
			s.logger.InfoContext(ctx, "author claimed",
				"manuscript_id", m.ID, "author_id", claim.AuthorID, "actor_id", actor.ID)
		}
		s.wake()
		span.SetAttributes(attribute.Int("version", v.Number), attribute.Bool("revision", params.Transition != nil))
		s.logger.InfoContext(ctx, "version appended",
			"manuscript_id", m.ID, "version", v.Number, "actor_id", actor.ID, "revision", params.Transition != nil)
		return &v, nil
	}

	return nil, errordefs.NewWithDetails(errordefs.EDT_CONCURRENT_APPEND,
		fmt.Sprintf("version append lost %d consecutive races", maxAppendAttempts), "",
		errordefs.Entity("manuscript", manuscriptID))
}

// appendParams builds the storage unit for v. A revision upload carries the
// REVISION_REQUESTED -> UNDER_REVIEW transition and notifies the editor who
// asked for it.
func (s *Service) appendParams(ctx context.Context, actor model.Actor, m *model.Manuscript, v model.Version) (storage.AppendVersionParams, error) {
	params := storage.AppendVersionParams{
		Version:        v,
		ExpectedCount:  m.VersionCount,
		ExpectedStatus: m.Status,
	}
	payload := versionPayload{ManuscriptID: m.ID, Number: v.Number, FileRef: v.FileRef, ActorID: actor.ID}

	if m.Status != model.StatusRevisionRequested {
		params.Events = []model.OutboxEvent{newEvent(model.EventVersionAppended, m.ID, payload)}
		return params, nil
	}

	if err := workflow.Validate(m.Status, model.StatusUnderReview, workflow.TriggerRevision); err != nil {
		return params, errInvalidTransition(m.Status, model.StatusUnderReview, err)
	}
	params.Transition = &storage.StatusChange{
		From:           m.Status,
		To:             model.StatusUnderReview,
		IncrementRound: true,
		Entry: model.StatusHistoryEntry{
			ID:        uuid.NewString(),
			ActorID:   actor.ID,
			Reason:    fmt.Sprintf("revision submitted as version %d", v.Number),
			CreatedAt: v.SubmittedAt,
		},
	}

	var effects []model.Effect
	if editor := s.revisionRequester(ctx, m.ID); editor != "" {
		effects = append(effects, notification(editor, "", "Revision submitted",
			fmt.Sprintf("Version %d of %q is ready for review round %d.", v.Number, m.Title, m.Round+1),
			s.link("manuscripts", m.ID)))
	}
	params.Events = []model.OutboxEvent{
		newEvent(model.EventVersionAppended, m.ID, payload, effects...),
		newEvent(model.EventStatusChanged, m.ID, statusPayload{
			ManuscriptID: m.ID, JournalID: m.JournalID,
			From: m.Status, To: model.StatusUnderReview,
			Round: m.Round + 1, ActorID: actor.ID, Reason: params.Transition.Entry.Reason,
		}),
	}
	return params, nil
}

// revisionRequester finds the actor of the latest move into REVISION_REQUESTED.
func (s *Service) revisionRequester(ctx context.Context, manuscriptID string) string {
	history, err := observe(s, "list_history", func() ([]model.StatusHistoryEntry, error) {
		return s.store.ListHistory(ctx, manuscriptID)
	})
	if err != nil {
		s.logger.WarnContext(ctx, "could not read history for revision notice", "manuscript_id", manuscriptID, "error", err)
		return ""
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].To == model.StatusRevisionRequested {
			return history[i].ActorID
		}
	}
	return ""
}

// ListVersions returns every version of the manuscript, newest first.
func (s *Service) ListVersions(ctx context.Context, actor model.Actor, manuscriptID string) (_ []model.Version, err error) {
	seq, err := s.Versions(ctx, actor, manuscriptID)
	if err != nil {
		return nil, err
	}
	out := []model.Version{}
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Versions authorizes the read and returns a lazy sequence of versions,
// newest first, fetched a page at a time. Each range over the sequence
// starts again from the newest version.
func (s *Service) Versions(ctx context.Context, actor model.Actor, manuscriptID string) (_ iter.Seq2[model.Version, error], err error) {
	ctx, span := s.start(ctx, "ListVersions", attribute.String("manuscript_id", manuscriptID))
	defer func() { end(span, err) }()

	if !actor.Authenticated() {
		return nil, errAuthn()
	}
	if _, err := s.loadForAuthor(ctx, actor, manuscriptID); err != nil {
		return nil, err
	}

	return func(yield func(model.Version, error) bool) {
		before := 0
		for {
			page, err := observe(s, "list_versions", func() ([]model.Version, error) {
				return s.store.ListVersions(ctx, manuscriptID, before, versionPageSize)
			})
			if err != nil {
				yield(model.Version{}, s.storeErr(ctx, "list_versions", "manuscript", manuscriptID, err))
				return
			}
			for _, v := range page {
				if !yield(v, nil) {
					return
				}
			}
			if len(page) < versionPageSize {
				return
			}
			before = page[len(page)-1].Number
		}
	}, nil
}
