package storage

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns every store implementation available in this environment.
// PostgreSQL joins the set when EDITORIAL_TEST_PG_DSN is set.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	out := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLite("", nil)
			require.NoError(t, err)
			return s
		},
	}
	if dsn := os.Getenv("EDITORIAL_TEST_PG_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgres(dsn)
			require.NoError(t, err)
			return s
		}
	}
	return out
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedManuscript(t *testing.T, s Store, journalID string) *model.Manuscript {
	t.Helper()
	id := uuid.NewString()
	m := model.Manuscript{
		ID:           id,
		JournalID:    journalID,
		Title:        "On the Stability of Ledgers",
		Status:       model.StatusSubmitted,
		Round:        1,
		VersionCount: 1,
		SubmittedBy:  "user-author",
		SubmittedAt:  baseTime,
		UpdatedAt:    baseTime,
		Authors: []model.Author{
			{ID: uuid.NewString(), ManuscriptID: id, Position: 1, Name: "Ada", Email: "ada@example.org", UserID: "user-author", Corresponding: true},
			{ID: uuid.NewString(), ManuscriptID: id, Position: 2, Name: "Bo", Email: "bo@example.org"},
		},
	}
	first := model.Version{ManuscriptID: id, Number: 1, FileRef: "s3://bucket/v1.pdf", SubmittedBy: "user-author", SubmittedAt: baseTime}
	events := []model.OutboxEvent{{
		ID:           ulid.Make().String(),
		Type:         model.EventManuscriptSubmitted,
		ManuscriptID: id,
		CreatedAt:    baseTime,
	}}
	require.NoError(t, s.CreateManuscript(context.Background(), m, first, events))
	got, err := s.GetManuscript(context.Background(), id)
	require.NoError(t, err)
	return got
}

func change(from, to model.ManuscriptStatus, at time.Time) StatusChange {
	return StatusChange{
		From:  from,
		To:    to,
		Entry: model.StatusHistoryEntry{ID: uuid.NewString(), ActorID: "user-editor", CreatedAt: at},
	}
}

func assign(t *testing.T, s Store, m *model.Manuscript, reviewerID string, transition *StatusChange) (*model.ReviewAssignment, error) {
	t.Helper()
	a := model.ReviewAssignment{
		ID:           uuid.NewString(),
		ManuscriptID: m.ID,
		JournalID:    m.JournalID,
		ReviewerID:   reviewerID,
		Round:        m.Round,
		AssignedBy:   "user-editor",
		AssignedAt:   baseTime.Add(time.Hour),
		Priority:     model.PriorityNormal,
		Status:       model.AssignmentPending,
	}
	_, err := s.CreateAssignment(context.Background(), CreateAssignmentParams{
		Assignment:     a,
		ExpectedStatus: m.Status,
		Transition:     transition,
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func TestCreateAndGetManuscript(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := seedManuscript(t, s, "journal-"+uuid.NewString())

		assert.Equal(t, model.StatusSubmitted, m.Status)
		assert.Equal(t, 1, m.VersionCount)
		require.Len(t, m.Authors, 2)
		assert.Equal(t, "user-author", m.Authors[0].UserID)
		assert.False(t, m.Authors[1].Claimed())

		versions, err := s.ListVersions(ctx, m.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, versions, 1)
		assert.Equal(t, 1, versions[0].Number)

		history, err := s.ListHistory(ctx, m.ID)
		require.NoError(t, err)
		assert.Empty(t, history)

		_, err = s.GetManuscript(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAppendVersionClaimsAuthor(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := seedManuscript(t, s, "journal-"+uuid.NewString())
		coAuthor := m.Authors[1]
		version := func(n int) model.Version {
			return model.Version{ManuscriptID: m.ID, Number: n, FileRef: "s3://bucket/claim.pdf", SubmittedAt: baseTime.Add(time.Duration(n) * time.Minute)}
		}

		// a failed append leaves the seat unbound
		_, err := s.AppendVersion(ctx, AppendVersionParams{
			Version: version(2), ExpectedCount: 1, ExpectedStatus: model.StatusUnderReview,
			Claim: &AuthorClaim{AuthorID: coAuthor.ID, UserID: "user-bo"},
		})
		assert.ErrorIs(t, err, ErrStaleState)
		got, err := s.GetManuscript(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "", got.Authors[1].UserID)

		out, err := s.AppendVersion(ctx, AppendVersionParams{
			Version: version(2), ExpectedCount: 1, ExpectedStatus: model.StatusSubmitted,
			Claim: &AuthorClaim{AuthorID: coAuthor.ID, UserID: "user-bo"},
		})
		require.NoError(t, err)
		assert.Equal(t, "user-bo", out.Authors[1].UserID)

		// idempotent for the same user
		_, err = s.AppendVersion(ctx, AppendVersionParams{
			Version: version(3), ExpectedCount: 2, ExpectedStatus: model.StatusSubmitted,
			Claim: &AuthorClaim{AuthorID: coAuthor.ID, UserID: "user-bo"},
		})
		require.NoError(t, err)

		_, err = s.AppendVersion(ctx, AppendVersionParams{
			Version: version(4), ExpectedCount: 3, ExpectedStatus: model.StatusSubmitted,
			Claim: &AuthorClaim{AuthorID: coAuthor.ID, UserID: "user-other"},
		})
		assert.ErrorIs(t, err, ErrAuthorClaimed)
		_, err = s.AppendVersion(ctx, AppendVersionParams{
			Version: version(4), ExpectedCount: 3, ExpectedStatus: model.StatusSubmitted,
			Claim: &AuthorClaim{AuthorID: "no-such-author", UserID: "user-bo"},
		})
		assert.ErrorIs(t, err, ErrNotFound)

		got, err = s.GetManuscript(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "user-bo", got.Authors[1].UserID)
		assert.Equal(t, 3, got.VersionCount)
	})
}

func TestAppendVersionCompareAndSwap(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := seedManuscript(t, s, "journal-"+uuid.NewString())

		v2 := model.Version{ManuscriptID: m.ID, Number: 2, FileRef: "s3://bucket/v2.pdf", SubmittedAt: baseTime.Add(time.Minute)}
		got, err := s.AppendVersion(ctx, AppendVersionParams{Version: v2, ExpectedCount: 1, ExpectedStatus: model.StatusSubmitted})
		require.NoError(t, err)
		assert.Equal(t, 2, got.VersionCount)

		// stale count
		_, err = s.AppendVersion(ctx, AppendVersionParams{Version: v2, ExpectedCount: 1, ExpectedStatus: model.StatusSubmitted})
		assert.ErrorIs(t, err, ErrConflict)

		// stale status
		v3 := model.Version{ManuscriptID: m.ID, Number: 3, SubmittedAt: baseTime.Add(2 * time.Minute)}
		_, err = s.AppendVersion(ctx, AppendVersionParams{Version: v3, ExpectedCount: 2, ExpectedStatus: model.StatusRevisionRequested})
		assert.ErrorIs(t, err, ErrStaleState)

		versions, err := s.ListVersions(ctx, m.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, 2, versions[0].Number, "versions are listed newest first")
	})
}

func TestConcurrentAppendsYieldContiguousNumbers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := seedManuscript(t, s, "journal-"+uuid.NewString())

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					cur, err := s.GetManuscript(ctx, m.ID)
					if err != nil {
						errs <- err
						return
					}
					_, err = s.AppendVersion(ctx, AppendVersionParams{
						Version:        model.Version{ManuscriptID: m.ID, Number: cur.VersionCount + 1, SubmittedAt: time.Now().UTC()},
						ExpectedCount:  cur.VersionCount,
						ExpectedStatus: cur.Status,
					})
					if errors.Is(err, ErrConflict) {
						continue
					}
					errs <- err
					return
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		versions, err := s.ListVersions(ctx, m.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, versions, writers+1)
		numbers := make([]int, 0, len(versions))
		for _, v := range versions {
			numbers = append(numbers, v.Number)
		}
		sort.Ints(numbers)
		for i, n := range numbers {
			assert.Equal(t, i+1, n)
		}
	})
}

func TestListVersionsPaging(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := seedManuscript(t, s, "journal-"+uuid.NewString())
		for n := 2; n <= 5; n++ {
			_, err := s.AppendVersion(ctx, AppendVersionParams{
				Version:        model.Version{ManuscriptID: m.ID, Number: n, SubmittedAt: baseTime.Add(time.Duration(n) * time.Minute)},
				ExpectedCount:  n - 1,
				ExpectedStatus: model.StatusSubmitted,
			})
			require.NoError(t, err)
		}

		page, err := s.ListVersions(ctx, m.ID, 0, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, []int{5, 4}, []int{page[0].Number, page[1].Number})

		page, err = s.ListVersions(ctx, m.ID, 4, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, []int{3, 2}, []int{page[0].Number, page[1].Number})

		_, err = s.ListVersions(ctx, "missing", 0, 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestApplyTransitionRecordsHistory(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := seedManuscript(t, s, "journal-"+uuid.NewString())

		to := change(model.StatusSubmitted, model.StatusUnderReview, baseTime.Add(time.Hour))
		_, err := assign(t, s, m, "user-reviewer", &to)
		require.NoError(t, err)

		rev := change(model.StatusUnderReview, model.StatusRevisionRequested, baseTime.Add(2*time.Hour))
		got, err := s.ApplyTransition(ctx, TransitionParams{ManuscriptID: m.ID, Change: rev})
		require.NoError(t, err)
		assert.Equal(t, model.StatusRevisionRequested, got.Status)

		// second writer still believes UNDER_REVIEW
		_, err = s.ApplyTransition(ctx, TransitionParams{ManuscriptID: m.ID, Change: change(model.StatusUnderReview, model.StatusAccepted, baseTime.Add(3*time.Hour))})
		assert.ErrorIs(t, err, ErrStaleState)

		back := change(model.StatusRevisionRequested, model.StatusUnderReview, baseTime.Add(4*time.Hour))
		back.IncrementRound = true
		got, err = s.AppendVersion(ctx, AppendVersionParams{
			Version:        model.Version{ManuscriptID: m.ID, Number: 2, SubmittedAt: baseTime.Add(4 * time.Hour)},
			ExpectedCount:  1,
			ExpectedStatus: model.StatusRevisionRequested,
			Transition:     &back,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, got.Round)
		assert.Equal(t, model.StatusUnderReview, got.Status)

		acceptedAt := baseTime.Add(5 * time.Hour)
		acc := change(model.StatusUnderReview, model.StatusAccepted, acceptedAt)
		acc.AcceptedAt = &acceptedAt
		got, err = s.ApplyTransition(ctx, TransitionParams{ManuscriptID: m.ID, Change: acc})
		require.NoError(t, err)
		require.NotNil(t, got.AcceptedAt)
		assert.True(t, got.AcceptedAt.Equal(acceptedAt))

		history, err := s.ListHistory(ctx, m.ID)
		require.NoError(t, err)
		require.Len(t, history, 4)
		prev := model.StatusSubmitted
		for i, h := range history {
			assert.Equal(t, i+1, h.Seq)
			assert.Equal(t, prev, h.From)
			prev = h.To
		}
		assert.Equal(t, model.StatusAccepted, prev)
	})
}

func TestDuplicateAssignmentRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := seedManuscript(t, s, "journal-"+uuid.NewString())

		to := change(model.StatusSubmitted, model.StatusUnderReview, baseTime.Add(time.Hour))
		_, err := assign(t, s, m, "user-reviewer", &to)
		require.NoError(t, err)

		m, err = s.GetManuscript(ctx, m.ID)
		require.NoError(t, err)
		_, err = assign(t, s, m, "user-reviewer", nil)
		assert.ErrorIs(t, err, ErrDuplicate)

		_, err = assign(t, s, m, "user-second", nil)
		require.NoError(t, err)

		list, err := s.ListAssignments(ctx, model.AssignmentFilter{ManuscriptID: m.ID})
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})
}

func TestAssignmentRequiresCurrentRound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		m := seedManuscript(t, s, "journal-"+uuid.NewString())
		m.Round = 2
		_, err := assign(t, s, m, "user-reviewer", nil)
		assert.ErrorIs(t, err, ErrStaleState)
	})
}

func TestSubmitReviewOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		journal := "journal-" + uuid.NewString()
		m := seedManuscript(t, s, journal)
		to := change(model.StatusSubmitted, model.StatusUnderReview, baseTime.Add(time.Hour))
		a, err := assign(t, s, m, "user-reviewer", &to)
		require.NoError(t, err)

		review := model.Review{
			ID:             uuid.NewString(),
			AssignmentID:   a.ID,
			ManuscriptID:   m.ID,
			ReviewerID:     "user-reviewer",
			Round:          1,
			Rating:         4,
			Recommendation: model.RecommendMinorRevision,
			Status:         model.ReviewCompleted,
			CompletedAt:    baseTime.Add(48 * time.Hour),
		}
		require.NoError(t, s.SubmitReview(ctx, SubmitReviewParams{Review: review}))

		review.ID = uuid.NewString()
		assert.ErrorIs(t, s.SubmitReview(ctx, SubmitReviewParams{Review: review}), ErrAlreadySubmitted)

		review.AssignmentID = "missing"
		assert.ErrorIs(t, s.SubmitReview(ctx, SubmitReviewParams{Review: review}), ErrNotFound)

		got, err := s.GetAssignment(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AssignmentSubmitted, got.Status)
		require.NotNil(t, got.SubmittedAt)

		r, err := s.GetReview(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, r.Rating)

		pending, err := s.ListPendingReviews(ctx, journal)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, a.ID, pending[0].ID)

		// a decision closes the round, so the review is no longer pending a decision
		_, err = s.ApplyTransition(ctx, TransitionParams{ManuscriptID: m.ID, Change: change(model.StatusUnderReview, model.StatusRejected, baseTime.Add(72*time.Hour))})
		require.NoError(t, err)
		pending, err = s.ListPendingReviews(ctx, journal)
		require.NoError(t, err)
		assert.Empty(t, pending)

		reviews, err := s.ListReviews(ctx, ReviewFilter{ManuscriptID: m.ID})
		require.NoError(t, err)
		assert.Len(t, reviews, 1)
	})
}

func TestValidateReview(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := seedManuscript(t, s, "journal-"+uuid.NewString())
		to := change(model.StatusSubmitted, model.StatusUnderReview, baseTime.Add(time.Hour))
		a, err := assign(t, s, m, "user-reviewer", &to)
		require.NoError(t, err)

		_, err = s.ValidateReview(ctx, ValidateReviewParams{AssignmentID: a.ID, Status: model.ReviewValidated, ValidatedBy: "user-editor", ValidatedAt: baseTime})
		assert.ErrorIs(t, err, ErrNotFound, "no review submitted yet")

		require.NoError(t, s.SubmitReview(ctx, SubmitReviewParams{Review: model.Review{
			ID: uuid.NewString(), AssignmentID: a.ID, ManuscriptID: m.ID, ReviewerID: "user-reviewer",
			Round: 1, Rating: 3, CommentsToEditor: "thin", Recommendation: model.RecommendReject,
			Status: model.ReviewCompleted, CompletedAt: baseTime.Add(2 * time.Hour),
		}}))

		rejectedAt := baseTime.Add(3 * time.Hour)
		r, err := s.ValidateReview(ctx, ValidateReviewParams{
			AssignmentID: a.ID, Status: model.ReviewRejected, RejectionReason: "no evidence given",
			ValidatedBy: "user-editor", ValidatedAt: rejectedAt,
			Events: []model.OutboxEvent{{ID: ulid.Make().String(), Type: model.EventReviewValidated, ManuscriptID: m.ID, CreatedAt: rejectedAt}},
		})
		require.NoError(t, err)
		assert.Equal(t, model.ReviewRejected, r.Status)
		assert.Equal(t, "no evidence given", r.RejectionReason)

		// a rejected report may still be validated; the reason is cleared
		validatedAt := baseTime.Add(4 * time.Hour)
		_, err = s.ValidateReview(ctx, ValidateReviewParams{AssignmentID: a.ID, Status: model.ReviewValidated, ValidatedBy: "user-chief", ValidatedAt: validatedAt})
		require.NoError(t, err)

		_, err = s.ValidateReview(ctx, ValidateReviewParams{AssignmentID: a.ID, Status: model.ReviewRejected, RejectionReason: "late", ValidatedBy: "user-editor", ValidatedAt: validatedAt})
		assert.ErrorIs(t, err, ErrAlreadyValidated)

		got, err := s.GetReview(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ReviewValidated, got.Status)
		assert.Empty(t, got.RejectionReason)
		assert.Equal(t, "user-chief", got.ValidatedBy)
		require.NotNil(t, got.ValidatedAt)
		assert.True(t, got.ValidatedAt.Equal(validatedAt))

		events, err := s.ListOutbox(ctx, 0)
		require.NoError(t, err)
		var validated int
		for _, e := range events {
			if e.Type == model.EventReviewValidated {
				validated++
			}
		}
		assert.Equal(t, 1, validated)
	})
}

func TestOutboxDeliveryStates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := seedManuscript(t, s, "journal-"+uuid.NewString())

		notify := model.Effect{Kind: model.EffectNotification, Notification: &model.Notification{RecipientUserID: "user-author", Title: "Decision"}}
		ev := model.OutboxEvent{
			ID:           ulid.Make().String(),
			Type:         model.EventStatusChanged,
			ManuscriptID: m.ID,
			Payload:      []byte(`{"to":"UNDER_REVIEW"}`),
			Effects:      []model.Effect{notify},
			CreatedAt:    baseTime.Add(time.Hour),
		}
		_, err := s.ApplyTransition(ctx, TransitionParams{
			ManuscriptID: m.ID,
			Change:       change(model.StatusSubmitted, model.StatusRejected, baseTime.Add(time.Hour)),
			Events:       []model.OutboxEvent{ev},
		})
		require.NoError(t, err)

		pending := outboxFor(t, s, m.ID)
		require.Len(t, pending, 2)
		assert.Equal(t, model.EventManuscriptSubmitted, pending[0].Type, "events drain oldest first")
		assert.Equal(t, model.EventStatusChanged, pending[1].Type)
		require.Len(t, pending[1].NotificationEffects(), 1)
		assert.Equal(t, "Decision", pending[1].NotificationEffects()[0].Title)

		now := baseTime.Add(2 * time.Hour)
		require.NoError(t, s.MarkDelivered(ctx, pending[0].ID, now))
		require.NoError(t, s.RecordAttempt(ctx, pending[1].ID, "smtp down", false, now))

		pending = outboxFor(t, s, m.ID)
		require.Len(t, pending, 1)
		assert.Equal(t, 1, pending[0].Attempts)
		assert.Equal(t, "smtp down", pending[0].LastError)

		require.NoError(t, s.RecordAttempt(ctx, pending[0].ID, "smtp down", true, now))
		assert.Empty(t, outboxFor(t, s, m.ID))

		assert.ErrorIs(t, s.MarkDelivered(ctx, "missing", now), ErrNotFound)
	})
}

func outboxFor(t *testing.T, s Store, manuscriptID string) []model.OutboxEvent {
	t.Helper()
	all, err := s.ListOutbox(context.Background(), 1000)
	require.NoError(t, err)
	var out []model.OutboxEvent
	for _, e := range all {
		if e.ManuscriptID == manuscriptID {
			out = append(out, e)
		}
	}
	return out
}

func TestPingAfterClose(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}
