package workflow

import (
	"errors"
	"testing"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateLegalTransitions(t *testing.T) {
	cases := []struct {
		from    model.ManuscriptStatus
		to      model.ManuscriptStatus
		trigger Trigger
	}{
		{model.StatusSubmitted, model.StatusUnderReview, TriggerAssignment},
		{model.StatusSubmitted, model.StatusUnderReview, TriggerDecision},
		{model.StatusUnderReview, model.StatusRevisionRequested, TriggerDecision},
		{model.StatusUnderReview, model.StatusAccepted, TriggerDecision},
		{model.StatusUnderReview, model.StatusRejected, TriggerDecision},
		{model.StatusRevisionRequested, model.StatusUnderReview, TriggerRevision},
		{model.StatusAccepted, model.StatusPublished, TriggerDecision},
	}
	for _, tc := range cases {
		assert.NoError(t, Validate(tc.from, tc.to, tc.trigger), "%s -> %s by %s", tc.from, tc.to, tc.trigger)
	}
}

func TestValidateRejectsEverythingElse(t *testing.T) {
	legal := 0
	for _, from := range model.AllStatuses {
		for _, to := range model.AllStatuses {
			for _, trig := range []Trigger{TriggerDecision, TriggerAssignment, TriggerRevision} {
				if Validate(from, to, trig) == nil {
					legal++
					continue
				}
				var te *TransitionError
				require.True(t, errors.As(Validate(from, to, trig), &te))
				assert.Equal(t, from, te.From)
				assert.Equal(t, to, te.To)
			}
		}
	}
	// seven (from, to, trigger) combinations in the table
	assert.Equal(t, 7, legal)
}

func TestEditorCannotForceRevisionReentry(t *testing.T) {
	err := Validate(model.StatusRevisionRequested, model.StatusUnderReview, TriggerDecision)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be triggered by decision")
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range model.AllStatuses {
		assert.Equal(t, s.Terminal(), len(Allowed(s)) == 0, "state %s", s)
	}
}

func TestReplay(t *testing.T) {
	walk := []model.StatusHistoryEntry{
		{Seq: 1, From: model.StatusSubmitted, To: model.StatusUnderReview},
		{Seq: 2, From: model.StatusUnderReview, To: model.StatusRevisionRequested},
		{Seq: 3, From: model.StatusRevisionRequested, To: model.StatusUnderReview},
		{Seq: 4, From: model.StatusUnderReview, To: model.StatusAccepted},
		{Seq: 5, From: model.StatusAccepted, To: model.StatusPublished},
	}
	require.NoError(t, Replay(walk))
	require.NoError(t, Replay(nil))

	broken := append([]model.StatusHistoryEntry(nil), walk[:2]...)
	broken = append(broken, model.StatusHistoryEntry{Seq: 3, From: model.StatusUnderReview, To: model.StatusAccepted})
	assert.Error(t, Replay(broken))

	gap := []model.StatusHistoryEntry{{Seq: 2, From: model.StatusSubmitted, To: model.StatusUnderReview}}
	assert.Error(t, Replay(gap))
}

func TestAcceptsVersionAndAssignment(t *testing.T) {
	assert.True(t, AcceptsVersion(model.StatusSubmitted))
	assert.True(t, AcceptsVersion(model.StatusRevisionRequested))
	assert.False(t, AcceptsVersion(model.StatusUnderReview))
	assert.False(t, AcceptsVersion(model.StatusPublished))
	assert.True(t, AcceptsAssignment(model.StatusUnderReview))
	assert.False(t, AcceptsAssignment(model.StatusAccepted))
}
