// Package workflow owns the manuscript state machine: the six lifecycle
// states, the legal transition table and the triggers allowed to drive each
// transition. It performs no I/O.
package workflow

import (
	"fmt"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
)

// Trigger identifies what caused a transition request.
type Trigger string

const (
	// TriggerDecision is an explicit editorial decision.
	TriggerDecision Trigger = "decision"
	// TriggerAssignment is editorial staff assigning the first reviewer.
	TriggerAssignment Trigger = "assignment"
	// TriggerRevision is an author uploading a new version.
	TriggerRevision Trigger = "revision"
)

// Rule is one row of the transition table.
type Rule struct {
	From     model.ManuscriptStatus
	To       model.ManuscriptStatus
	Triggers []Trigger
}

// Rules is the complete legal transition graph. Anything not listed is invalid.
var Rules = []Rule{
	{From: model.StatusSubmitted, To: model.StatusUnderReview, Triggers: []Trigger{TriggerAssignment, TriggerDecision}},
	{From: model.StatusUnderReview, To: model.StatusRevisionRequested, Triggers: []Trigger{TriggerDecision}},
	{From: model.StatusUnderReview, To: model.StatusAccepted, Triggers: []Trigger{TriggerDecision}},
	{From: model.StatusUnderReview, To: model.StatusRejected, Triggers: []Trigger{TriggerDecision}},
	{From: model.StatusRevisionRequested, To: model.StatusUnderReview, Triggers: []Trigger{TriggerRevision}},
	{From: model.StatusAccepted, To: model.StatusPublished, Triggers: []Trigger{TriggerDecision}},
}

// TransitionError reports a from/to pair (or trigger) outside the table.
type TransitionError struct {
	From    model.ManuscriptStatus
	To      model.ManuscriptStatus
	Trigger Trigger
}

func (e *TransitionError) Error() string {
	if e.Trigger != "" && e.lookup() {
		return fmt.Sprintf("transition from %s to %s cannot be triggered by %s", e.From, e.To, e.Trigger)
	}
	return fmt.Sprintf("no transition defined from %s to %s", e.From, e.To)
}

func (e *TransitionError) lookup() bool {
	_, ok := find(e.From, e.To)
	return ok
}

func find(from, to model.ManuscriptStatus) (Rule, bool) {
	for _, r := range Rules {
		if r.From == from && r.To == to {
			return r, true
		}
	}
	return Rule{}, false
}

// Validate checks that from->to is a legal transition for the trigger.
// Self-transitions are never legal.
func Validate(from, to model.ManuscriptStatus, trigger Trigger) error {
	r, ok := find(from, to)
	if !ok {
		return &TransitionError{From: from, To: to, Trigger: trigger}
	}
	for _, t := range r.Triggers {
		if t == trigger {
			return nil
		}
	}
	return &TransitionError{From: from, To: to, Trigger: trigger}
}

// Allowed lists the states reachable from the given state by any trigger.
func Allowed(from model.ManuscriptStatus) []model.ManuscriptStatus {
	var out []model.ManuscriptStatus
	for _, r := range Rules {
		if r.From == from {
			out = append(out, r.To)
		}
	}
	return out
}

// AcceptsVersion reports whether an author may append a version in this
// state. SUBMITTED replaces the file before review starts; REVISION_REQUESTED
// re-enters review.
func AcceptsVersion(s model.ManuscriptStatus) bool {
	return s == model.StatusSubmitted || s == model.StatusRevisionRequested
}

// AcceptsAssignment reports whether reviewers may be assigned in this state.
func AcceptsAssignment(s model.ManuscriptStatus) bool {
	return s == model.StatusSubmitted || s == model.StatusUnderReview
}

// Replay checks that a manuscript's history forms a valid walk of the graph
// starting at SUBMITTED, with contiguous sequence numbers.
func Replay(entries []model.StatusHistoryEntry) error {
	current := model.StatusSubmitted
	for i, e := range entries {
		if e.Seq != i+1 {
			return fmt.Errorf("history entry %d has sequence %d", i+1, e.Seq)
		}
		if e.From != current {
			return fmt.Errorf("history entry %d starts at %s, previous state was %s", e.Seq, e.From, current)
		}
		if _, ok := find(e.From, e.To); !ok {
			return &TransitionError{From: e.From, To: e.To}
		}
		current = e.To
	}
	return nil
}
