// internal/storage/memory.go
// In-memory implementation of the Store interface, used for development and tests.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
)

type assignmentKey struct {
	manuscriptID string
	reviewerID   string
	round        int
}

// memory implements the Store interface using in-memory maps.
// A single mutex serializes every unit, which makes each unit atomic;
// the compare-and-swap checks still reject callers working from stale reads.
type memory struct {
	mu          sync.RWMutex
	manuscripts map[string]*model.Manuscript
	order       []string // manuscript ids in submission order
	versions    map[string][]model.Version
	history     map[string][]model.StatusHistoryEntry
	assignments map[string]*model.ReviewAssignment
	assignOrder []string
	assignIndex map[assignmentKey]string
	reviews     map[string]*model.Review // keyed by assignment id
	outbox      map[string]*model.OutboxEvent
	outboxOrder []string
	closed      bool
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		manuscripts: make(map[string]*model.Manuscript),
		versions:    make(map[string][]model.Version),
		history:     make(map[string][]model.StatusHistoryEntry),
		assignments: make(map[string]*model.ReviewAssignment),
		assignIndex: make(map[assignmentKey]string),
		reviews:     make(map[string]*model.Review),
		outbox:      make(map[string]*model.OutboxEvent),
	}
}

func (m *memory) CreateManuscript(ctx context.Context, ms model.Manuscript, first model.Version, events []model.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.manuscripts[ms.ID]; exists {
		return ErrConflict
	}
	if first.Number != 1 || ms.VersionCount != 1 {
		return fmt.Errorf("first version must be number 1, got %d", first.Number)
	}
	m.manuscripts[ms.ID] = cloneManuscript(&ms)
	m.order = append(m.order, ms.ID)
	m.versions[ms.ID] = []model.Version{first}
	m.enqueue(events)
	return nil
}

func (m *memory) GetManuscript(ctx context.Context, id string) (*model.Manuscript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.manuscripts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneManuscript(ms), nil
}

func (m *memory) ListManuscripts(ctx context.Context, filter model.ManuscriptFilter) ([]model.Manuscript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []model.Manuscript{}
	for _, id := range m.order {
		ms := m.manuscripts[id]
		if filter.JournalID != "" && ms.JournalID != filter.JournalID {
			continue
		}
		if filter.Status != "" && ms.Status != filter.Status {
			continue
		}
		out = append(out, *cloneManuscript(ms))
	}
	return out, nil
}

func (m *memory) AppendVersion(ctx context.Context, p AppendVersionParams) (*model.Manuscript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.manuscripts[p.Version.ManuscriptID]
	if !ok {
		return nil, ErrNotFound
	}
	if ms.VersionCount != p.ExpectedCount || p.Version.Number != p.ExpectedCount+1 {
		return nil, ErrConflict
	}
	if ms.Status != p.ExpectedStatus {
		return nil, ErrStaleState
	}
	if p.Transition != nil && p.Transition.From != ms.Status {
		return nil, ErrStaleState
	}
	seat := -1
	if p.Claim != nil {
		i, err := claimSeat(ms.Authors, *p.Claim)
		if err != nil {
			return nil, err
		}
		seat = i
	}

	m.versions[ms.ID] = append(m.versions[ms.ID], p.Version)
	if seat >= 0 {
		ms.Authors[seat].UserID = p.Claim.UserID
	}
	ms.VersionCount = p.Version.Number
	ms.UpdatedAt = p.Version.SubmittedAt
	if p.Transition != nil {
		m.applyLocked(ms, *p.Transition)
	}
	m.enqueue(p.Events)
	return cloneManuscript(ms), nil
}

func (m *memory) ListVersions(ctx context.Context, manuscriptID string, before, limit int) ([]model.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.manuscripts[manuscriptID]; !ok {
		return nil, ErrNotFound
	}
	all := m.versions[manuscriptID]
	out := []model.Version{}
	for i := len(all) - 1; i >= 0; i-- {
		v := all[i]
		if before > 0 && v.Number >= before {
			continue
		}
		out = append(out, v)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memory) ApplyTransition(ctx context.Context, p TransitionParams) (*model.Manuscript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.manuscripts[p.ManuscriptID]
	if !ok {
		return nil, ErrNotFound
	}
	if ms.Status != p.Change.From {
		return nil, ErrStaleState
	}
	m.applyLocked(ms, p.Change)
	m.enqueue(p.Events)
	return cloneManuscript(ms), nil
}

// applyLocked writes the status change and its history entry. Caller holds mu.
func (m *memory) applyLocked(ms *model.Manuscript, c StatusChange) {
	at := changeTime(c)
	applyChange(ms, c, at)
	entry := c.Entry
	entry.ManuscriptID = ms.ID
	entry.From = c.From
	entry.To = c.To
	entry.CreatedAt = at
	entry.Seq = len(m.history[ms.ID]) + 1
	m.history[ms.ID] = append(m.history[ms.ID], entry)
}

func (m *memory) ListHistory(ctx context.Context, manuscriptID string) ([]model.StatusHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.manuscripts[manuscriptID]; !ok {
		return nil, ErrNotFound
	}
	return append([]model.StatusHistoryEntry{}, m.history[manuscriptID]...), nil
}

func (m *memory) CreateAssignment(ctx context.Context, p CreateAssignmentParams) (*model.Manuscript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := p.Assignment
	ms, ok := m.manuscripts[a.ManuscriptID]
	if !ok {
		return nil, ErrNotFound
	}
	if ms.Status != p.ExpectedStatus || ms.Round != a.Round {
		return nil, ErrStaleState
	}
	if p.Transition != nil && p.Transition.From != ms.Status {
		return nil, ErrStaleState
	}
	key := assignmentKey{manuscriptID: a.ManuscriptID, reviewerID: a.ReviewerID, round: a.Round}
	if _, dup := m.assignIndex[key]; dup {
		return nil, ErrDuplicate
	}

	cp := a
	m.assignments[a.ID] = &cp
	m.assignOrder = append(m.assignOrder, a.ID)
	m.assignIndex[key] = a.ID
	if p.Transition != nil {
		m.applyLocked(ms, *p.Transition)
	}
	m.enqueue(p.Events)
	return cloneManuscript(ms), nil
}

func (m *memory) GetAssignment(ctx context.Context, id string) (*model.ReviewAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assignments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memory) ListAssignments(ctx context.Context, filter model.AssignmentFilter) ([]model.ReviewAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []model.ReviewAssignment{}
	for _, id := range m.assignOrder {
		a := m.assignments[id]
		if filter.ManuscriptID != "" && a.ManuscriptID != filter.ManuscriptID {
			continue
		}
		if filter.ReviewerID != "" && a.ReviewerID != filter.ReviewerID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Round > 0 && a.Round != filter.Round {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (m *memory) ListPendingReviews(ctx context.Context, journalID string) ([]model.ReviewAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []model.ReviewAssignment{}
	for _, id := range m.assignOrder {
		a := m.assignments[id]
		if a.Status != model.AssignmentSubmitted {
			continue
		}
		if journalID != "" && a.JournalID != journalID {
			continue
		}
		ms := m.manuscripts[a.ManuscriptID]
		if ms == nil || ms.Status != model.StatusUnderReview || ms.Round != a.Round {
			continue
		}
		out = append(out, *a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return submittedAt(out[i]).Before(submittedAt(out[j]))
	})
	return out, nil
}

func submittedAt(a model.ReviewAssignment) time.Time {
	if a.SubmittedAt == nil {
		return time.Time{}
	}
	return *a.SubmittedAt
}

func (m *memory) SubmitReview(ctx context.Context, p SubmitReviewParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := p.Review
	a, ok := m.assignments[r.AssignmentID]
	if !ok {
		return ErrNotFound
	}
	if a.Status != model.AssignmentPending {
		return ErrAlreadySubmitted
	}
	if _, exists := m.reviews[r.AssignmentID]; exists {
		return ErrAlreadySubmitted
	}
	at := r.CompletedAt
	a.Status = model.AssignmentSubmitted
	a.SubmittedAt = &at
	cp := r
	m.reviews[r.AssignmentID] = &cp
	m.enqueue(p.Events)
	return nil
}

func (m *memory) ValidateReview(ctx context.Context, p ValidateReviewParams) (*model.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reviews[p.AssignmentID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status == model.ReviewValidated {
		return nil, ErrAlreadyValidated
	}
	cp := *r
	applyValidation(&cp, p)
	m.reviews[p.AssignmentID] = &cp
	m.enqueue(p.Events)
	out := cp
	return &out, nil
}

func (m *memory) GetReview(ctx context.Context, assignmentID string) (*model.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reviews[assignmentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memory) ListReviews(ctx context.Context, filter ReviewFilter) ([]model.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []model.Review{}
	for _, id := range m.assignOrder {
		r, ok := m.reviews[id]
		if !ok {
			continue
		}
		if filter.ManuscriptID != "" && r.ManuscriptID != filter.ManuscriptID {
			continue
		}
		if filter.ReviewerID != "" && r.ReviewerID != filter.ReviewerID {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

// enqueue appends outbox events. Caller holds mu.
func (m *memory) enqueue(events []model.OutboxEvent) {
	for _, e := range events {
		cp := e
		cp.Effects = append([]model.Effect(nil), e.Effects...)
		m.outbox[e.ID] = &cp
		m.outboxOrder = append(m.outboxOrder, e.ID)
	}
}

func (m *memory) ListOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []model.OutboxEvent{}
	for _, id := range m.outboxOrder {
		e := m.outbox[id]
		if !e.Pending() {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memory) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.outbox[id]
	if !ok {
		return ErrNotFound
	}
	e.DeliveredAt = &at
	e.LastError = ""
	return nil
}

func (m *memory) RecordAttempt(ctx context.Context, id, lastError string, park bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.outbox[id]
	if !ok {
		return ErrNotFound
	}
	e.Attempts++
	e.LastError = lastError
	if park {
		e.ParkedAt = &at
	}
	return nil
}

func (m *memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store closed")
	}
	return nil
}

func (m *memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
