package rotation

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// InMemoryStore is a dev/test Store. A single mutex makes every operation,
// Rotate included, linearizable.
type InMemoryStore struct {
	mu      sync.Mutex
	clubs   map[string]Club
	active  map[string]ActiveItem            // club id -> active item
	history map[string][]ActiveItem          // club id -> archived items, archive order
	queues  map[string]map[string]Suggestion // club id -> submitter id -> suggestion
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		clubs:   make(map[string]Club),
		active:  make(map[string]ActiveItem),
		history: make(map[string][]ActiveItem),
		queues:  make(map[string]map[string]Suggestion),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// PutClub creates or replaces a club record. Club management is outside the
// engine; this exists for dev mode and tests.
func (s *InMemoryStore) PutClub(c Club) error {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	s.clubs[c.ID] = c
	s.mu.Unlock()
	return nil
}

// GetClub implements Store.
func (s *InMemoryStore) GetClub(ctx context.Context, clubID string) (Club, error) {
	if err := ctx.Err(); err != nil {
		return Club{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clubs[clubID]
	if !ok {
		return Club{}, ErrNotFound
	}
	return c, nil
}

// ListClubIDs implements Store.
func (s *InMemoryStore) ListClubIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]string, 0, len(s.clubs))
	for id := range s.clubs {
		out = append(out, id)
	}
	s.mu.Unlock()

	sort.Strings(out)
	return out, nil
}

// GetActiveItem implements Store.
func (s *InMemoryStore) GetActiveItem(ctx context.Context, clubID string) (ActiveItem, bool, error) {
	if err := ctx.Err(); err != nil {
		return ActiveItem{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.active[clubID]
	if !ok {
		return ActiveItem{}, false, nil
	}
	return a.clone(), true, nil
}

// ListHistory implements Store. Newest archive first.
func (s *InMemoryStore) ListHistory(ctx context.Context, clubID string, limit int) ([]ActiveItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampHistoryLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.history[clubID]
	out := make([]ActiveItem, 0, min(limit, len(h)))
	for i := len(h) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h[i].clone())
	}
	return out, nil
}

// PeekSuggestion implements Store.
func (s *InMemoryStore) PeekSuggestion(ctx context.Context, clubID string) (Suggestion, bool, error) {
	if err := ctx.Err(); err != nil {
		return Suggestion{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		head  Suggestion
		found bool
	)
	for _, sg := range s.queues[clubID] {
		if !found || queuedBefore(sg, head) {
			head, found = sg, true
		}
	}
	return head, found, nil
}

// ListSuggestions implements Store. FIFO order.
func (s *InMemoryStore) ListSuggestions(ctx context.Context, clubID string) ([]Suggestion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	q := s.queues[clubID]
	out := make([]Suggestion, 0, len(q))
	for _, sg := range q {
		out = append(out, sg)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return queuedBefore(out[i], out[j]) })
	return out, nil
}

// UpsertSuggestion implements Store.
func (s *InMemoryStore) UpsertSuggestion(ctx context.Context, sg Suggestion) (Suggestion, error) {
	if err := ctx.Err(); err != nil {
		return Suggestion{}, err
	}
	if err := sg.Validate(); err != nil {
		return Suggestion{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clubs[sg.ClubID]; !ok {
		return Suggestion{}, ErrNotFound
	}
	q := s.queues[sg.ClubID]
	if q == nil {
		q = make(map[string]Suggestion)
		s.queues[sg.ClubID] = q
	}
	q[sg.SubmitterID] = sg
	return sg, nil
}

// DeleteSuggestion implements Store.
func (s *InMemoryStore) DeleteSuggestion(ctx context.Context, clubID, suggestionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteSuggestionLocked(clubID, suggestionID), nil
}

func (s *InMemoryStore) deleteSuggestionLocked(clubID, suggestionID string) bool {
	q := s.queues[clubID]
	for submitter, sg := range q {
		if sg.ID == suggestionID {
			delete(q, submitter)
			return true
		}
	}
	return false
}

// DeleteSuggestionBySubmitter implements Store.
func (s *InMemoryStore) DeleteSuggestionBySubmitter(ctx context.Context, clubID, submitterID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[clubID]
	if _, ok := q[submitterID]; !ok {
		return false, nil
	}
	delete(q, submitterID)
	return true, nil
}

// Rotate implements Store.
func (s *InMemoryStore) Rotate(ctx context.Context, in RotateRecord) (RotateOutcome, error) {
	if err := ctx.Err(); err != nil {
		return RotateOutcome{}, err
	}
	if err := in.validate(); err != nil {
		return RotateOutcome{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clubs[in.ClubID]; !ok {
		return RotateOutcome{}, ErrNotFound
	}

	cur, hasCur := s.active[in.ClubID]
	curID := ""
	if hasCur {
		curID = cur.ID
	}
	if curID != in.ExpectedActiveID {
		return RotateOutcome{}, ErrConflict
	}
	if in.SuggestionID != "" && !s.deleteSuggestionLocked(in.ClubID, in.SuggestionID) {
		return RotateOutcome{}, ErrConflict
	}

	var out RotateOutcome
	if hasCur {
		if err := cur.Archive(in.Now); err != nil {
			return RotateOutcome{}, err
		}
		s.history[in.ClubID] = append(s.history[in.ClubID], cur)
		delete(s.active, in.ClubID)
		archived := cur.clone()
		out.Archived = &archived
	}
	if in.NewItem != nil {
		item := in.NewItem.clone()
		s.active[in.ClubID] = item
		inserted := item.clone()
		out.Inserted = &inserted
	}
	return out, nil
}
