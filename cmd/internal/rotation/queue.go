package rotation

import (
	"context"
	"strings"
	"time"

	"clubrotor/cmd/internal/ids"

	"github.com/jonboulle/clockwork"
)

const maxDequeueAttempts = 3

// EnqueueInput describes a member's nomination.
type EnqueueInput struct {
	ClubID        string
	ExternalRef   string
	SubmitterID   string
	SubmitterName string
}

// Queue is the per-club FIFO of pending suggestions.
type Queue struct {
	store Store
	clock clockwork.Clock
	newID func(time.Time) (string, error)
}

// NewQueue constructs a Queue. A nil clock uses the real clock.
func NewQueue(store Store, clock clockwork.Clock) (*Queue, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue{store: store, clock: clock, newID: ids.NewULID}, nil
}

// Peek returns the head of the club's queue without removing it.
func (q *Queue) Peek(ctx context.Context, clubID string) (Suggestion, bool, error) {
	clubID = strings.TrimSpace(clubID)
	if clubID == "" {
		return Suggestion{}, false, opError("queue.Peek", clubID, ErrInvalidInput)
	}
	s, ok, err := q.store.PeekSuggestion(ctx, clubID)
	if err != nil {
		return Suggestion{}, false, opError("queue.Peek", clubID, err)
	}
	return s, ok, nil
}

// Dequeue removes and returns the head of the club's queue.
//
// Removal is a conditional delete keyed on the head's id, so among concurrent
// callers exactly one observes a given suggestion as dequeued; losers re-peek.
func (q *Queue) Dequeue(ctx context.Context, clubID string) (Suggestion, bool, error) {
	const op = "queue.Dequeue"

	clubID = strings.TrimSpace(clubID)
	if clubID == "" {
		return Suggestion{}, false, opError(op, clubID, ErrInvalidInput)
	}

	for attempt := 0; attempt < maxDequeueAttempts; attempt++ {
		head, ok, err := q.store.PeekSuggestion(ctx, clubID)
		if err != nil {
			return Suggestion{}, false, opError(op, clubID, err)
		}
		if !ok {
			return Suggestion{}, false, nil
		}
		deleted, err := q.store.DeleteSuggestion(ctx, clubID, head.ID)
		if err != nil {
			return Suggestion{}, false, opError(op, clubID, err)
		}
		if deleted {
			return head, true, nil
		}
	}
	return Suggestion{}, false, opError(op, clubID, ErrConflict)
}

// Enqueue adds a suggestion, replacing the submitter's pending one if any.
// The replacement gets a fresh id and joins the back of the queue.
func (q *Queue) Enqueue(ctx context.Context, in EnqueueInput) (Suggestion, error) {
	const op = "queue.Enqueue"

	in.ClubID = strings.TrimSpace(in.ClubID)
	in.ExternalRef = strings.TrimSpace(in.ExternalRef)
	in.SubmitterID = strings.TrimSpace(in.SubmitterID)
	in.SubmitterName = strings.TrimSpace(in.SubmitterName)

	now := q.clock.Now().UTC()
	id, err := q.newID(now)
	if err != nil {
		return Suggestion{}, opError(op, in.ClubID, err)
	}

	s := Suggestion{
		ID:            id,
		ClubID:        in.ClubID,
		ExternalRef:   in.ExternalRef,
		SubmitterID:   in.SubmitterID,
		SubmitterName: in.SubmitterName,
		CreatedAt:     now,
	}
	if err := s.Validate(); err != nil {
		return Suggestion{}, opError(op, in.ClubID, err)
	}

	stored, err := q.store.UpsertSuggestion(ctx, s)
	if err != nil {
		return Suggestion{}, opError(op, in.ClubID, err)
	}
	return stored, nil
}

// Withdraw deletes the submitter's pending suggestion. No-op if absent.
func (q *Queue) Withdraw(ctx context.Context, clubID, submitterID string) error {
	clubID = strings.TrimSpace(clubID)
	submitterID = strings.TrimSpace(submitterID)
	if clubID == "" || submitterID == "" {
		return opError("queue.Withdraw", clubID, ErrInvalidInput)
	}
	if _, err := q.store.DeleteSuggestionBySubmitter(ctx, clubID, submitterID); err != nil {
		return opError("queue.Withdraw", clubID, err)
	}
	return nil
}

// List returns the club's queue in FIFO order.
func (q *Queue) List(ctx context.Context, clubID string) ([]Suggestion, error) {
	clubID = strings.TrimSpace(clubID)
	if clubID == "" {
		return nil, opError("queue.List", clubID, ErrInvalidInput)
	}
	out, err := q.store.ListSuggestions(ctx, clubID)
	if err != nil {
		return nil, opError("queue.List", clubID, err)
	}
	return out, nil
}
