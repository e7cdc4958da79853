package rotation

import (
	"context"
	"time"
)

// RotateRecord describes one atomic transition of a club's active slot.
//
// ExpectedActiveID is the id of the active item the caller observed ("" when
// the slot was vacant). SuggestionID/NewItem are both set for a promotion and
// both empty for an archive-without-replacement.
type RotateRecord struct {
	ClubID           string
	ExpectedActiveID string
	SuggestionID     string
	NewItem          *ActiveItem
	Now              time.Time
}

func (in RotateRecord) validate() error {
	if in.ClubID == "" || in.Now.IsZero() {
		return ErrInvalidInput
	}
	if (in.SuggestionID == "") != (in.NewItem == nil) {
		return ErrInvalidInput
	}
	if in.NewItem == nil && in.ExpectedActiveID == "" {
		return ErrInvalidInput
	}
	if in.NewItem != nil && (in.NewItem.ClubID != in.ClubID || !in.NewItem.IsActive() || in.NewItem.ID == "") {
		return ErrInvalidInput
	}
	return nil
}

// RotateOutcome reports what Rotate changed.
type RotateOutcome struct {
	Archived *ActiveItem
	Inserted *ActiveItem
}

// Store is the persistence boundary for clubs, suggestion queues and active items.
//
// Requirements:
//   - Rotate is atomic and serialized per club: it fails with ErrConflict
//     unless the club's active item still has ExpectedActiveID and the
//     suggestion is still queued, and otherwise applies the conditional
//     delete, the archive and the insert together.
//   - At most one item per club has StatusActive.
//   - Suggestions are unique per (club, submitter); UpsertSuggestion replaces.
type Store interface {
	GetClub(ctx context.Context, clubID string) (Club, error)
	ListClubIDs(ctx context.Context) ([]string, error)

	GetActiveItem(ctx context.Context, clubID string) (ActiveItem, bool, error)
	ListHistory(ctx context.Context, clubID string, limit int) ([]ActiveItem, error)

	PeekSuggestion(ctx context.Context, clubID string) (Suggestion, bool, error)
	ListSuggestions(ctx context.Context, clubID string) ([]Suggestion, error)
	UpsertSuggestion(ctx context.Context, s Suggestion) (Suggestion, error)
	DeleteSuggestion(ctx context.Context, clubID, suggestionID string) (bool, error)
	DeleteSuggestionBySubmitter(ctx context.Context, clubID, submitterID string) (bool, error)

	Rotate(ctx context.Context, in RotateRecord) (RotateOutcome, error)

	Close() error
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
