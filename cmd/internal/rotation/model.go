package rotation

import (
	"strings"
	"time"

	"clubrotor/cmd/internal/metadata"
)

// Active item status values.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Field limits.
const (
	maxIDLength            = 64
	maxExternalRefLength   = 128
	maxSubmitterNameLength = 100
)

const week = 7 * 24 * time.Hour

// Club is the owning context of a rotation. Read-only to the engine.
type Club struct {
	ID            string
	OwnerID       string
	Name          string
	IntervalWeeks int
}

// Validate checks the fields the engine depends on.
func (c Club) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return ErrInvalidInput
	}
	if c.IntervalWeeks <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// WindowEnd returns start + IntervalWeeks weeks, as an exact duration.
func (c Club) WindowEnd(start time.Time) time.Time {
	return start.Add(time.Duration(c.IntervalWeeks) * week)
}

// Suggestion is a pending nomination for the next rotation slot.
// INVARIANT: at most one per (ClubID, SubmitterID).
type Suggestion struct {
	ID            string
	ClubID        string
	ExternalRef   string
	SubmitterID   string
	SubmitterName string
	CreatedAt     time.Time
}

// Validate checks the suggestion's invariants.
func (s Suggestion) Validate() error {
	switch {
	case s.ID == "" || len(s.ID) > maxIDLength:
		return ErrInvalidInput
	case s.ClubID == "" || len(s.ClubID) > maxIDLength:
		return ErrInvalidInput
	case s.SubmitterID == "" || len(s.SubmitterID) > maxIDLength:
		return ErrInvalidInput
	case s.ExternalRef == "" || len(s.ExternalRef) > maxExternalRefLength:
		return ErrInvalidInput
	case len(s.SubmitterName) > maxSubmitterNameLength:
		return ErrInvalidInput
	case s.CreatedAt.IsZero():
		return ErrInvalidInput
	}
	return nil
}

// queuedBefore is the FIFO order: CreatedAt ascending, then ID ascending.
func queuedBefore(a, b Suggestion) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Reactions are member reactions to an active item. The engine never reads
// them; they are carried through the store unchanged.
type Reactions struct {
	Likes     []string `json:"likes"`
	Dislikes  []string `json:"dislikes"`
	Collected []string `json:"collected"`
}

func (r Reactions) clone() Reactions {
	return Reactions{
		Likes:     append([]string(nil), r.Likes...),
		Dislikes:  append([]string(nil), r.Dislikes...),
		Collected: append([]string(nil), r.Collected...),
	}
}

// ActiveItem occupies a club's rotation slot while Status is active and is
// kept as history once archived.
type ActiveItem struct {
	ID            string
	ClubID        string
	ExternalRef   string
	SubmitterID   string
	SubmitterName string
	Status        string
	StartedAt     time.Time
	WindowEnd     time.Time
	ArchivedAt    *time.Time
	Reactions     Reactions
	Metadata      metadata.Metadata
}

// IsActive reports whether the item currently occupies the slot.
func (a ActiveItem) IsActive() bool { return a.Status == StatusActive }

// Archive transitions the item from active to archived.
func (a *ActiveItem) Archive(now time.Time) error {
	if a.Status != StatusActive {
		return ErrNotActive
	}
	a.Status = StatusArchived
	t := now
	a.ArchivedAt = &t
	return nil
}

func (a ActiveItem) clone() ActiveItem {
	out := a
	if a.ArchivedAt != nil {
		t := *a.ArchivedAt
		out.ArchivedAt = &t
	}
	out.Reactions = a.Reactions.clone()
	return out
}

// newActiveItem materializes a promoted suggestion.
func newActiveItem(id string, club Club, s Suggestion, md metadata.Metadata, now time.Time) ActiveItem {
	md.ExternalRef = s.ExternalRef
	return ActiveItem{
		ID:            id,
		ClubID:        club.ID,
		ExternalRef:   s.ExternalRef,
		SubmitterID:   s.SubmitterID,
		SubmitterName: s.SubmitterName,
		Status:        StatusActive,
		StartedAt:     now,
		WindowEnd:     club.WindowEnd(now),
		Metadata:      md,
	}
}
