// Package metadata resolves a suggestion's external catalog reference into
// descriptive fields (title, poster, overview) for display.
//
// Lookups are best-effort: every failure mode collapses into ErrUnavailable so
// callers can degrade instead of aborting.
package metadata

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnavailable is returned when the catalog cannot be reached, times out,
	// rate limits us, or the circuit breaker is open.
	ErrUnavailable = errors.New("metadata unavailable")

	// ErrInvalidRef is returned for an empty or malformed external reference.
	ErrInvalidRef = errors.New("invalid external ref")
)

// Metadata is the descriptive snapshot stored alongside an active item.
// Any field except ExternalRef may be empty.
type Metadata struct {
	ExternalRef    string `json:"external_ref"`
	Title          string `json:"title,omitempty"`
	PosterURL      string `json:"poster_url,omitempty"`
	Overview       string `json:"overview,omitempty"`
	ReleaseDate    string `json:"release_date,omitempty"`
	RuntimeMinutes int    `json:"runtime_minutes,omitempty"`
}

// IsZero reports whether no descriptive field is populated.
func (m Metadata) IsZero() bool {
	return m.Title == "" && m.PosterURL == "" && m.Overview == "" && m.ReleaseDate == "" && m.RuntimeMinutes == 0
}

// Lookup resolves external references.
//
// found=false with a nil error means the catalog has no such entry.
type Lookup interface {
	FetchMetadata(ctx context.Context, externalRef string) (md Metadata, found bool, err error)
}

func normalizeRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || len(ref) > 128 {
		return "", ErrInvalidRef
	}
	if strings.ContainsAny(ref, "/?#") {
		return "", ErrInvalidRef
	}
	return ref, nil
}
