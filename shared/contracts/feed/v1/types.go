package v1

import "time"

// Rotation outcomes carried in RotationPayload.Outcome.
const (
	OutcomeRotated      = "rotated"
	OutcomeRotatedEmpty = "rotated_empty"
)

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// ClubWatchPayload names the club to (un)watch.
type ClubWatchPayload struct {
	ClubID string `json:"club_id"`
}

// ItemPayload is the wire view of an active or archived item.
type ItemPayload struct {
	ID            string     `json:"id"`
	ExternalRef   string     `json:"external_ref"`
	SubmitterID   string     `json:"submitter_id"`
	SubmitterName string     `json:"submitter_name,omitempty"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	WindowEnd     time.Time  `json:"window_end"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	Title         string     `json:"title,omitempty"`
	PosterURL     string     `json:"poster_url,omitempty"`
}

// RotationPayload is broadcast to club watchers after a slot transition.
type RotationPayload struct {
	ClubID           string       `json:"club_id"`
	Outcome          string       `json:"outcome"`
	Active           *ItemPayload `json:"active,omitempty"`
	Archived         *ItemPayload `json:"archived,omitempty"`
	MetadataDegraded bool         `json:"metadata_degraded,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
