package app

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clubrotor/cmd/internal/metadata"
	"clubrotor/cmd/internal/rotation"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

const maxRequestBodyBytes = 64 << 10

type clubReader interface {
	GetClub(ctx context.Context, clubID string) (rotation.Club, error)
}

// api serves the club endpoints on top of the rotation engine and queue.
type api struct {
	log    Logger
	engine *rotation.Engine
	queue  *rotation.Queue
	clubs  clubReader
}

type itemResponse struct {
	ID            string             `json:"id"`
	ClubID        string             `json:"club_id"`
	ExternalRef   string             `json:"external_ref"`
	SubmitterID   string             `json:"submitter_id"`
	SubmitterName string             `json:"submitter_name,omitempty"`
	Status        string             `json:"status"`
	StartedAt     time.Time          `json:"started_at"`
	WindowEnd     time.Time          `json:"window_end"`
	ArchivedAt    *time.Time         `json:"archived_at,omitempty"`
	Reactions     rotation.Reactions `json:"reactions"`
	Metadata      *metadata.Metadata `json:"metadata,omitempty"`
}

type rotateResponse struct {
	ClubID           string        `json:"club_id"`
	Outcome          string        `json:"outcome"`
	Changed          bool          `json:"changed"`
	MetadataDegraded bool          `json:"metadata_degraded,omitempty"`
	Active           *itemResponse `json:"active,omitempty"`
	Archived         *itemResponse `json:"archived,omitempty"`
}

type suggestionResponse struct {
	ID            string    `json:"id"`
	ClubID        string    `json:"club_id"`
	ExternalRef   string    `json:"external_ref"`
	SubmitterID   string    `json:"submitter_id"`
	SubmitterName string    `json:"submitter_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type putSuggestionRequest struct {
	ExternalRef   string `json:"external_ref"`
	SubmitterName string `json:"submitter_name"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *api) rotate(w http.ResponseWriter, r *http.Request) {
	res, err := a.engine.EnsureRotated(r.Context(), chi.URLParam(r, "clubID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rotateResponse{
		ClubID:           res.ClubID,
		Outcome:          res.Outcome.String(),
		Changed:          res.Changed(),
		MetadataDegraded: res.MetadataDegraded,
		Active:           toItemResponse(res.Active),
		Archived:         toItemResponse(res.Archived),
	})
}

// active brings the slot up to date before reading it.
func (a *api) active(w http.ResponseWriter, r *http.Request) {
	res, err := a.engine.EnsureRotated(r.Context(), chi.URLParam(r, "clubID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if res.Active == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(res.Active))
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: errorDetail{
				Code:    rotation.KindInvalidInput.String(),
				Message: "limit must be a positive integer",
			}})
			return
		}
		limit = n
	}

	items, err := a.engine.History(r.Context(), chi.URLParam(r, "clubID"), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]*itemResponse, 0, len(items))
	for i := range items {
		out = append(out, toItemResponse(&items[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *api) listSuggestions(w http.ResponseWriter, r *http.Request) {
	clubID := chi.URLParam(r, "clubID")
	if err := a.requireClub(r.Context(), clubID); err != nil {
		a.writeError(w, r, err)
		return
	}
	list, err := a.queue.List(r.Context(), clubID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]suggestionResponse, 0, len(list))
	for _, s := range list {
		out = append(out, toSuggestionResponse(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": out})
}

func (a *api) putSuggestion(w http.ResponseWriter, r *http.Request) {
	var req putSuggestionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Code: "bad_request", Message: "invalid json body"}})
		return
	}

	s, err := a.queue.Enqueue(r.Context(), rotation.EnqueueInput{
		ClubID:        chi.URLParam(r, "clubID"),
		ExternalRef:   req.ExternalRef,
		SubmitterID:   chi.URLParam(r, "submitterID"),
		SubmitterName: req.SubmitterName,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSuggestionResponse(s))
}

func (a *api) deleteSuggestion(w http.ResponseWriter, r *http.Request) {
	clubID := chi.URLParam(r, "clubID")
	if err := a.requireClub(r.Context(), clubID); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.queue.Withdraw(r.Context(), clubID, chi.URLParam(r, "submitterID")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireClub returns the store error for a missing club. KindOf classifies
// plain store errors, so no wrapping is needed.
func (a *api) requireClub(ctx context.Context, clubID string) error {
	clubID = strings.TrimSpace(clubID)
	if clubID == "" {
		return rotation.ErrInvalidInput
	}
	_, err := a.clubs.GetClub(ctx, clubID)
	return err
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := rotation.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		a.log.Warn("api.request.fail", "path", r.URL.Path, "kind", kind.String(), "err", err)
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: kind.String(), Message: errorMessage(kind)}})
}

func statusForKind(k rotation.Kind) int {
	switch k {
	case rotation.KindNotFound:
		return http.StatusNotFound
	case rotation.KindInvalidInput, rotation.KindInvalidConfig:
		return http.StatusUnprocessableEntity
	case rotation.KindTransient, rotation.KindConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(k rotation.Kind) string {
	switch k {
	case rotation.KindNotFound:
		return "club not found"
	case rotation.KindInvalidInput:
		return "invalid input"
	case rotation.KindInvalidConfig:
		return "club cannot be rotated with its current settings"
	case rotation.KindTransient, rotation.KindConflict:
		return "temporarily unavailable, retry"
	default:
		return "internal error"
	}
}

func toItemResponse(a *rotation.ActiveItem) *itemResponse {
	if a == nil {
		return nil
	}
	out := &itemResponse{
		ID:            a.ID,
		ClubID:        a.ClubID,
		ExternalRef:   a.ExternalRef,
		SubmitterID:   a.SubmitterID,
		SubmitterName: a.SubmitterName,
		Status:        a.Status,
		StartedAt:     a.StartedAt,
		WindowEnd:     a.WindowEnd,
		ArchivedAt:    a.ArchivedAt,
		Reactions:     a.Reactions,
	}
	if !a.Metadata.IsZero() {
		md := a.Metadata
		out.Metadata = &md
	}
	return out
}

func toSuggestionResponse(s rotation.Suggestion) suggestionResponse {
	return suggestionResponse{
		ID:            s.ID,
		ClubID:        s.ClubID,
		ExternalRef:   s.ExternalRef,
		SubmitterID:   s.SubmitterID,
		SubmitterName: s.SubmitterName,
		CreatedAt:     s.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
