// Package feed pushes applied club rotations to WebSocket watchers.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"clubrotor/cmd/internal/rotation"
	v1 "clubrotor/shared/contracts/feed/v1"

	"github.com/goccy/go-json"
)

// Hub tracks which sessions watch which clubs and fans rotations out to them.
//
// Concurrency guarantees:
// - Watch/Unwatch are safe under concurrent Publish.
// - Publish never blocks; a full client queue drops the envelope.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	watchers map[string]map[string]*Client // club id -> session id -> client
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		metrics:  metrics,
		watchers: make(map[string]map[string]*Client),
	}
}

// Watch subscribes client to clubID.
func (h *Hub) Watch(clubID string, client *Client) {
	if clubID == "" || client == nil || client.SessionID == "" {
		return
	}

	h.mu.Lock()
	m := h.watchers[clubID]
	if m == nil {
		m = make(map[string]*Client)
		h.watchers[clubID] = m
	}
	m[client.SessionID] = client
	h.mu.Unlock()

	h.log.Info("feed.watch", "club_id", clubID, "session_id", client.SessionID)
}

// Unwatch removes sessionID from clubID's watchers.
func (h *Hub) Unwatch(clubID, sessionID string) {
	h.mu.Lock()
	if m := h.watchers[clubID]; m != nil {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(h.watchers, clubID)
		}
	}
	h.mu.Unlock()

	h.log.Info("feed.unwatch", "club_id", clubID, "session_id", sessionID)
}

// Watchers returns the number of sessions watching clubID.
func (h *Hub) Watchers(clubID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[clubID])
}

// Publish fans env out to clubID's watchers and returns how many accepted it.
func (h *Hub) Publish(clubID string, env v1.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, c := range h.watchers[clubID] {
		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
			delivered++
		default:
			h.metrics.dropped()
		}
	}
	h.metrics.published(delivered)
	return delivered
}

// RotationApplied implements rotation.Notifier.
func (h *Hub) RotationApplied(_ context.Context, res rotation.Result) {
	payload, err := json.Marshal(rotationPayload(res))
	if err != nil {
		h.log.Error("feed.encode.fail", "club_id", res.ClubID, "err", err)
		return
	}
	env, err := newEnvelope(v1.TypeRotation, payload, time.Now().UTC())
	if err != nil {
		h.log.Error("feed.envelope.fail", "club_id", res.ClubID, "err", err)
		return
	}
	env.ClubID = res.ClubID

	n := h.Publish(res.ClubID, env)
	h.log.Debug("feed.publish", "club_id", res.ClubID, "outcome", res.Outcome.String(), "delivered", n)
}

func rotationPayload(res rotation.Result) v1.RotationPayload {
	out := v1.RotationPayload{
		ClubID:           res.ClubID,
		Outcome:          res.Outcome.String(),
		MetadataDegraded: res.MetadataDegraded,
	}
	if res.Active != nil {
		p := itemPayload(*res.Active)
		out.Active = &p
	}
	if res.Archived != nil {
		p := itemPayload(*res.Archived)
		out.Archived = &p
	}
	return out
}

func itemPayload(a rotation.ActiveItem) v1.ItemPayload {
	return v1.ItemPayload{
		ID:            a.ID,
		ExternalRef:   a.ExternalRef,
		SubmitterID:   a.SubmitterID,
		SubmitterName: a.SubmitterName,
		Status:        a.Status,
		StartedAt:     a.StartedAt,
		WindowEnd:     a.WindowEnd,
		ArchivedAt:    a.ArchivedAt,
		Title:         a.Metadata.Title,
		PosterURL:     a.Metadata.PosterURL,
	}
}
