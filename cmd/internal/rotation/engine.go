package rotation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"clubrotor/cmd/internal/ids"
	"clubrotor/cmd/internal/metadata"

	"github.com/jonboulle/clockwork"
)

const defaultMetadataTimeout = 5 * time.Second

// Outcome is what EnsureRotated did.
type Outcome uint8

const (
	// OutcomeNoChange means the slot was left as is.
	OutcomeNoChange Outcome = iota + 1
	// OutcomeRotated means the queue head was promoted into the slot.
	OutcomeRotated
	// OutcomeRotatedEmpty means the active item was archived and the queue was empty.
	OutcomeRotatedEmpty
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoChange:
		return "no_change"
	case OutcomeRotated:
		return "rotated"
	case OutcomeRotatedEmpty:
		return "rotated_empty"
	default:
		return "unknown"
	}
}

// Result is the outcome of one EnsureRotated call.
//
// Active is the item occupying the slot after the call (nil when vacant).
// Archived is set when this call archived an item.
type Result struct {
	ClubID           string
	Outcome          Outcome
	Active           *ActiveItem
	Archived         *ActiveItem
	MetadataDegraded bool
}

// Changed reports whether the call transitioned the slot.
func (r Result) Changed() bool {
	return r.Outcome == OutcomeRotated || r.Outcome == OutcomeRotatedEmpty
}

// Notifier receives applied rotations. Implementations must not block.
type Notifier interface {
	RotationApplied(ctx context.Context, res Result)
}

// Engine promotes queued suggestions into each club's active slot.
type Engine struct {
	store           Store
	clock           clockwork.Clock
	resolver        Resolver
	grace           time.Duration
	loc             *time.Location
	lookup          metadata.Lookup
	metadataTimeout time.Duration
	notifier        Notifier
	log             *slog.Logger
	metrics         *Metrics
	newID           func(time.Time) (string, error)
}

// Option configures the Engine.
type Option func(*Engine) error

// WithClock sets the clock used for "now".
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) error {
		if c == nil {
			return ErrInvalidInput
		}
		e.clock = c
		return nil
	}
}

// WithGrace sets the minimum age before an active item can be rotated out.
func WithGrace(d time.Duration) Option {
	return func(e *Engine) error {
		if d < 0 {
			return ErrInvalidInput
		}
		e.grace = d
		return nil
	}
}

// WithTimezone sets the reference zone for calendar-day comparisons.
func WithTimezone(loc *time.Location) Option {
	return func(e *Engine) error {
		if loc == nil {
			return ErrInvalidInput
		}
		e.loc = loc
		return nil
	}
}

// WithMetadataLookup enables metadata enrichment of promoted items.
func WithMetadataLookup(l metadata.Lookup) Option {
	return func(e *Engine) error {
		e.lookup = l
		return nil
	}
}

// WithMetadataTimeout bounds a single metadata lookup.
func WithMetadataTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		if d <= 0 {
			return ErrInvalidInput
		}
		e.metadataTimeout = d
		return nil
	}
}

// WithNotifier registers a sink for applied rotations.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) error {
		e.notifier = n
		return nil
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) error {
		if l != nil {
			e.log = l
		}
		return nil
	}
}

// WithMetrics records outcomes and latencies.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// NewEngine constructs an Engine with safe defaults.
func NewEngine(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	e := &Engine{
		store:           store,
		clock:           clockwork.NewRealClock(),
		grace:           DefaultGrace,
		loc:             time.UTC,
		metadataTimeout: defaultMetadataTimeout,
		log:             slog.Default(),
		newID:           ids.NewULID,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.resolver = NewResolver(e.grace, e.loc)
	return e, nil
}

// Resolver returns the engine's resolver.
func (e *Engine) Resolver() Resolver { return e.resolver }

// EnsureRotated brings the club's active slot up to date: if the active
// item's window has elapsed (or the slot is vacant and the queue is not), it
// promotes the queue head; if the window elapsed and the queue is empty, it
// archives the active item. Safe to call concurrently from any number of
// callers; each elapsed window is consumed at most once.
func (e *Engine) EnsureRotated(ctx context.Context, clubID string) (Result, error) {
	start := e.clock.Now()
	res, err := e.ensureRotated(ctx, strings.TrimSpace(clubID))
	e.metrics.observe(res, err, e.clock.Since(start))

	if err != nil {
		return Result{}, err
	}
	if res.Changed() {
		e.logApplied(res)
		if e.notifier != nil {
			e.notifier.RotationApplied(ctx, res)
		}
	}
	return res, nil
}

func (e *Engine) ensureRotated(ctx context.Context, clubID string) (Result, error) {
	const op = "engine.EnsureRotated"

	if clubID == "" {
		return Result{}, opError(op, clubID, ErrInvalidInput)
	}

	res, err := e.attempt(ctx, clubID)
	if err == nil || !errors.Is(err, ErrConflict) {
		return res, opError(op, clubID, err)
	}

	// Lost the race. One re-read observes the winner's item.
	e.metrics.conflict()
	e.log.Debug("rotation.conflict", "club_id", clubID)

	res, err = e.attempt(ctx, clubID)
	if err != nil && errors.Is(err, ErrConflict) {
		e.metrics.conflict()
		return Result{}, &Error{Op: op, Kind: KindTransient, ClubID: clubID, Err: err}
	}
	return res, opError(op, clubID, err)
}

func (e *Engine) attempt(ctx context.Context, clubID string) (Result, error) {
	club, err := e.store.GetClub(ctx, clubID)
	if err != nil {
		return Result{}, err
	}
	if err := club.Validate(); err != nil {
		return Result{}, err
	}

	active, hasActive, err := e.store.GetActiveItem(ctx, clubID)
	if err != nil {
		return Result{}, err
	}
	var current *ActiveItem
	if hasActive {
		current = &active
	}

	now := e.clock.Now().UTC()
	verdict := e.resolver.Resolve(current, now)
	if verdict == VerdictNotDue {
		return Result{ClubID: clubID, Outcome: OutcomeNoChange, Active: current}, nil
	}

	head, hasHead, err := e.store.PeekSuggestion(ctx, clubID)
	if err != nil {
		return Result{}, err
	}

	if !hasHead {
		if verdict == VerdictNoActive {
			return Result{ClubID: clubID, Outcome: OutcomeNoChange}, nil
		}
		out, err := e.store.Rotate(ctx, RotateRecord{
			ClubID:           clubID,
			ExpectedActiveID: current.ID,
			Now:              now,
		})
		if err != nil {
			return Result{}, err
		}
		return Result{ClubID: clubID, Outcome: OutcomeRotatedEmpty, Archived: out.Archived}, nil
	}

	md, degraded := e.fetchMetadata(ctx, clubID, head.ExternalRef)

	itemID, err := e.newID(now)
	if err != nil {
		return Result{}, err
	}
	item := newActiveItem(itemID, club, head, md, now)

	expected := ""
	if current != nil {
		expected = current.ID
	}
	out, err := e.store.Rotate(ctx, RotateRecord{
		ClubID:           clubID,
		ExpectedActiveID: expected,
		SuggestionID:     head.ID,
		NewItem:          &item,
		Now:              now,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		ClubID:           clubID,
		Outcome:          OutcomeRotated,
		Active:           out.Inserted,
		Archived:         out.Archived,
		MetadataDegraded: degraded,
	}, nil
}

// fetchMetadata never fails the rotation. degraded is true when the lookup
// errored; an unknown ref is not a degradation.
func (e *Engine) fetchMetadata(ctx context.Context, clubID, ref string) (md metadata.Metadata, degraded bool) {
	md = metadata.Metadata{ExternalRef: ref}
	if e.lookup == nil {
		return md, false
	}

	lctx, cancel := context.WithTimeout(ctx, e.metadataTimeout)
	defer cancel()

	got, found, err := e.lookup.FetchMetadata(lctx, ref)
	if err != nil {
		e.log.Warn("metadata.lookup.fail",
			"club_id", clubID,
			"external_ref", ref,
			"err", &Error{Op: "engine.fetchMetadata", Kind: KindMetadataUnavailable, ClubID: clubID, Err: err},
		)
		return md, true
	}
	if !found {
		e.log.Info("metadata.lookup.miss", "club_id", clubID, "external_ref", ref)
		return md, false
	}
	return got, false
}

func (e *Engine) logApplied(res Result) {
	attrs := []any{"club_id", res.ClubID, "outcome", res.Outcome.String()}
	if res.Archived != nil {
		attrs = append(attrs, "archived_id", res.Archived.ID)
	}
	if res.Active != nil {
		attrs = append(attrs,
			"active_id", res.Active.ID,
			"external_ref", res.Active.ExternalRef,
			"window_end", res.Active.WindowEnd,
			"metadata_degraded", res.MetadataDegraded,
		)
	}
	e.log.Info("rotation.rotated", attrs...)
}

// History returns the club's archived items, newest first.
func (e *Engine) History(ctx context.Context, clubID string, limit int) ([]ActiveItem, error) {
	const op = "engine.History"

	clubID = strings.TrimSpace(clubID)
	if clubID == "" {
		return nil, opError(op, clubID, ErrInvalidInput)
	}
	if _, err := e.store.GetClub(ctx, clubID); err != nil {
		return nil, opError(op, clubID, err)
	}
	out, err := e.store.ListHistory(ctx, clubID, limit)
	if err != nil {
		return nil, opError(op, clubID, err)
	}
	return out, nil
}
