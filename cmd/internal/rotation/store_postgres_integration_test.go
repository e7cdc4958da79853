package rotation

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clubrotor/cmd/internal/ids"
	"clubrotor/cmd/internal/metadata"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// Integration tests are enabled when CLUBROTOR_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_RotationScenario(t *testing.T) {
	t.Parallel()

	store := mustPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := store.UpsertClub(ctx, Club{ID: "club-it", OwnerID: "owner", Name: "IT", IntervalWeeks: 2}); err != nil {
		t.Fatalf("UpsertClub: %v", err)
	}

	clock := clockwork.NewFakeClockAt(day0)
	queue, _ := NewQueue(store, clock)
	engine, err := NewEngine(store, WithClock(clock), WithMetadataLookup(&stubLookup{
		md:    metadata.Metadata{Title: "Seven Samurai", RuntimeMinutes: 207},
		found: true,
	}))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if _, err := queue.Enqueue(ctx, EnqueueInput{ClubID: "club-it", ExternalRef: "tt0047478", SubmitterID: "owner"}); err != nil {
		t.Fatalf("Enqueue owner: %v", err)
	}
	first, err := engine.EnsureRotated(ctx, "club-it")
	if err != nil || first.Outcome != OutcomeRotated {
		t.Fatalf("bootstrap res=%+v err=%v", first, err)
	}

	clock.Advance(24 * time.Hour)
	if _, err := queue.Enqueue(ctx, EnqueueInput{ClubID: "club-it", ExternalRef: "tt0111161", SubmitterID: "alice", SubmitterName: "alice"}); err != nil {
		t.Fatalf("Enqueue alice: %v", err)
	}

	clock.Advance(dayN(15).Sub(clock.Now()))
	res, err := engine.EnsureRotated(ctx, "club-it")
	if err != nil {
		t.Fatalf("EnsureRotated: %v", err)
	}
	if res.Outcome != OutcomeRotated || res.Active.SubmitterName != "alice" {
		t.Fatalf("res=%+v want alice rotated in", res)
	}
	if !res.Active.WindowEnd.Equal(dayN(29)) {
		t.Fatalf("windowEnd=%v want=%v", res.Active.WindowEnd, dayN(29))
	}

	active, ok, err := store.GetActiveItem(ctx, "club-it")
	if err != nil || !ok {
		t.Fatalf("GetActiveItem ok=%v err=%v", ok, err)
	}
	if active.Metadata.Title != "Seven Samurai" || active.Metadata.RuntimeMinutes != 207 {
		t.Fatalf("metadata=%+v want persisted snapshot", active.Metadata)
	}

	history, err := store.ListHistory(ctx, "club-it", 10)
	if err != nil || len(history) != 1 || history[0].ID != first.Active.ID {
		t.Fatalf("history=%+v err=%v want [%s]", history, err, first.Active.ID)
	}
	if history[0].ArchivedAt == nil || !history[0].ArchivedAt.Equal(dayN(15)) {
		t.Fatalf("archivedAt=%v want=%v", history[0].ArchivedAt, dayN(15))
	}

	clock.Advance(15 * 24 * time.Hour)
	res, err = engine.EnsureRotated(ctx, "club-it")
	if err != nil || res.Outcome != OutcomeRotatedEmpty {
		t.Fatalf("res=%+v err=%v want RotatedEmpty", res, err)
	}
	if _, ok, _ := store.GetActiveItem(ctx, "club-it"); ok {
		t.Fatal("active item present after RotatedEmpty")
	}
}

func TestPostgresStore_ExactlyOnceUnderConcurrency(t *testing.T) {
	t.Parallel()

	store := mustPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := store.UpsertClub(ctx, Club{ID: "club-race", IntervalWeeks: 1}); err != nil {
		t.Fatalf("UpsertClub: %v", err)
	}
	clock := clockwork.NewFakeClockAt(day0)
	queue, _ := NewQueue(store, clock)
	for _, who := range []string{"ann", "ben", "cat"} {
		if _, err := queue.Enqueue(ctx, EnqueueInput{ClubID: "club-race", ExternalRef: "tt-" + who, SubmitterID: who}); err != nil {
			t.Fatalf("Enqueue %s: %v", who, err)
		}
		clock.Advance(time.Second)
	}
	engine, _ := NewEngine(store, WithClock(clock))

	const callers = 16
	var (
		start   = make(chan struct{})
		wg      sync.WaitGroup
		rotated atomic.Int32
		failed  atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := engine.EnsureRotated(ctx, "club-race")
			if err != nil {
				failed.Add(1)
				return
			}
			if res.Outcome == OutcomeRotated {
				rotated.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if rotated.Load() != 1 || failed.Load() != 0 {
		t.Fatalf("rotated=%d failed=%d want=1/0", rotated.Load(), failed.Load())
	}
	queued, _ := store.ListSuggestions(ctx, "club-race")
	if len(queued) != 2 || queued[0].SubmitterID != "ben" {
		t.Fatalf("queue=%+v want [ben cat]", queued)
	}
}

func TestPostgresStore_RotateConflicts(t *testing.T) {
	t.Parallel()

	store := mustPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := store.UpsertClub(ctx, Club{ID: "club-c", IntervalWeeks: 1}); err != nil {
		t.Fatalf("UpsertClub: %v", err)
	}
	now := day0
	sgID, _ := ids.NewULID(now)
	sg, err := store.UpsertSuggestion(ctx, Suggestion{ID: sgID, ClubID: "club-c", ExternalRef: "tt1", SubmitterID: "a", CreatedAt: now})
	if err != nil {
		t.Fatalf("UpsertSuggestion: %v", err)
	}

	itemID, _ := ids.NewULID(now)
	item := newActiveItem(itemID, Club{ID: "club-c", IntervalWeeks: 1}, sg, metadata.Metadata{}, now)

	_, err = store.Rotate(ctx, RotateRecord{ClubID: "club-c", ExpectedActiveID: "stale", SuggestionID: sg.ID, NewItem: &item, Now: now})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("stale expected id: err=%v want=%v", err, ErrConflict)
	}
	_, err = store.Rotate(ctx, RotateRecord{ClubID: "club-c", SuggestionID: "missing", NewItem: &item, Now: now})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("missing suggestion: err=%v want=%v", err, ErrConflict)
	}
	if _, ok, _ := store.PeekSuggestion(ctx, "club-c"); !ok {
		t.Fatal("suggestion consumed by a failed rotation")
	}

	if _, err := store.Rotate(ctx, RotateRecord{ClubID: "club-c", SuggestionID: sg.ID, NewItem: &item, Now: now}); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	_, err = store.Rotate(ctx, RotateRecord{ClubID: "nope", ExpectedActiveID: item.ID, Now: now})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown club: err=%v want=%v", err, ErrNotFound)
	}
}

func TestPostgresStore_SuggestionUpsertAndOrder(t *testing.T) {
	t.Parallel()

	store := mustPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := store.UpsertClub(ctx, Club{ID: "club-q", IntervalWeeks: 1}); err != nil {
		t.Fatalf("UpsertClub: %v", err)
	}
	clock := clockwork.NewFakeClockAt(day0)
	queue, _ := NewQueue(store, clock)

	first, _ := queue.Enqueue(ctx, EnqueueInput{ClubID: "club-q", ExternalRef: "tt1", SubmitterID: "alice"})
	clock.Advance(time.Minute)
	if _, err := queue.Enqueue(ctx, EnqueueInput{ClubID: "club-q", ExternalRef: "tt2", SubmitterID: "bob"}); err != nil {
		t.Fatalf("Enqueue bob: %v", err)
	}
	clock.Advance(time.Minute)
	again, err := queue.Enqueue(ctx, EnqueueInput{ClubID: "club-q", ExternalRef: "tt3", SubmitterID: "alice"})
	if err != nil {
		t.Fatalf("re-Enqueue alice: %v", err)
	}
	if again.ID == first.ID {
		t.Fatal("resubmission kept the old id")
	}

	list, err := queue.List(ctx, "club-q")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].SubmitterID != "bob" || list[1].ExternalRef != "tt3" {
		t.Fatalf("list=%+v want [bob alice(tt3)]", list)
	}

	if err := queue.Withdraw(ctx, "club-q", "bob"); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	head, ok, _ := queue.Peek(ctx, "club-q")
	if !ok || head.SubmitterID != "alice" {
		t.Fatalf("head=%+v want alice", head)
	}

	_, err = queue.Enqueue(ctx, EnqueueInput{ClubID: "missing", ExternalRef: "tt1", SubmitterID: "x"})
	if KindOf(err) != KindNotFound {
		t.Fatalf("unknown club: kind=%v want=%v", KindOf(err), KindNotFound)
	}
}

func mustPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("CLUBROTOR_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CLUBROTOR_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse CLUBROTOR_DATABASE_URL: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	id, err := ids.NewULID(time.Now())
	if err != nil {
		t.Fatalf("schema id: %v", err)
	}
	schema := "clubrotor_it_" + strings.ToLower(id[len(id)-10:])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
