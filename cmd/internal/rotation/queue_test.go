package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"clubrotor/cmd/internal/ids"

	"github.com/jonboulle/clockwork"
)

func newTestQueue(t *testing.T) (*Queue, *clockwork.FakeClock) {
	t.Helper()

	store := NewInMemoryStore()
	if err := store.PutClub(Club{ID: "club-1", IntervalWeeks: 1}); err != nil {
		t.Fatalf("PutClub: %v", err)
	}
	clock := clockwork.NewFakeClockAt(day0)
	q, err := NewQueue(store, clock)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	return q, clock
}

func mustEnqueue(t *testing.T, q *Queue, submitter, ref string) Suggestion {
	t.Helper()
	s, err := q.Enqueue(context.Background(), EnqueueInput{
		ClubID:        "club-1",
		ExternalRef:   ref,
		SubmitterID:   submitter,
		SubmitterName: " " + submitter + " ",
	})
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", submitter, err)
	}
	return s
}

func submitters(list []Suggestion) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.SubmitterID)
	}
	return out
}

func TestQueue_EnqueueAssignsIDAndTime(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	s := mustEnqueue(t, q, "alice", "tt0111161")

	if !ids.Valid(s.ID) {
		t.Fatalf("id=%q want ULID", s.ID)
	}
	if !s.CreatedAt.Equal(day0) {
		t.Fatalf("createdAt=%v want=%v", s.CreatedAt, day0)
	}
	if s.SubmitterName != "alice" {
		t.Fatalf("submitterName=%q want trimmed", s.SubmitterName)
	}
}

func TestQueue_EnqueueValidation(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	long := make([]byte, maxExternalRefLength+1)
	for i := range long {
		long[i] = 'x'
	}

	cases := []struct {
		name string
		in   EnqueueInput
		kind Kind
	}{
		{name: "missing club id", in: EnqueueInput{ExternalRef: "tt1", SubmitterID: "a"}, kind: KindInvalidInput},
		{name: "missing ref", in: EnqueueInput{ClubID: "club-1", SubmitterID: "a"}, kind: KindInvalidInput},
		{name: "missing submitter", in: EnqueueInput{ClubID: "club-1", ExternalRef: "tt1"}, kind: KindInvalidInput},
		{name: "ref too long", in: EnqueueInput{ClubID: "club-1", ExternalRef: string(long), SubmitterID: "a"}, kind: KindInvalidInput},
		{name: "unknown club", in: EnqueueInput{ClubID: "nope", ExternalRef: "tt1", SubmitterID: "a"}, kind: KindNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := q.Enqueue(context.Background(), tc.in)
			if KindOf(err) != tc.kind {
				t.Fatalf("err=%v kind=%v want=%v", err, KindOf(err), tc.kind)
			}
		})
	}
}

func TestQueue_FIFOWithResubmission(t *testing.T) {
	t.Parallel()

	q, clock := newTestQueue(t)
	ctx := context.Background()

	first := mustEnqueue(t, q, "alice", "tt0111161")
	clock.Advance(time.Minute)
	mustEnqueue(t, q, "bob", "tt0068646")
	clock.Advance(time.Minute)
	mustEnqueue(t, q, "cat", "tt0071562")
	clock.Advance(time.Minute)
	again := mustEnqueue(t, q, "alice", "tt0468569")

	if again.ID == first.ID {
		t.Fatal("resubmission kept the old id")
	}

	list, err := q.List(ctx, "club-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got, want := fmt.Sprint(submitters(list)), "[bob cat alice]"; got != want {
		t.Fatalf("order=%s want=%s", got, want)
	}
	if list[2].ExternalRef != "tt0468569" {
		t.Fatalf("alice ref=%q want replacement", list[2].ExternalRef)
	}

	head, ok, err := q.Peek(ctx, "club-1")
	if err != nil || !ok || head.SubmitterID != "bob" {
		t.Fatalf("peek=%+v ok=%v err=%v want bob", head, ok, err)
	}
	if again, _ := q.List(ctx, "club-1"); len(again) != 3 {
		t.Fatalf("peek mutated queue: len=%d", len(again))
	}

	for _, want := range []string{"bob", "cat", "alice"} {
		s, ok, err := q.Dequeue(ctx, "club-1")
		if err != nil || !ok || s.SubmitterID != want {
			t.Fatalf("dequeue=%+v ok=%v err=%v want %s", s, ok, err, want)
		}
	}
	if _, ok, err := q.Dequeue(ctx, "club-1"); ok || err != nil {
		t.Fatalf("dequeue on empty ok=%v err=%v", ok, err)
	}
}

func TestQueue_TiesBreakByID(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	a := mustEnqueue(t, q, "alice", "tt1")
	b := mustEnqueue(t, q, "bob", "tt2")
	if !a.CreatedAt.Equal(b.CreatedAt) {
		t.Fatalf("createdAt differ: %v %v", a.CreatedAt, b.CreatedAt)
	}

	want := "alice"
	if b.ID < a.ID {
		want = "bob"
	}
	head, _, _ := q.Peek(context.Background(), "club-1")
	if head.SubmitterID != want {
		t.Fatalf("head=%s want=%s", head.SubmitterID, want)
	}
}

func TestQueue_Withdraw(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, q, "alice", "tt1")

	if err := q.Withdraw(ctx, "club-1", "alice"); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if err := q.Withdraw(ctx, "club-1", "alice"); err != nil {
		t.Fatalf("second Withdraw: %v", err)
	}
	if _, ok, _ := q.Peek(ctx, "club-1"); ok {
		t.Fatal("queue not empty after withdraw")
	}
	if err := q.Withdraw(ctx, "club-1", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err=%v want=%v", err, ErrInvalidInput)
	}
}

func TestQueue_ConcurrentDequeueIsExactlyOnce(t *testing.T) {
	t.Parallel()

	q, clock := newTestQueue(t)
	const items = 8
	for i := 0; i < items; i++ {
		mustEnqueue(t, q, fmt.Sprintf("member-%02d", i), fmt.Sprintf("tt%07d", i))
		clock.Advance(time.Second)
	}

	const workers = 16
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				s, ok, err := q.Dequeue(context.Background(), "club-1")
				if errors.Is(err, ErrConflict) {
					continue
				}
				if err != nil {
					t.Errorf("Dequeue: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				seen[s.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != items {
		t.Fatalf("dequeued=%d want=%d", len(seen), items)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("suggestion %s dequeued %d times", id, n)
		}
	}
}
