package priority

import (
	"fmt"
	"testing"
	"time"
)

func mkAlert(id string, level Level, score float64, enq time.Time) *Alert {
	return &Alert{
		ID:         id,
		Log:        "log-" + id,
		Reason:     "reason-" + id,
		Priority:   level,
		Score:      score,
		EnqueuedAt: enq,
	}
}

func TestQueue_Ordering(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	q := NewQueue(10)

	// insertion order intentionally scrambled
	alerts := []*Alert{
		mkAlert("low", Low, 0.3, base),
		mkAlert("crit-late", Critical, 0.9, base.Add(time.Minute)),
		mkAlert("med", Medium, 0.5, base),
		mkAlert("crit-early", Critical, 0.9, base),
		mkAlert("high-strong", High, 0.8, base),
		mkAlert("high-weak", High, 0.66, base),
	}
	for _, a := range alerts {
		mustEnqueue(t, q, a)
	}

	want := []string{"crit-early", "crit-late", "high-strong", "high-weak", "med", "low"}
	for i, id := range want {
		got := q.Dequeue()
		if got == nil || got.ID != id {
			t.Fatalf("Dequeue #%d = %v, want %s", i, got, id)
		}
	}
	if q.Dequeue() != nil {
		t.Error("Dequeue on empty queue should return nil")
	}
}

func TestQueue_OverflowEviction(t *testing.T) {
	t.Parallel()

	base := time.Now()
	q := NewQueue(2)
	mustEnqueue(t, q, mkAlert("med", Medium, 0.5, base))
	mustEnqueue(t, q, mkAlert("low", Low, 0.3, base))

	// equal priority to the worst entry: rejected
	if _, err := q.Enqueue(mkAlert("low-2", Low, 0.9, base)); err != ErrQueueFull {
		t.Fatalf("Enqueue at capacity with equal priority = %v, want ErrQueueFull", err)
	}

	// strictly higher priority than the worst: evicts it, and the
	// evicted alert comes back so its incident can be closed out
	evicted, err := q.Enqueue(mkAlert("crit", Critical, 0.9, base))
	if err != nil {
		t.Fatalf("Enqueue(crit): %v", err)
	}
	if evicted == nil || evicted.ID != "low" {
		t.Fatalf("evicted = %v, want the low alert", evicted)
	}
	if q.Size() != 2 {
		t.Fatalf("size = %d, want 2", q.Size())
	}
	if _, err := q.RemoveByID("low"); err != ErrNotFound {
		t.Errorf("evicted alert still present: %v", err)
	}

	m := q.Metrics(base)
	if m.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", m.Evictions)
	}
}

func TestQueue_RemoveByID(t *testing.T) {
	t.Parallel()

	base := time.Now()
	q := NewQueue(10)
	for i := 0; i < 5; i++ {
		mustEnqueue(t, q, mkAlert(fmt.Sprintf("a%d", i), Medium, float64(i)/10, base))
	}

	a, err := q.RemoveByID("a2")
	if err != nil || a.ID != "a2" {
		t.Fatalf("RemoveByID(a2) = %v, %v", a, err)
	}
	if q.Size() != 4 {
		t.Errorf("size = %d, want 4", q.Size())
	}

	// remaining order is still valid
	prev := q.Dequeue()
	for next := q.Dequeue(); next != nil; next = q.Dequeue() {
		if less(next, prev) {
			t.Errorf("dequeue order violated: %s before %s", prev.ID, next.ID)
		}
		prev = next
	}

	if _, err := q.RemoveByID("missing"); err != ErrNotFound {
		t.Errorf("RemoveByID(missing) = %v, want ErrNotFound", err)
	}
}

func TestQueue_UpdatePriority(t *testing.T) {
	t.Parallel()

	base := time.Now()
	q := NewQueue(10)
	mustEnqueue(t, q, mkAlert("a", Low, 0.2, base))
	mustEnqueue(t, q, mkAlert("b", Medium, 0.5, base))

	if err := q.UpdatePriority("a", Critical, 0.95); err != nil {
		t.Fatalf("UpdatePriority: %v", err)
	}
	if got := q.Peek(); got.ID != "a" {
		t.Errorf("Peek = %s, want a after promotion", got.ID)
	}
}

func TestQueue_Aging(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	q := NewQueue(10)

	old := mkAlert("old-low", Low, 6.95, base)
	fresh := mkAlert("fresh", Low, 0.3, base.Add(29*time.Minute))
	mustEnqueue(t, q, old)
	mustEnqueue(t, q, fresh)

	// 30 minutes later: floor(30m/5m)=6 bumps of 0.1 -> 6.95+0.6 = 7.55 > 7.0
	promoted := q.Age(base.Add(30 * time.Minute))
	if promoted != 1 {
		t.Fatalf("promoted = %d, want 1", promoted)
	}
	if old.Priority != Medium {
		t.Errorf("old-low priority = %s, want MEDIUM", old.Priority)
	}
	if fresh.Score != 0.3 {
		t.Errorf("fresh score = %v, want untouched 0.3", fresh.Score)
	}
	if got := q.Peek(); got.ID != "old-low" {
		t.Errorf("Peek = %s, want promoted alert first", got.ID)
	}
}

func TestQueue_AgingReordersWithinLevel(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	q := NewQueue(10)

	old := mkAlert("old", Low, 1.0, base)
	newer := mkAlert("newer", Low, 1.3, base.Add(25*time.Minute))
	mustEnqueue(t, q, newer)
	mustEnqueue(t, q, old)

	// nobody is promoted, but the older alert's larger bump
	// (1.0+0.6 vs 1.3+0.1) overtakes within the level
	if promoted := q.Age(base.Add(30 * time.Minute)); promoted != 0 {
		t.Fatalf("promoted = %d, want 0", promoted)
	}
	if got := q.Dequeue(); got == nil || got.ID != "old" {
		t.Fatalf("Dequeue = %v, want old first after aging", got)
	}
	if got := q.Dequeue(); got == nil || got.ID != "newer" {
		t.Fatalf("Dequeue = %v, want newer second", got)
	}
}

func TestQueue_AgingScoreCap(t *testing.T) {
	t.Parallel()

	base := time.Now().Add(-24 * time.Hour)
	q := NewQueue(10)
	a := mkAlert("ancient", High, 9.9, base)
	mustEnqueue(t, q, a)

	q.Age(time.Now())
	if a.Score > agingScoreCap {
		t.Errorf("score = %v, want capped at %v", a.Score, agingScoreCap)
	}
}

func TestQueue_Metrics(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	q := NewQueue(10)
	mustEnqueue(t, q, mkAlert("a", Critical, 1.0, base))
	mustEnqueue(t, q, mkAlert("b", Low, 0.5, base.Add(time.Minute)))

	m := q.Metrics(base.Add(2 * time.Minute))
	if m.Size != 2 || m.TotalQueued != 2 {
		t.Errorf("size/total = %d/%d, want 2/2", m.Size, m.TotalQueued)
	}
	if m.ByPriority["CRITICAL"] != 1 || m.ByPriority["LOW"] != 1 {
		t.Errorf("ByPriority = %v", m.ByPriority)
	}
	if m.OldestEnqueuedAt != base {
		t.Errorf("oldest = %v, want %v", m.OldestEnqueuedAt, base)
	}
	if m.AvgWaitSeconds != 90 {
		t.Errorf("avg wait = %v, want 90", m.AvgWaitSeconds)
	}
	if m.AvgScore != 0.75 {
		t.Errorf("avg score = %v, want 0.75", m.AvgScore)
	}
}

func TestQueue_Clear(t *testing.T) {
	t.Parallel()

	q := NewQueue(10)
	mustEnqueue(t, q, mkAlert("a", Low, 0.1, time.Now()))
	q.Clear()
	if q.Size() != 0 || q.Peek() != nil {
		t.Error("Clear left entries behind")
	}
}

func mustEnqueue(t *testing.T, q *Queue, a *Alert) {
	t.Helper()
	if evicted, err := q.Enqueue(a); err != nil {
		t.Fatalf("Enqueue(%s): %v", a.ID, err)
	} else if evicted != nil {
		t.Fatalf("Enqueue(%s) unexpectedly evicted %s", a.ID, evicted.ID)
	}
}
