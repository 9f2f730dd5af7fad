package priority

import (
	"container/heap"
	"errors"
	"math"
	"time"
)

// Aging constants. Alerts older than agingMinAge get a score bump of
// agingBump per elapsed multiple of agingMinAge, up to agingScoreCap, and
// can be promoted one level once their score crosses the promote thresholds.
const (
	agingMinAge        = 5 * time.Minute
	agingBump          = 0.1
	agingScoreCap      = 10.0
	promoteLowScore    = 7.0
	promoteMediumScore = 8.5
)

// ErrQueueFull is returned when the queue is at capacity and the incoming
// alert does not outrank the current lowest-priority entry.
var ErrQueueFull = errors.New("priority queue full")

// ErrNotFound is returned for operations on unknown alert IDs.
var ErrNotFound = errors.New("alert not in queue")

// Queue is a bounded min-heap of alerts ordered by (priority, score,
// enqueue time). It is owned by the scheduler loop and is not safe for
// concurrent use.
type Queue struct {
	h           alertHeap
	max         int
	totalQueued uint64
	evictions   uint64
}

// QueueMetrics is a point-in-time queue snapshot.
type QueueMetrics struct {
	Size             int
	TotalQueued      uint64
	Evictions        uint64
	ByPriority       map[string]int
	AvgWaitSeconds   float64
	AvgScore         float64
	OldestEnqueuedAt time.Time
}

// NewQueue creates a queue bounded at max entries.
func NewQueue(max int) *Queue {
	if max <= 0 {
		max = 100
	}
	return &Queue{
		h:   alertHeap{index: make(map[string]int)},
		max: max,
	}
}

// Enqueue inserts the alert. At capacity the globally lowest-priority entry
// is evicted when the incoming alert has strictly higher priority; the
// evicted alert is returned so the caller can close out its incident.
// Otherwise ErrQueueFull is returned.
func (q *Queue) Enqueue(a *Alert) (*Alert, error) {
	if a.EnqueuedAt.IsZero() {
		a.EnqueuedAt = time.Now()
	}
	var evicted *Alert
	if q.Size() >= q.max {
		worst := q.worst()
		if worst == nil || a.Priority >= worst.Priority {
			return nil, ErrQueueFull
		}
		evicted = q.remove(worst.ID)
		q.evictions++
	}
	heap.Push(&q.h, a)
	q.totalQueued++
	return evicted, nil
}

// Dequeue removes and returns the highest-priority alert, or nil when empty.
func (q *Queue) Dequeue() *Alert {
	if q.Size() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Alert)
}

// Peek returns the highest-priority alert without removing it.
func (q *Queue) Peek() *Alert {
	if q.Size() == 0 {
		return nil
	}
	return q.h.items[0]
}

// RemoveByID removes an alert by ID in O(log n) via the position index.
func (q *Queue) RemoveByID(id string) (*Alert, error) {
	a := q.remove(id)
	if a == nil {
		return nil, ErrNotFound
	}
	return a, nil
}

// UpdatePriority rewrites an alert's priority and score in place and
// restores heap order.
func (q *Queue) UpdatePriority(id string, level Level, score float64) error {
	i, ok := q.h.index[id]
	if !ok {
		return ErrNotFound
	}
	q.h.items[i].Priority = level
	q.h.items[i].Score = score
	heap.Fix(&q.h, i)
	return nil
}

// FindAlerts returns all queued alerts matching the predicate, in heap
// (not priority) order.
func (q *Queue) FindAlerts(pred func(*Alert) bool) []*Alert {
	var out []*Alert
	for _, a := range q.h.items {
		if pred(a) {
			out = append(out, a)
		}
	}
	return out
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.h.items = nil
	q.h.index = make(map[string]int)
}

// Size returns the number of queued alerts.
func (q *Queue) Size() int { return len(q.h.items) }

// Age applies the aging policy at the given wall-clock time and returns the
// number of alerts whose priority level changed. The heap is rebuilt after
// any score change, since unequal bumps can reorder entries within a level.
func (q *Queue) Age(now time.Time) int {
	promoted := 0
	changed := false
	for _, a := range q.h.items {
		age := now.Sub(a.EnqueuedAt)
		if age < agingMinAge {
			continue
		}
		a.Score += agingBump * math.Floor(age.Seconds()/agingMinAge.Seconds())
		if a.Score > agingScoreCap {
			a.Score = agingScoreCap
		}
		changed = true
		switch {
		case a.Priority == Low && a.Score > promoteLowScore:
			a.Priority = Medium
			promoted++
		case a.Priority == Medium && a.Score > promoteMediumScore:
			a.Priority = High
			promoted++
		}
	}
	if changed {
		heap.Init(&q.h)
	}
	return promoted
}

// Metrics computes a queue snapshot.
func (q *Queue) Metrics(now time.Time) QueueMetrics {
	m := QueueMetrics{
		Size:        q.Size(),
		TotalQueued: q.totalQueued,
		Evictions:   q.evictions,
		ByPriority:  make(map[string]int, 4),
	}
	var waitSum, scoreSum float64
	for _, a := range q.h.items {
		m.ByPriority[a.Priority.String()]++
		waitSum += now.Sub(a.EnqueuedAt).Seconds()
		scoreSum += a.Score
		if m.OldestEnqueuedAt.IsZero() || a.EnqueuedAt.Before(m.OldestEnqueuedAt) {
			m.OldestEnqueuedAt = a.EnqueuedAt
		}
	}
	if m.Size > 0 {
		m.AvgWaitSeconds = waitSum / float64(m.Size)
		m.AvgScore = scoreSum / float64(m.Size)
	}
	return m
}

// worst returns the entry that would be dequeued last, nil when empty.
func (q *Queue) worst() *Alert {
	var w *Alert
	for _, a := range q.h.items {
		if w == nil || less(w, a) {
			w = a
		}
	}
	return w
}

func (q *Queue) remove(id string) *Alert {
	i, ok := q.h.index[id]
	if !ok {
		return nil
	}
	return heap.Remove(&q.h, i).(*Alert)
}

// less reports whether a outranks b: lower level first, then higher score,
// then older enqueue time.
func less(a, b *Alert) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

// alertHeap implements heap.Interface with a position index for O(log n)
// removal by ID.
type alertHeap struct {
	items []*Alert
	index map[string]int
}

func (h *alertHeap) Len() int { return len(h.items) }

func (h *alertHeap) Less(i, j int) bool { return less(h.items[i], h.items[j]) }

func (h *alertHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i].ID] = i
	h.index[h.items[j].ID] = j
}

func (h *alertHeap) Push(x any) {
	a := x.(*Alert)
	h.index[a.ID] = len(h.items)
	h.items = append(h.items, a)
}

func (h *alertHeap) Pop() any {
	n := len(h.items)
	a := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	delete(h.index, a.ID)
	return a
}
