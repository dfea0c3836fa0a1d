package storage

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
)

// DefaultQueueCapacity bounds each pending queue when no capacity is configured.
const DefaultQueueCapacity = 500

// Entry is an item of a pending queue. Every entry carries a client
// generated id so the authority can deduplicate redelivered batches.
type Entry interface {
	EntryID() string
}

// NewID returns a fresh idempotency id for a queue entry.
func NewID() string {
	return uuid.NewString()
}

// Queue is a bounded, ordered append log. When full, the oldest entries
// are dropped and counted in Dropped.
type Queue[T Entry] struct {
	Items    []T `json:"items"`
	Dropped  int `json:"dropped,omitempty"`
	capacity int
}

// NewQueue returns an empty queue holding at most capacity entries.
func NewQueue[T Entry](capacity int) Queue[T] {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return Queue[T]{Items: []T{}, capacity: capacity}
}

// SetCapacity changes the bound, trimming the oldest entries if needed.
func (q *Queue[T]) SetCapacity(capacity int) {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q.capacity = capacity
	q.trim()
}

// Capacity returns the configured bound.
func (q *Queue[T]) Capacity() int {
	if q.capacity <= 0 {
		return DefaultQueueCapacity
	}
	return q.capacity
}

// Push appends entries and returns how many old entries were dropped to
// stay within capacity.
func (q *Queue[T]) Push(entries ...T) int {
	q.Items = append(q.Items, entries...)
	return q.trim()
}

func (q *Queue[T]) trim() int {
	over := len(q.Items) - q.Capacity()
	if over <= 0 {
		return 0
	}
	kept := make([]T, len(q.Items)-over)
	copy(kept, q.Items[over:])
	q.Items = kept
	q.Dropped += over
	return over
}

// Peek returns a copy of up to n entries from the head of the queue.
// n <= 0 returns every entry.
func (q *Queue[T]) Peek(n int) []T {
	if n <= 0 || n > len(q.Items) {
		n = len(q.Items)
	}
	out := make([]T, n)
	copy(out, q.Items[:n])
	return out
}

// Ack removes exactly the entries whose ids are listed and returns the
// number removed. Entries pushed after a batch was peeked stay queued.
func (q *Queue[T]) Ack(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	kept := q.Items[:0:0]
	removed := 0
	for _, item := range q.Items {
		if _, ok := set[item.EntryID()]; ok {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.Items = kept
	return removed
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	return len(q.Items)
}

// UnmarshalJSON accepts both the current object form and the bare array
// used by schema version 2.
func (q *Queue[T]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		q.Items = []T{}
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		q.Items = items
		return nil
	}
	type plain struct {
		Items   []T `json:"items"`
		Dropped int `json:"dropped"`
	}
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	q.Items = p.Items
	q.Dropped = p.Dropped
	if q.Items == nil {
		q.Items = []T{}
	}
	return nil
}

// IDs returns the entry ids of items, in order.
func IDs[T Entry](items []T) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.EntryID()
	}
	return ids
}

// WalletTransaction is a coin movement made while offline.
type WalletTransaction struct {
	ID     string `json:"id"`
	Type   string `json:"type"` // spend, earn or refund
	Amount int    `json:"amount"`
	Domain string `json:"domain,omitempty"`
	Mode   Mode   `json:"mode,omitempty"`
	Reason string `json:"reason,omitempty"`
	TS     int64  `json:"ts"`
}

func (t WalletTransaction) EntryID() string { return t.ID }

// ConsumptionEvent records time spent under a paywall session.
type ConsumptionEvent struct {
	ID      string  `json:"id"`
	Domain  string  `json:"domain"`
	Mode    Mode    `json:"mode"`
	Seconds float64 `json:"seconds"`
	Cost    int     `json:"cost"`
	TS      int64   `json:"ts"`
}

func (e ConsumptionEvent) EntryID() string { return e.ID }

// ActivityEvent is a browsing telemetry record.
type ActivityEvent struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Domain string `json:"domain,omitempty"`
	URL    string `json:"url,omitempty"`
	Title  string `json:"title,omitempty"`
	Detail string `json:"detail,omitempty"`
	TS     int64  `json:"ts"`
}

func (e ActivityEvent) EntryID() string { return e.ID }

// FocusBlockEvent records a navigation blocked by a focus session.
type FocusBlockEvent struct {
	ID     string `json:"id"`
	Target string `json:"target"`
	Reason string `json:"reason"`
	TS     int64  `json:"ts"`
}

func (e FocusBlockEvent) EntryID() string { return e.ID }

func (a EmergencyAudit) EntryID() string { return a.ID }
