package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// FileQueue keeps events in memory and, when a path is set, persists the whole set as one
// JSON document after every mutation (write to temp file, then rename).
//
// It is meant for single-process deployments and tests; an empty path means memory only.
type FileQueue struct {
	mu     sync.Mutex
	path   string
	events map[string]Event
}

type fileDoc struct {
	Events []Event `json:"events"`
}

// OpenFileQueue loads path if it exists.
func OpenFileQueue(path string) (*FileQueue, error) {
	q := &FileQueue{path: strings.TrimSpace(path), events: make(map[string]Event)}
	if q.path == "" {
		return q, nil
	}

	raw, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: read %s: %w", q.path, err)
	}
	if len(raw) == 0 {
		return q, nil
	}

	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("outbox: decode %s: %w", q.path, err)
	}
	for _, e := range doc.Events {
		q.events[e.ID] = e
	}
	return q, nil
}

// NewMemoryQueue returns a FileQueue without persistence.
func NewMemoryQueue() *FileQueue {
	q, _ := OpenFileQueue("")
	return q
}

// Close is a no-op; every mutation is already flushed.
func (q *FileQueue) Close() error { return nil }

func (q *FileQueue) Enqueue(ctx context.Context, events ...Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	prev := make(map[string]Event, len(events))
	for _, e := range events {
		if _, dup := q.events[e.ID]; dup {
			return fmt.Errorf("outbox: duplicate event id %s", e.ID)
		}
	}
	for _, e := range events {
		prev[e.ID] = e
		q.events[e.ID] = e
	}
	if err := q.flushLocked(); err != nil {
		for id := range prev {
			delete(q.events, id)
		}
		return err
	}
	return nil
}

func (q *FileQueue) ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, e := range q.events {
		if e.Status == StatusSending && e.UpdatedAt.Before(staleBefore) {
			e.Status = StatusPending
			e.LastError = staleSendingError
			e.UpdatedAt = now
			q.events[id] = e
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, q.flushLocked()
}

func (q *FileQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]Event, 0, limit)
	for _, e := range q.events {
		if e.due(now) {
			due = append(due, e)
		}
	}
	sortOldestFirst(due)
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = StatusSending
		due[i].UpdatedAt = now
		q.events[due[i].ID] = due[i]
	}
	if len(due) == 0 {
		return nil, nil
	}
	return due, q.flushLocked()
}

func (q *FileQueue) Complete(ctx context.Context, id string, out Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.events[id]
	if !ok {
		return ErrEventNotFound
	}
	if e.Status != StatusSending {
		return ErrNotClaimed
	}
	q.events[id] = applyOutcome(e, out)
	return q.flushLocked()
}

func (q *FileQueue) Retry(ctx context.Context, id string, now time.Time) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.events[id]
	if !ok {
		return Event{}, ErrEventNotFound
	}
	if e.Status != StatusFailed && e.Status != StatusDead {
		return Event{}, ErrNotRetryable
	}
	e.Status = StatusPending
	e.Retries = 0
	e.NextRetryAt = nil
	e.UpdatedAt = now
	q.events[id] = e
	return e, q.flushLocked()
}

func (q *FileQueue) Get(ctx context.Context, id string) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.events[id]
	if !ok {
		return Event{}, ErrEventNotFound
	}
	return e, nil
}

func (q *FileQueue) List(ctx context.Context, f Filter) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Event, 0)
	for _, e := range q.events {
		if f.match(e) {
			out = append(out, e)
		}
	}
	sortOldestFirst(out)
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (q *FileQueue) Scan(ctx context.Context, f Filter, fn func(Event) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	out := make([]Event, 0)
	for _, e := range q.events {
		if f.match(e) {
			out = append(out, e)
		}
	}
	q.mu.Unlock()

	sortOldestFirst(out)
	for _, e := range out {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (q *FileQueue) CountByStatus(ctx context.Context) (map[Status]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[Status]int)
	for _, e := range q.events {
		out[e.Status]++
	}
	return out, nil
}

func (q *FileQueue) flushLocked() error {
	if q.path == "" {
		return nil
	}
	doc := fileDoc{Events: make([]Event, 0, len(q.events))}
	for _, e := range q.events {
		doc.Events = append(doc.Events, e)
	}
	sortOldestFirst(doc.Events)

	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(q.path), filepath.Base(q.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("outbox: flush: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("outbox: flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("outbox: flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("outbox: flush: %w", err)
	}
	if err := os.Rename(tmpName, q.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("outbox: flush: %w", err)
	}
	return nil
}

func sortOldestFirst(events []Event) {
	slices.SortFunc(events, func(a, b Event) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
