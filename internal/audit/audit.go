// Package audit records security-relevant events asynchronously. Writes go
// through a bounded queue drained by a single worker; when the queue is full
// the event is dropped and counted rather than blocking the caller or
// vanishing silently.
package audit

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anchorage-sh/anchorage/internal/database"
	"github.com/anchorage-sh/anchorage/internal/logutil"
	"github.com/anchorage-sh/anchorage/internal/metrics"
	"gorm.io/gorm"
)

// Event types recorded by the orchestrator and trust store.
const (
	EventSessionStart       = "session_start"
	EventSessionEnd         = "session_end"
	EventSessionError       = "session_error"
	EventCredentialResolved = "credential_resolved"
	EventHostKeyMismatch    = "host_key_mismatch"
	EventHostApproved       = "host_approved"
	EventHostRejected       = "host_rejected"
	EventHostRevoked        = "host_revoked"
)

// DefaultRetentionDays is how long audit rows are kept by Prune.
const DefaultRetentionDays = 90

// Event is one audit record to enqueue.
type Event struct {
	ConnectionID string
	SessionID    string
	EventType    string
	Details      string
}

// Queue is the bounded asynchronous audit writer.
type Queue struct {
	db      *gorm.DB
	events  chan Event
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	done      chan struct{}

	retentionDays int
	nowFn         func() time.Time
}

// NewQueue creates a Queue with the given buffer size and starts its worker.
// A size of 0 or less defaults to 256.
func NewQueue(db *gorm.DB, size, retentionDays int) *Queue {
	if size <= 0 {
		size = 256
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	q := &Queue{
		db:            db,
		events:        make(chan Event, size),
		done:          make(chan struct{}),
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	for ev := range q.events {
		rec := database.AuditLog{
			ConnectionID: ev.ConnectionID,
			SessionID:    ev.SessionID,
			EventType:    ev.EventType,
			Details:      logutil.SanitizeForLog(ev.Details),
		}
		if err := q.db.Create(&rec).Error; err != nil {
			log.Printf("[audit] failed to write %s event: %v", ev.EventType, err)
		}
	}
	close(q.done)
}

// Emit enqueues an event without blocking. A full or closed queue drops the
// event and bumps the dropped counter. Safe to call concurrently with Close;
// session supervision can still be winding down during shutdown.
func (q *Queue) Emit(ev Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop(ev)
		return
	}
	select {
	case q.events <- ev:
	default:
		q.drop(ev)
	}
}

func (q *Queue) drop(ev Event) {
	q.dropped.Add(1)
	metrics.AuditDropped.Inc()
	log.Printf("[audit] dropped %s event (total dropped: %d)",
		ev.EventType, q.dropped.Load())
}

// Dropped returns how many events have been dropped since start.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close stops accepting events and waits for the worker to drain the queue.
// Later Emit calls are counted drops, not panics.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.events)
	})
	<-q.done
}

// Prune deletes audit rows older than the retention window and returns how
// many were removed.
func (q *Queue) Prune() (int64, error) {
	cutoff := q.nowFn().AddDate(0, 0, -q.retentionDays)
	res := q.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("[audit] pruned %d entries older than %d days", res.RowsAffected, q.retentionDays)
	}
	return res.RowsAffected, nil
}
