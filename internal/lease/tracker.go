// Package lease tracks the lease deadline of every delivery that has been
// admitted but not yet finalized.
package lease

import (
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// DefaultMaxExtension is how long a delivery is kept leased before the tracker
// gives up on it and lets it expire.
const DefaultMaxExtension = 60 * time.Minute

var (
	// ErrDuplicate is returned when an ack id is registered twice.
	ErrDuplicate = errors.New("ack id already tracked")
	// ErrNotTracked is returned when finalizing an ack id that is not tracked.
	ErrNotTracked = errors.New("ack id not tracked")
)

// Record is the lease state of one delivery.
type Record struct {
	AckID      string
	ReceivedAt time.Time
	Deadline   time.Time
	Size       int64
}

// Tracker holds one Record per outstanding ack id.
// Every method is safe for concurrent use.
type Tracker struct {
	records      *xsync.Map[string, Record]
	bytes        atomic.Int64
	maxExtension time.Duration
	now          func() time.Time
}

// NewTracker creates a tracker. A non-positive maxExtension uses DefaultMaxExtension.
func NewTracker(maxExtension time.Duration) *Tracker {
	if maxExtension <= 0 {
		maxExtension = DefaultMaxExtension
	}
	return &Tracker{
		records:      xsync.NewMap[string, Record](),
		maxExtension: maxExtension,
		now:          time.Now,
	}
}

// Register starts tracking ackID with an initial lease of deadline.
func (t *Tracker) Register(ackID string, size int64, deadline time.Duration) error {
	now := t.now()
	rec := Record{
		AckID:      ackID,
		ReceivedAt: now,
		Deadline:   now.Add(deadline),
		Size:       size,
	}
	if _, loaded := t.records.LoadOrStore(ackID, rec); loaded {
		return ErrDuplicate
	}
	t.bytes.Add(size)
	return nil
}

// Finalize stops tracking ackID and returns its record.
// Only the first call for a given registration succeeds.
func (t *Tracker) Finalize(ackID string) (Record, error) {
	rec, ok := t.records.LoadAndDelete(ackID)
	if !ok {
		return Record{}, ErrNotTracked
	}
	t.bytes.Add(-rec.Size)
	return rec, nil
}

// ExtendDue pushes out the deadline of every record that expires within
// horizon of now, setting it to now+newDeadline, and returns their ack ids.
// Records leased for longer than the maximum extension are removed instead and
// returned as expired.
func (t *Tracker) ExtendDue(now time.Time, horizon, newDeadline time.Duration) (due []string, expired []Record) {
	cutoff := now.Add(horizon)

	for _, ackID := range t.AckIDs() {
		var expiredRec Record
		var isExpired, isDue bool

		t.records.Compute(ackID, func(rec Record, loaded bool) (Record, xsync.ComputeOp) {
			if !loaded {
				return rec, xsync.CancelOp
			}
			if now.Sub(rec.ReceivedAt) >= t.maxExtension {
				expiredRec, isExpired = rec, true
				return rec, xsync.DeleteOp
			}
			if rec.Deadline.After(cutoff) {
				return rec, xsync.CancelOp
			}
			rec.Deadline = now.Add(newDeadline)
			isDue = true
			return rec, xsync.UpdateOp
		})

		switch {
		case isExpired:
			t.bytes.Add(-expiredRec.Size)
			expired = append(expired, expiredRec)
		case isDue:
			due = append(due, ackID)
		}
	}
	return due, expired
}

// Get returns the record for ackID.
func (t *Tracker) Get(ackID string) (Record, bool) {
	return t.records.Load(ackID)
}

// Len returns the number of tracked deliveries.
func (t *Tracker) Len() int {
	return t.records.Size()
}

// Bytes returns the summed size of tracked deliveries.
func (t *Tracker) Bytes() int64 {
	return t.bytes.Load()
}

// AckIDs returns the tracked ack ids in sorted order.
func (t *Tracker) AckIDs() []string {
	ids := make([]string, 0, t.records.Size())
	t.records.Range(func(ackID string, _ Record) bool {
		ids = append(ids, ackID)
		return true
	})
	sort.Strings(ids)
	return ids
}

// Drain removes and returns every tracked record.
func (t *Tracker) Drain() []Record {
	var out []Record
	for _, ackID := range t.AckIDs() {
		if rec, err := t.Finalize(ackID); err == nil {
			out = append(out, rec)
		}
	}
	return out
}
