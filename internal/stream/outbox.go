package stream

import (
	"sync"

	"github.com/rmacdonaldsmith/streampull-go/internal/wire"
)

// MaxAckIDsPerRequest bounds the ack ids in one request, and separately the
// modify-deadline ids.
const MaxAckIDsPerRequest = 2500

type modack struct {
	ackID   string
	seconds int32
}

// outbox collects control messages until the send loop takes them.
// Duplicate ack ids coalesce. Acking or nacking an id drops any pending
// extension for it.
type outbox struct {
	mu sync.Mutex

	acks    []string
	nacks   []string
	extends []modack
	queued  map[string]struct{}

	// notify holds a token while the outbox is non-empty.
	notify chan struct{}
}

func newOutbox() *outbox {
	return &outbox{
		queued: make(map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
}

func (o *outbox) ack(ids ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		if o.finalizeLocked(id) {
			o.acks = append(o.acks, id)
		}
	}
	o.signalLocked()
}

func (o *outbox) nack(ids ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		if o.finalizeLocked(id) {
			o.nacks = append(o.nacks, id)
		}
	}
	o.signalLocked()
}

func (o *outbox) extend(seconds int32, ids ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		if _, ok := o.queued[id]; ok {
			continue
		}
		o.queued[id] = struct{}{}
		o.extends = append(o.extends, modack{ackID: id, seconds: seconds})
	}
	o.signalLocked()
}

// finalizeLocked drops a pending extension for id and reports whether id
// still needs queueing.
func (o *outbox) finalizeLocked(id string) bool {
	if _, ok := o.queued[id]; !ok {
		o.queued[id] = struct{}{}
		return true
	}
	for i, m := range o.extends {
		if m.ackID == id {
			o.extends = append(o.extends[:i], o.extends[i+1:]...)
			return true
		}
	}
	// Already queued as an ack or nack.
	return false
}

func (o *outbox) signalLocked() {
	if len(o.acks)+len(o.nacks)+len(o.extends) == 0 {
		return
	}
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// take removes and returns the next request, or nil when empty.
func (o *outbox) take() *wire.StreamingPullRequest {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.acks)+len(o.nacks)+len(o.extends) == 0 {
		return nil
	}

	req := &wire.StreamingPullRequest{}

	n := min(len(o.acks), MaxAckIDsPerRequest)
	req.AckIDs = append(req.AckIDs, o.acks[:n]...)
	o.acks = o.acks[n:]

	room := MaxAckIDsPerRequest
	n = min(len(o.nacks), room)
	for _, id := range o.nacks[:n] {
		req.ModifyDeadlineAckIDs = append(req.ModifyDeadlineAckIDs, id)
		req.ModifyDeadlineSeconds = append(req.ModifyDeadlineSeconds, 0)
	}
	o.nacks = o.nacks[n:]
	room -= n

	n = min(len(o.extends), room)
	for _, m := range o.extends[:n] {
		req.ModifyDeadlineAckIDs = append(req.ModifyDeadlineAckIDs, m.ackID)
		req.ModifyDeadlineSeconds = append(req.ModifyDeadlineSeconds, m.seconds)
	}
	o.extends = o.extends[n:]

	for _, id := range req.AckIDs {
		delete(o.queued, id)
	}
	for _, id := range req.ModifyDeadlineAckIDs {
		delete(o.queued, id)
	}

	o.signalLocked()
	return req
}

// requeue puts back the acks and nacks of a request that failed to send.
// Extensions are dropped.
func (o *outbox) requeue(req *wire.StreamingPullRequest) {
	var nacks []string
	for i, id := range req.ModifyDeadlineAckIDs {
		if req.ModifyDeadlineSeconds[i] == 0 {
			nacks = append(nacks, id)
		}
	}
	if len(req.AckIDs) > 0 {
		o.ack(req.AckIDs...)
	}
	if len(nacks) > 0 {
		o.nack(nacks...)
	}
}

// dropExtensions discards pending extensions. They are stale once the stream
// they were meant for is gone.
func (o *outbox) dropExtensions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.extends)
	for _, m := range o.extends {
		delete(o.queued, m.ackID)
	}
	o.extends = nil
	return n
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.acks) + len(o.nacks) + len(o.extends)
}
