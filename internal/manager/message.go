package manager

import (
	"maps"
	"time"

	"github.com/rmacdonaldsmith/streampull-go/internal/wire"
	"github.com/rmacdonaldsmith/streampull-go/pkg/subscriber"
)

// message is the subscriber.Message handed to handlers. Ack and Nack are
// sent to the manager loop as commands.
type message struct {
	mgr      *Manager
	ackID    string
	msg      *wire.PubsubMessage
	attempt  int
	size     int64
	received time.Time
}

var _ subscriber.Message = (*message)(nil)

func newMessage(mgr *Manager, rm *wire.ReceivedMessage, size int64) *message {
	msg := rm.Message
	if msg == nil {
		msg = &wire.PubsubMessage{}
	}
	return &message{
		mgr:      mgr,
		ackID:    rm.AckID,
		msg:      msg,
		attempt:  int(rm.DeliveryAttempt),
		size:     size,
		received: time.Now(),
	}
}

func (m *message) ID() string                    { return m.msg.MessageID }
func (m *message) AckID() string                 { return m.ackID }
func (m *message) Data() []byte                  { return m.msg.Data }
func (m *message) Attributes() map[string]string { return maps.Clone(m.msg.Attributes) }
func (m *message) PublishTime() time.Time        { return m.msg.PublishTime }
func (m *message) OrderingKey() string           { return m.msg.OrderingKey }
func (m *message) DeliveryAttempt() int          { return m.attempt }
func (m *message) Size() int64                   { return m.size }

func (m *message) Ack() error {
	return m.mgr.finalizeRequest(m.ackID, cmdAck)
}

func (m *message) Nack() error {
	return m.mgr.finalizeRequest(m.ackID, cmdNack)
}
