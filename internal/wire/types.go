package wire

import "time"

// StreamingPullRequest is sent on the client half of the streaming-pull RPC.
// The first request of a stream must carry Subscription and
// StreamAckDeadlineSeconds; later requests carry acks and deadline changes.
type StreamingPullRequest struct {
	Subscription             string
	AckIDs                   []string
	ModifyDeadlineSeconds    []int32
	ModifyDeadlineAckIDs     []string
	StreamAckDeadlineSeconds int32
	ClientID                 string
	MaxOutstandingMessages   int64
	MaxOutstandingBytes      int64
}

// Empty reports whether the request carries no acks and no deadline changes.
func (r *StreamingPullRequest) Empty() bool {
	return len(r.AckIDs) == 0 && len(r.ModifyDeadlineAckIDs) == 0
}

// StreamingPullResponse is a batch of messages pushed by the broker.
type StreamingPullResponse struct {
	ReceivedMessages []*ReceivedMessage
}

// ReceivedMessage pairs a message with the ack id of this delivery.
type ReceivedMessage struct {
	AckID           string
	Message         *PubsubMessage
	DeliveryAttempt int32
}

// PubsubMessage is the broker message envelope.
type PubsubMessage struct {
	Data        []byte
	Attributes  map[string]string
	MessageID   string
	PublishTime time.Time
	OrderingKey string
}

// Size returns the encoded size of the message, which is what flow control charges.
func (m *PubsubMessage) Size() int64 {
	if m == nil {
		return 0
	}
	return int64(len(appendPubsubMessage(nil, m)))
}
