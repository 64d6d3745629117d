package wire

import (
	"fmt"

	"google.golang.org/grpc/mem"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Field numbers follow google/pubsub/v1/pubsub.proto so the encoding is
// interchangeable with generated code on the broker side.
const (
	reqSubscription             protowire.Number = 1
	reqAckIDs                   protowire.Number = 2
	reqModifyDeadlineSeconds    protowire.Number = 3
	reqModifyDeadlineAckIDs     protowire.Number = 4
	reqStreamAckDeadlineSeconds protowire.Number = 5
	reqClientID                 protowire.Number = 6
	reqMaxOutstandingMessages   protowire.Number = 7
	reqMaxOutstandingBytes      protowire.Number = 8

	respReceivedMessages protowire.Number = 1

	rmAckID           protowire.Number = 1
	rmMessage         protowire.Number = 2
	rmDeliveryAttempt protowire.Number = 3

	msgData        protowire.Number = 1
	msgAttributes  protowire.Number = 2
	msgMessageID   protowire.Number = 3
	msgPublishTime protowire.Number = 4
	msgOrderingKey protowire.Number = 5

	mapKey   protowire.Number = 1
	mapValue protowire.Number = 2
)

// Codec is a gRPC encoding.CodecV2 for the streaming-pull messages.
type Codec struct{}

// Name returns "proto" so the content type matches a protobuf broker.
func (Codec) Name() string { return "proto" }

func (Codec) Marshal(v any) (mem.BufferSlice, error) {
	var b []byte
	switch m := v.(type) {
	case *StreamingPullRequest:
		b = AppendRequest(nil, m)
	case *StreamingPullResponse:
		b = AppendResponse(nil, m)
	default:
		return nil, fmt.Errorf("wire: cannot marshal %T", v)
	}
	return mem.BufferSlice{mem.SliceBuffer(b)}, nil
}

func (Codec) Unmarshal(data mem.BufferSlice, v any) error {
	b := data.Materialize()
	switch m := v.(type) {
	case *StreamingPullRequest:
		return UnmarshalRequest(b, m)
	case *StreamingPullResponse:
		return UnmarshalResponse(b, m)
	default:
		return fmt.Errorf("wire: cannot unmarshal into %T", v)
	}
}

// AppendRequest appends the wire encoding of r to b.
func AppendRequest(b []byte, r *StreamingPullRequest) []byte {
	b = appendString(b, reqSubscription, r.Subscription)
	for _, id := range r.AckIDs {
		b = protowire.AppendTag(b, reqAckIDs, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	if len(r.ModifyDeadlineSeconds) > 0 {
		var packed []byte
		for _, s := range r.ModifyDeadlineSeconds {
			packed = protowire.AppendVarint(packed, uint64(int64(s)))
		}
		b = protowire.AppendTag(b, reqModifyDeadlineSeconds, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	for _, id := range r.ModifyDeadlineAckIDs {
		b = protowire.AppendTag(b, reqModifyDeadlineAckIDs, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	b = appendVarint(b, reqStreamAckDeadlineSeconds, uint64(int64(r.StreamAckDeadlineSeconds)))
	b = appendString(b, reqClientID, r.ClientID)
	b = appendVarint(b, reqMaxOutstandingMessages, uint64(r.MaxOutstandingMessages))
	b = appendVarint(b, reqMaxOutstandingBytes, uint64(r.MaxOutstandingBytes))
	return b
}

// AppendResponse appends the wire encoding of r to b.
func AppendResponse(b []byte, r *StreamingPullResponse) []byte {
	for _, rm := range r.ReceivedMessages {
		var inner []byte
		inner = appendString(inner, rmAckID, rm.AckID)
		if rm.Message != nil {
			inner = protowire.AppendTag(inner, rmMessage, protowire.BytesType)
			inner = protowire.AppendBytes(inner, appendPubsubMessage(nil, rm.Message))
		}
		inner = appendVarint(inner, rmDeliveryAttempt, uint64(int64(rm.DeliveryAttempt)))
		b = protowire.AppendTag(b, respReceivedMessages, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

func appendPubsubMessage(b []byte, m *PubsubMessage) []byte {
	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, msgData, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	for k, v := range m.Attributes {
		var entry []byte
		entry = appendString(entry, mapKey, k)
		entry = appendString(entry, mapValue, v)
		b = protowire.AppendTag(b, msgAttributes, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	b = appendString(b, msgMessageID, m.MessageID)
	if !m.PublishTime.IsZero() {
		ts, _ := proto.Marshal(timestamppb.New(m.PublishTime))
		b = protowire.AppendTag(b, msgPublishTime, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}
	b = appendString(b, msgOrderingKey, m.OrderingKey)
	return b
}

// UnmarshalRequest decodes b into r. Unknown fields are skipped.
func UnmarshalRequest(b []byte, r *StreamingPullRequest) error {
	*r = StreamingPullRequest{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == reqSubscription && typ == protowire.BytesType:
			return consumeString(b, &r.Subscription)
		case num == reqAckIDs && typ == protowire.BytesType:
			var s string
			n, err := consumeString(b, &s)
			r.AckIDs = append(r.AckIDs, s)
			return n, err
		case num == reqModifyDeadlineSeconds && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				r.ModifyDeadlineSeconds = append(r.ModifyDeadlineSeconds, int32(v))
				packed = packed[m:]
			}
			return n, nil
		case num == reqModifyDeadlineSeconds && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.ModifyDeadlineSeconds = append(r.ModifyDeadlineSeconds, int32(v))
			return n, nil
		case num == reqModifyDeadlineAckIDs && typ == protowire.BytesType:
			var s string
			n, err := consumeString(b, &s)
			r.ModifyDeadlineAckIDs = append(r.ModifyDeadlineAckIDs, s)
			return n, err
		case num == reqStreamAckDeadlineSeconds && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.StreamAckDeadlineSeconds = int32(v)
			return checked(n)
		case num == reqClientID && typ == protowire.BytesType:
			return consumeString(b, &r.ClientID)
		case num == reqMaxOutstandingMessages && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.MaxOutstandingMessages = int64(v)
			return checked(n)
		case num == reqMaxOutstandingBytes && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.MaxOutstandingBytes = int64(v)
			return checked(n)
		}
		return skip(num, typ, b)
	})
}

// UnmarshalResponse decodes b into r. Unknown fields are skipped.
func UnmarshalResponse(b []byte, r *StreamingPullResponse) error {
	*r = StreamingPullResponse{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != respReceivedMessages || typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		inner, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		rm, err := unmarshalReceivedMessage(inner)
		if err != nil {
			return 0, err
		}
		r.ReceivedMessages = append(r.ReceivedMessages, rm)
		return n, nil
	})
}

func unmarshalReceivedMessage(b []byte) (*ReceivedMessage, error) {
	rm := &ReceivedMessage{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == rmAckID && typ == protowire.BytesType:
			return consumeString(b, &rm.AckID)
		case num == rmMessage && typ == protowire.BytesType:
			inner, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m, err := unmarshalPubsubMessage(inner)
			if err != nil {
				return 0, err
			}
			rm.Message = m
			return n, nil
		case num == rmDeliveryAttempt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			rm.DeliveryAttempt = int32(v)
			return checked(n)
		}
		return skip(num, typ, b)
	})
	return rm, err
}

func unmarshalPubsubMessage(b []byte) (*PubsubMessage, error) {
	m := &PubsubMessage{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		switch num {
		case msgData:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.Data = append([]byte(nil), v...)
			return n, nil
		case msgAttributes:
			entry, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			var k, v string
			err := walkFields(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch {
				case num == mapKey && typ == protowire.BytesType:
					return consumeString(b, &k)
				case num == mapValue && typ == protowire.BytesType:
					return consumeString(b, &v)
				}
				return skip(num, typ, b)
			})
			if err != nil {
				return 0, err
			}
			if m.Attributes == nil {
				m.Attributes = make(map[string]string)
			}
			m.Attributes[k] = v
			return n, nil
		case msgMessageID:
			return consumeString(b, &m.MessageID)
		case msgPublishTime:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(raw, &ts); err != nil {
				return 0, fmt.Errorf("wire: publish time: %w", err)
			}
			m.PublishTime = ts.AsTime()
			return n, nil
		case msgOrderingKey:
			return consumeString(b, &m.OrderingKey)
		}
		return skip(num, typ, b)
	})
	return m, err
}

type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return checked(protowire.ConsumeFieldValue(num, typ, b))
}

func checked(n int) (int, error) {
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func consumeString(b []byte, dst *string) (int, error) {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
