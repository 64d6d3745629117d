package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	// ServiceName is the fully qualified broker subscriber service.
	ServiceName = "google.pubsub.v1.Subscriber"
	// StreamingPullMethod is the full method name of the streaming-pull RPC.
	StreamingPullMethod = "/" + ServiceName + "/StreamingPull"
)

var streamingPullDesc = grpc.StreamDesc{
	StreamName:    "StreamingPull",
	ServerStreams: true,
	ClientStreams: true,
}

// StreamingPullClient is the client half of an open streaming-pull RPC.
type StreamingPullClient interface {
	// Header blocks until the broker sends response headers. It returns nil
	// metadata when the stream ended without them.
	Header() (metadata.MD, error)
	Send(*StreamingPullRequest) error
	Recv() (*StreamingPullResponse, error)
	CloseSend() error
	Context() context.Context
}

type streamingPullClient struct {
	grpc.ClientStream
}

// NewStreamingPullClient opens a streaming-pull RPC on cc.
func NewStreamingPullClient(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (StreamingPullClient, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodecV2(Codec{})}, opts...)
	cs, err := cc.NewStream(ctx, &streamingPullDesc, StreamingPullMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &streamingPullClient{ClientStream: cs}, nil
}

func (c *streamingPullClient) Send(req *StreamingPullRequest) error {
	return c.ClientStream.SendMsg(req)
}

func (c *streamingPullClient) Recv() (*StreamingPullResponse, error) {
	resp := new(StreamingPullResponse)
	if err := c.ClientStream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SubscriberServer is the broker side of the streaming-pull RPC. It is used by
// in-process brokers in tests and tools.
type SubscriberServer interface {
	StreamingPull(StreamingPullServer) error
}

// StreamingPullServer is the server half of an open streaming-pull RPC.
type StreamingPullServer interface {
	Send(*StreamingPullResponse) error
	Recv() (*StreamingPullRequest, error)
	grpc.ServerStream
}

type streamingPullServer struct {
	grpc.ServerStream
}

func (s *streamingPullServer) Send(resp *StreamingPullResponse) error {
	return s.ServerStream.SendMsg(resp)
}

func (s *streamingPullServer) Recv() (*StreamingPullRequest, error) {
	req := new(StreamingPullRequest)
	if err := s.ServerStream.RecvMsg(req); err != nil {
		return nil, err
	}
	return req, nil
}

func streamingPullHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SubscriberServer).StreamingPull(&streamingPullServer{ServerStream: stream})
}

var subscriberServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SubscriberServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamingPull",
			Handler:       streamingPullHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "google/pubsub/v1/pubsub.proto",
}

// RegisterSubscriberServer registers srv on s. The server must be created with
// grpc.ForceServerCodecV2(wire.Codec{}).
func RegisterSubscriberServer(s grpc.ServiceRegistrar, srv SubscriberServer) {
	s.RegisterService(&subscriberServiceDesc, srv)
}
