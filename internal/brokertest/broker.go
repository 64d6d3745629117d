// Package brokertest provides an in-process streaming-pull broker over
// bufconn for tests.
package brokertest

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rmacdonaldsmith/streampull-go/internal/wire"
)

const bufSize = 1024 * 1024

// ErrNoStream is returned by Publish when no stream is open.
var ErrNoStream = errors.New("no open stream")

// Modack is one modify-deadline entry received from a client.
type Modack struct {
	AckID   string
	Seconds int32
}

// Broker is a fake subscriber service. It records every request and lets the
// test push messages and break streams.
type Broker struct {
	server *grpc.Server
	lis    *bufconn.Listener
	log    *zap.Logger

	mu       sync.Mutex
	streams  []*stream
	opened   int
	initial  []*wire.StreamingPullRequest
	acks     []string
	modacks  []Modack
	reject   error
	changed  chan struct{}
	closed   bool
	serveErr chan error
}

type stream struct {
	srv    wire.StreamingPullServer
	sendMu sync.Mutex
	kill   chan error
}

// New starts a broker. It is stopped when the test ends.
func New(tb testing.TB, opts ...grpc.ServerOption) *Broker {
	tb.Helper()

	opts = append([]grpc.ServerOption{grpc.ForceServerCodecV2(wire.Codec{})}, opts...)
	b := &Broker{
		server:   grpc.NewServer(opts...),
		lis:      bufconn.Listen(bufSize),
		log:      zap.NewNop(),
		changed:  make(chan struct{}),
		serveErr: make(chan error, 1),
	}
	wire.RegisterSubscriberServer(b.server, b)

	go func() {
		b.serveErr <- b.server.Serve(b.lis)
	}()
	tb.Cleanup(b.Stop)
	return b
}

// SetLogger makes the broker log stream events to log.
func (b *Broker) SetLogger(log *zap.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = log.Named("broker")
}

// Conn returns a client connection to the broker, closed when the test ends.
func (b *Broker) Conn(tb testing.TB, opts ...grpc.DialOption) *grpc.ClientConn {
	tb.Helper()

	opts = append([]grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return b.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient("passthrough:///bufnet", opts...)
	if err != nil {
		tb.Fatalf("failed to dial broker: %v", err)
	}
	tb.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Stop ends every stream and shuts the server down.
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.server.Stop()
	<-b.serveErr
}

// StreamingPull implements wire.SubscriberServer.
func (b *Broker) StreamingPull(srv wire.StreamingPullServer) error {
	first, err := srv.Recv()
	if err != nil {
		return err
	}

	st := &stream{srv: srv, kill: make(chan error, 1)}

	b.mu.Lock()
	b.initial = append(b.initial, first)
	b.recordLocked(first)
	if b.reject != nil {
		err := b.reject
		b.signalLocked()
		log := b.log
		b.mu.Unlock()
		log.Debug("stream rejected", zap.Error(err))
		return err
	}
	b.mu.Unlock()

	// Headers accept the stream before any message is sent.
	if err := srv.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	b.mu.Lock()
	b.streams = append(b.streams, st)
	b.opened++
	b.signalLocked()
	log := b.log
	b.mu.Unlock()

	log.Debug("stream opened",
		zap.String("subscription", first.Subscription),
		zap.String("client_id", first.ClientID))

	defer b.remove(st)

	recvErr := make(chan error, 1)
	go func() {
		for {
			req, err := srv.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			b.mu.Lock()
			b.recordLocked(req)
			b.signalLocked()
			b.mu.Unlock()
		}
	}()

	select {
	case err := <-st.kill:
		return err
	case err := <-recvErr:
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	case <-srv.Context().Done():
		return srv.Context().Err()
	}
}

func (b *Broker) recordLocked(req *wire.StreamingPullRequest) {
	b.acks = append(b.acks, req.AckIDs...)
	for i, id := range req.ModifyDeadlineAckIDs {
		var seconds int32
		if i < len(req.ModifyDeadlineSeconds) {
			seconds = req.ModifyDeadlineSeconds[i]
		}
		b.modacks = append(b.modacks, Modack{AckID: id, Seconds: seconds})
	}
}

func (b *Broker) signalLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Broker) remove(st *stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.streams {
		if s == st {
			b.streams = append(b.streams[:i], b.streams[i+1:]...)
			break
		}
	}
	b.signalLocked()
}

// Publish sends one response carrying msgs on the most recently opened stream.
func (b *Broker) Publish(msgs ...*wire.ReceivedMessage) error {
	b.mu.Lock()
	if len(b.streams) == 0 {
		b.mu.Unlock()
		return ErrNoStream
	}
	st := b.streams[len(b.streams)-1]
	b.mu.Unlock()

	st.sendMu.Lock()
	defer st.sendMu.Unlock()
	return st.srv.Send(&wire.StreamingPullResponse{ReceivedMessages: msgs})
}

// Break ends every open stream with err, typically a status error.
func (b *Broker) Break(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range b.streams {
		select {
		case st.kill <- err:
		default:
		}
	}
}

// Reject makes new streams fail with err after their first request. A nil err
// accepts streams again.
func (b *Broker) Reject(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject = err
}

// WaitFor blocks until cond holds or ctx ends. cond is evaluated with the
// broker locked and must not call other Broker methods.
func (b *Broker) WaitFor(ctx context.Context, cond func(s Snapshot) bool) error {
	for {
		b.mu.Lock()
		ok := cond(b.snapshotLocked())
		changed := b.changed
		b.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// WaitStreams blocks until n streams have been opened in total.
func (b *Broker) WaitStreams(ctx context.Context, n int) error {
	return b.WaitFor(ctx, func(s Snapshot) bool { return s.Opened >= n && s.Open > 0 })
}

// Snapshot is a copy of what the broker has seen.
type Snapshot struct {
	Opened  int
	Open    int
	Initial []*wire.StreamingPullRequest
	Acks    []string
	Modacks []Modack
}

// Nacks returns the ack ids that received a zero deadline.
func (s Snapshot) Nacks() []string {
	var out []string
	for _, m := range s.Modacks {
		if m.Seconds == 0 {
			out = append(out, m.AckID)
		}
	}
	return out
}

// Extensions returns the modify-deadline entries with a positive deadline.
func (s Snapshot) Extensions() []Modack {
	var out []Modack
	for _, m := range s.Modacks {
		if m.Seconds > 0 {
			out = append(out, m)
		}
	}
	return out
}

// Snapshot returns a copy of what the broker has seen so far.
func (b *Broker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Broker) snapshotLocked() Snapshot {
	return Snapshot{
		Opened:  b.opened,
		Open:    len(b.streams),
		Initial: append([]*wire.StreamingPullRequest(nil), b.initial...),
		Acks:    append([]string(nil), b.acks...),
		Modacks: append([]Modack(nil), b.modacks...),
	}
}

// Message builds a received message for Publish.
func Message(ackID, id string, data []byte, orderingKey string) *wire.ReceivedMessage {
	return &wire.ReceivedMessage{
		AckID: ackID,
		Message: &wire.PubsubMessage{
			MessageID:   id,
			Data:        data,
			PublishTime: time.Now().UTC().Truncate(time.Microsecond),
			OrderingKey: orderingKey,
		},
	}
}
