package stream

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbox_TakeBuildsRequest(t *testing.T) {
	o := newOutbox()
	assert.Nil(t, o.take())

	o.ack("a1", "a2")
	o.nack("n1")
	o.extend(10, "e1", "e2")

	select {
	case <-o.notify:
	default:
		t.Fatal("expected notify token")
	}

	req := o.take()
	require.NotNil(t, req)
	assert.Equal(t, []string{"a1", "a2"}, req.AckIDs)
	assert.Equal(t, []string{"n1", "e1", "e2"}, req.ModifyDeadlineAckIDs)
	assert.Equal(t, []int32{0, 10, 10}, req.ModifyDeadlineSeconds)
	assert.Zero(t, o.len())
	assert.Nil(t, o.take())
}

func TestOutbox_Coalesces(t *testing.T) {
	o := newOutbox()

	o.extend(10, "x", "y")
	o.extend(10, "x")
	o.ack("x")
	o.ack("x")
	o.nack("y")
	o.nack("y")

	req := o.take()
	require.NotNil(t, req)
	assert.Equal(t, []string{"x"}, req.AckIDs)
	assert.Equal(t, []string{"y"}, req.ModifyDeadlineAckIDs)
	assert.Equal(t, []int32{0}, req.ModifyDeadlineSeconds)
}

func TestOutbox_SplitsLargeBatches(t *testing.T) {
	o := newOutbox()

	total := MaxAckIDsPerRequest*2 + 10
	for i := 0; i < total; i++ {
		o.ack(fmt.Sprintf("a%d", i))
	}

	var sizes []int
	for req := o.take(); req != nil; req = o.take() {
		assert.LessOrEqual(t, len(req.AckIDs), MaxAckIDsPerRequest)
		sizes = append(sizes, len(req.AckIDs))
	}
	assert.Equal(t, []int{MaxAckIDsPerRequest, MaxAckIDsPerRequest, 10}, sizes)
}

func TestOutbox_NacksBeforeExtensions(t *testing.T) {
	o := newOutbox()

	for i := 0; i < MaxAckIDsPerRequest; i++ {
		o.extend(10, fmt.Sprintf("e%d", i))
	}
	o.nack("n1")

	req := o.take()
	require.NotNil(t, req)
	assert.Len(t, req.ModifyDeadlineAckIDs, MaxAckIDsPerRequest)
	assert.Equal(t, "n1", req.ModifyDeadlineAckIDs[0])
	assert.Equal(t, int32(0), req.ModifyDeadlineSeconds[0])

	req = o.take()
	require.NotNil(t, req)
	assert.Len(t, req.ModifyDeadlineAckIDs, 1)
}

func TestOutbox_RequeueKeepsFinalizations(t *testing.T) {
	o := newOutbox()
	o.ack("a1")
	o.nack("n1")
	o.extend(10, "e1")

	req := o.take()
	require.NotNil(t, req)
	o.requeue(req)

	again := o.take()
	require.NotNil(t, again)
	assert.Equal(t, []string{"a1"}, again.AckIDs)
	assert.Equal(t, []string{"n1"}, again.ModifyDeadlineAckIDs)
}

func TestOutbox_DropExtensions(t *testing.T) {
	o := newOutbox()
	o.ack("a1")
	o.extend(10, "e1", "e2")

	assert.Equal(t, 2, o.dropExtensions())
	assert.Equal(t, 1, o.len())

	// A dropped id can be queued again.
	o.extend(10, "e1")
	req := o.take()
	require.NotNil(t, req)
	assert.Equal(t, []string{"a1"}, req.AckIDs)
	assert.Equal(t, []string{"e1"}, req.ModifyDeadlineAckIDs)
}
