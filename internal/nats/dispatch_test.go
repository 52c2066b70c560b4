package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/sessionsync/internal/model"
	"github.com/capitalize-ai/sessionsync/pkg/logger"
)

// fakeMsg records the acknowledgement a delivered message received.
type fakeMsg struct {
	jetstream.Msg
	data     []byte
	acked    bool
	termed   bool
	nakDelay time.Duration
	nakked   bool
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return "agent.requests.t1.s1" }
func (m *fakeMsg) Ack() error      { m.acked = true; return nil }
func (m *fakeMsg) Term() error     { m.termed = true; return nil }

func (m *fakeMsg) NakWithDelay(delay time.Duration) error {
	m.nakked = true
	m.nakDelay = delay
	return nil
}

func newTestQueue() *RequestQueue {
	return &RequestQueue{logger: logger.Nop(), ackWait: time.Minute, maxDeliver: 3}
}

func requestMsg(t *testing.T, req *model.AgentRequest) *fakeMsg {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return &fakeMsg{data: data}
}

func TestDispatchTerminatesMalformedRequest(t *testing.T) {
	called := false
	msg := &fakeMsg{data: []byte("{not json")}

	newTestQueue().dispatch(context.Background(), msg, func(context.Context, *model.AgentRequest) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.True(t, msg.termed)
	assert.False(t, msg.acked)
	assert.False(t, msg.nakked)
}

func TestDispatchRedeliversOnHandlerError(t *testing.T) {
	msg := requestMsg(t, &model.AgentRequest{SessionID: "s1", TenantID: "t1", CorrelationGroup: "g1", Offset: 4})

	newTestQueue().dispatch(context.Background(), msg, func(context.Context, *model.AgentRequest) error {
		return errors.New("store unavailable")
	})

	assert.True(t, msg.nakked)
	assert.Equal(t, retryDelay, msg.nakDelay)
	assert.False(t, msg.acked)
	assert.False(t, msg.termed)
}

func TestDispatchAcksHandledRequest(t *testing.T) {
	want := &model.AgentRequest{SessionID: "s1", TenantID: "t1", CorrelationGroup: "g1", Offset: 4, Moderation: "auto"}
	msg := requestMsg(t, want)

	var got *model.AgentRequest
	newTestQueue().dispatch(context.Background(), msg, func(_ context.Context, req *model.AgentRequest) error {
		got = req
		return nil
	})

	require.NotNil(t, got)
	assert.Equal(t, want.SessionID, got.SessionID)
	assert.Equal(t, want.CorrelationGroup, got.CorrelationGroup)
	assert.Equal(t, want.Offset, got.Offset)
	assert.True(t, msg.acked)
	assert.False(t, msg.nakked)
	assert.False(t, msg.termed)
}
