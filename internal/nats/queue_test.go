package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/sessionsync/internal/model"
)

func TestRequestSubject(t *testing.T) {
	assert.Equal(t, "agent.requests.t1.s1", RequestSubject("t1", "s1"))
}

func TestRequestMsgIDDistinguishesReplays(t *testing.T) {
	first := &model.AgentRequest{SessionID: "s1", CorrelationGroup: "g1", Offset: 2}
	replayed := &model.AgentRequest{SessionID: "s1", CorrelationGroup: "g2", Offset: 2}

	assert.Equal(t, requestMsgID(first), requestMsgID(first))
	assert.NotEqual(t, requestMsgID(first), requestMsgID(replayed))
}
