package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sessionsync/internal/model"
	"github.com/capitalize-ai/sessionsync/pkg/logger"
)

const (
	// RequestStreamName is the work queue of agent requests.
	RequestStreamName = "AGENT_REQUESTS"

	// RequestSubjectPrefix is the prefix for all agent request subjects.
	RequestSubjectPrefix = "agent.requests"

	// ResponderConsumer is the durable consumer shared by responder workers.
	ResponderConsumer = "responder"

	// retryDelay is how long a failed request waits before redelivery.
	retryDelay = 5 * time.Second
)

// RequestHandler processes one agent request. A returned error redelivers it.
type RequestHandler func(ctx context.Context, req *model.AgentRequest) error

// RequestQueue publishes and consumes agent requests on JetStream.
type RequestQueue struct {
	client     *Client
	logger     *logger.Logger
	ackWait    time.Duration
	maxDeliver int
}

// NewRequestQueue creates a request queue. ackWait should exceed the longest
// agent response time.
func NewRequestQueue(client *Client, ackWait time.Duration, log *logger.Logger) *RequestQueue {
	if ackWait <= 0 {
		ackWait = 2 * time.Minute
	}
	return &RequestQueue{
		client:     client,
		logger:     log.Named("queue"),
		ackWait:    ackWait,
		maxDeliver: 3,
	}
}

// RequestSubject returns the subject for a session's agent requests.
func RequestSubject(tenantID, sessionID string) string {
	return fmt.Sprintf("%s.%s.%s", RequestSubjectPrefix, tenantID, sessionID)
}

// requestMsgID deduplicates republished requests for the same turn.
func requestMsgID(req *model.AgentRequest) string {
	return fmt.Sprintf("%s:%s:%d", req.SessionID, req.CorrelationGroup, req.Offset)
}

// EnsureStream ensures the work queue stream exists.
func (q *RequestQueue) EnsureStream(ctx context.Context) error {
	js := q.client.JetStream()

	_, err := js.Stream(ctx, RequestStreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        RequestStreamName,
		Subjects:    []string{RequestSubjectPrefix + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  10 * time.Minute,
		Description: "Customer messages awaiting an agent response",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	q.logger.Info("created stream", zap.String("stream", RequestStreamName))
	return nil
}

// Publish enqueues an agent request.
func (q *RequestQueue) Publish(ctx context.Context, req *model.AgentRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal agent request: %w", err)
	}

	ack, err := q.client.JetStream().Publish(ctx, RequestSubject(req.TenantID, req.SessionID), data,
		jetstream.WithMsgID(requestMsgID(req)))
	if err != nil {
		return fmt.Errorf("failed to publish agent request: %w", err)
	}

	q.logger.Debug("agent request published",
		zap.String("session_id", req.SessionID),
		zap.Uint64("sequence", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate),
	)
	return nil
}

// Consume delivers requests to handler until ctx is done. Requests that cannot
// be decoded are terminated; handler errors are redelivered after a delay, up
// to the delivery limit.
func (q *RequestQueue) Consume(ctx context.Context, handler RequestHandler) error {
	consumer, err := q.client.JetStream().CreateOrUpdateConsumer(ctx, RequestStreamName, jetstream.ConsumerConfig{
		Durable:       ResponderConsumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.ackWait,
		MaxDeliver:    q.maxDeliver,
		FilterSubject: RequestSubjectPrefix + ".>",
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		q.dispatch(ctx, msg, handler)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		q.logger.Warn("consume error", zap.Error(err))
	}))
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	defer cc.Stop()

	<-ctx.Done()
	return nil
}

func (q *RequestQueue) dispatch(ctx context.Context, msg jetstream.Msg, handler RequestHandler) {
	var req model.AgentRequest
	if err := json.Unmarshal(msg.Data(), &req); err != nil {
		q.logger.Error("dropping malformed agent request", zap.String("subject", msg.Subject()), zap.Error(err))
		_ = msg.Term()
		return
	}

	log := q.logger.WithSession(req.TenantID, req.SessionID)
	if err := handler(ctx, &req); err != nil {
		log.Warn("agent request failed, will retry", zap.Error(err))
		_ = msg.NakWithDelay(retryDelay)
		return
	}
	if err := msg.Ack(); err != nil {
		log.Warn("failed to ack agent request", zap.Error(err))
	}
}
