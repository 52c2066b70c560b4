package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sessionsync/internal/model"
	"github.com/capitalize-ai/sessionsync/pkg/logger"
	"github.com/capitalize-ai/sessionsync/pkg/metrics"
)

// Validation errors returned by EventService.
var (
	ErrUnsupportedEvent = errors.New("only customer message events can be appended")
	ErrEmptyMessage     = errors.New("message is required")
	ErrInvalidOffset    = errors.New("min_offset must not be negative")
)

// EventStore is the per-session append-only log.
type EventStore interface {
	AppendEvent(ctx context.Context, sessionID string, event *model.Event) (int, error)
	ListEvents(ctx context.Context, sessionID string, minOffset int) ([]model.Event, error)
	DeleteFrom(ctx context.Context, sessionID string, minOffset int) (int, error)
}

// RequestPublisher enqueues agent requests.
type RequestPublisher interface {
	Publish(ctx context.Context, req *model.AgentRequest) error
}

// EventService handles reads and writes of session event logs.
type EventService struct {
	sessions  *SessionService
	store     EventStore
	publisher RequestPublisher
	logger    *logger.Logger
	now       func() time.Time
}

// NewEventService creates a new event service. A nil publisher disables agent
// replies.
func NewEventService(sessions *SessionService, st EventStore, publisher RequestPublisher, log *logger.Logger) *EventService {
	return &EventService{
		sessions:  sessions,
		store:     st,
		publisher: publisher,
		logger:    log,
		now:       time.Now,
	}
}

// List returns the events of a session at or after minOffset.
func (s *EventService) List(ctx context.Context, tenantID, sessionID string, minOffset int) (*model.ListEventsResponse, error) {
	if minOffset < 0 {
		return nil, ErrInvalidOffset
	}
	if _, err := s.sessions.Get(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}

	events, err := s.store.ListEvents(ctx, sessionID, minOffset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	next := minOffset
	if n := len(events); n > 0 {
		next = events[n-1].Offset + 1
	}
	return &model.ListEventsResponse{Events: events, NextOffset: next}, nil
}

// Append writes a customer message and asks the agent to respond. The message
// opens a new correlation group that the agent's statuses and reply share.
func (s *EventService) Append(ctx context.Context, tenantID, sessionID string, req *model.AppendEventRequest, moderation string) (*model.Event, error) {
	if req.Kind != model.EventKindMessage || req.Source != model.SourceCustomer {
		return nil, ErrUnsupportedEvent
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	session, err := s.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}

	group := uuid.NewString()
	event, err := model.NewMessageEvent(model.SourceCustomer, group+model.CorrelationDelimiter+string(model.SourceCustomer), req.Message, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if _, err := s.store.AppendEvent(ctx, sessionID, event); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	metrics.EventsAppendedTotal.WithLabelValues(string(event.Kind), string(event.Source)).Inc()

	log := s.logger.WithSession(tenantID, sessionID)
	log.Debug("customer message appended", zap.Int("offset", event.Offset), zap.String("correlation_group", group))

	if s.publisher != nil {
		err := s.publisher.Publish(ctx, &model.AgentRequest{
			SessionID:        sessionID,
			TenantID:         tenantID,
			AgentID:          session.AgentID,
			CorrelationGroup: group,
			Offset:           event.Offset,
			Moderation:       moderation,
			RequestedAt:      s.now().UTC(),
		})
		if err != nil {
			// The message is committed; the customer can regenerate.
			log.Error("failed to enqueue agent request", zap.Int("offset", event.Offset), zap.Error(err))
		}
	}

	return event, nil
}

// DeleteFrom removes every event of a session at or after minOffset.
func (s *EventService) DeleteFrom(ctx context.Context, tenantID, sessionID string, minOffset int) (int, error) {
	if minOffset < 0 {
		return 0, ErrInvalidOffset
	}
	if _, err := s.sessions.Get(ctx, tenantID, sessionID); err != nil {
		return 0, err
	}

	removed, err := s.store.DeleteFrom(ctx, sessionID, minOffset)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}

	metrics.EventsDeletedTotal.Add(float64(removed))
	s.logger.WithSession(tenantID, sessionID).Info("events deleted",
		zap.Int("min_offset", minOffset),
		zap.Int("removed", removed),
	)
	return removed, nil
}
