package synchronizer

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/sessionsync/internal/model"
	"github.com/capitalize-ai/sessionsync/pkg/metrics"
)

// Send shows text immediately as a provisional message, creates the session
// if it is still a draft, appends the message remotely and refreshes.
// A failed create or append leaves the provisional message visible, marked
// failed, and returns the transport error. Nothing is retried.
func (s *Session) Send(ctx context.Context, text string) error {
	err := s.send(ctx, text)
	metrics.RecordSyncOperation("send", err)
	return err
}

func (s *Session) send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	pending := &model.Message{
		Offset:       s.buffer.NextOffset(),
		Source:       model.SourceCustomer,
		Text:         text,
		CreationTime: s.now(),
		Provisional:  true,
		Delivery:     model.DeliveryPending,
	}
	s.provisional = pending
	s.mu.Unlock()
	s.changed()

	id, err := s.lifecycle.Ensure(ctx)
	if err != nil {
		s.logger.Warn("session creation failed", zap.Error(err))
		s.failProvisional(pending)
		return err
	}

	if s.Closed() {
		return ErrSessionClosed
	}

	if err := s.remote.Append(ctx, id, text, s.moderation); err != nil {
		s.logger.Warn("append failed", zap.String("session_id", id), zap.Error(err))
		s.failProvisional(pending)
		return err
	}

	if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
		s.reportError(err)
	}
	return nil
}

func (s *Session) failProvisional(pending *model.Message) {
	s.mu.Lock()
	if s.provisional != pending {
		s.mu.Unlock()
		return
	}
	failed := *pending
	failed.Delivery = model.DeliveryFailed
	s.provisional = &failed
	s.mu.Unlock()
	s.changed()
}
