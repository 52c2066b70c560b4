package synchronizer

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/sessionsync/internal/model"
	"github.com/capitalize-ai/sessionsync/pkg/metrics"
)

// Resend replaces the customer message at index with text. When the message
// is not the last one, every later message is discarded and confirmed must
// be true. A failed provisional message is simply submitted again.
func (s *Session) Resend(ctx context.Context, index int, text string, confirmed bool) error {
	err := s.resend(ctx, index, text, confirmed)
	metrics.RecordSyncOperation("resend", err)
	return err
}

func (s *Session) resend(ctx context.Context, index int, text string, confirmed bool) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	messages := s.messagesLocked()
	if index < 0 || index >= len(messages) {
		s.mu.Unlock()
		return ErrIndexOutOfRange
	}
	target := messages[index]
	if target.Source != model.SourceCustomer {
		s.mu.Unlock()
		return ErrNotCustomerMessage
	}
	if target.Provisional {
		s.provisional = nil
		s.mu.Unlock()
		return s.send(ctx, text)
	}
	if index != len(messages)-1 && !confirmed {
		s.mu.Unlock()
		return ErrConfirmationRequired
	}
	s.mu.Unlock()

	return s.replay(ctx, target.Offset, text)
}

// Regenerate asks for a fresh agent response to the customer message that
// precedes the agent message at index. Everything from that customer message
// on is deleted and the customer message is submitted again unchanged.
func (s *Session) Regenerate(ctx context.Context, index int) error {
	err := s.regenerate(ctx, index)
	metrics.RecordSyncOperation("regenerate", err)
	return err
}

func (s *Session) regenerate(ctx context.Context, index int) error {
	s.mu.Lock()
	messages := s.messagesLocked()
	if index < 0 || index >= len(messages) {
		s.mu.Unlock()
		return ErrIndexOutOfRange
	}
	if messages[index].Source != model.SourceAgent {
		s.mu.Unlock()
		return ErrNotAgentMessage
	}
	anchor := -1
	for j := index; j >= 0; j-- {
		if messages[j].Source == model.SourceCustomer && !messages[j].Provisional {
			anchor = j
			break
		}
	}
	s.mu.Unlock()

	if anchor < 0 {
		return ErrNoCustomerMessage
	}
	return s.replay(ctx, messages[anchor].Offset, messages[anchor].Text)
}

// replay truncates the local buffer at offset, deletes the remote suffix and
// resubmits text. The local truncation is visible immediately. If the remote
// delete fails nothing is resubmitted and the next fetch, which starts at
// offset again, restores whatever the remote log still holds. Refreshes
// requested while the delete was in flight run once it settles.
func (s *Session) replay(ctx context.Context, offset int, text string) error {
	id, ok := s.lifecycle.ID()
	if !ok {
		return ErrIndexOutOfRange
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	removed := s.buffer.Truncate(offset)
	s.provisional = nil
	s.epoch++
	s.deleting++
	s.mu.Unlock()
	s.changed()

	s.logger.Info("deleting session suffix",
		zap.String("session_id", id),
		zap.Int("min_offset", offset),
		zap.Int("local_events_removed", removed),
	)

	err := s.remote.DeleteFrom(ctx, id, offset)

	s.mu.Lock()
	s.deleting--
	s.epoch++
	pending := s.rerun && s.deleting == 0
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("suffix delete failed, local truncation is provisional",
			zap.String("session_id", id),
			zap.Int("min_offset", offset),
			zap.Error(err),
		)
		if pending {
			s.refreshPending(ctx)
		}
		return err
	}

	return s.send(ctx, text)
}

// refreshPending runs a refresh that was deferred by a delete. The send that
// follows a successful delete refreshes on its own.
func (s *Session) refreshPending(ctx context.Context) {
	s.mu.Lock()
	s.rerun = false
	s.mu.Unlock()
	if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
		s.reportError(err)
	}
}
