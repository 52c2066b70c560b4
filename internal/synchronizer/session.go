package synchronizer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/sessionsync/internal/eventlog"
	"github.com/capitalize-ai/sessionsync/internal/model"
	"github.com/capitalize-ai/sessionsync/pkg/logger"
	"github.com/capitalize-ai/sessionsync/pkg/metrics"
)

// EventLog is the remote session/event service as seen by the synchronizer.
type EventLog interface {
	SessionCreator
	Fetch(ctx context.Context, sessionID string, minOffset int) ([]model.Event, error)
	Append(ctx context.Context, sessionID, text string, moderation eventlog.Moderation) error
	DeleteFrom(ctx context.Context, sessionID string, minOffset int) error
}

// reconcileSkew bounds how far the service clock may lag the local clock
// when matching a provisional message to its authoritative event.
const reconcileSkew = 30 * time.Second

// Session is the synchronizer state for one open chat session: its merge
// buffer, the provisional message slot and the fetch epoch. Network calls are
// made without holding the lock; their results are applied only if the epoch
// they were issued under is still current and the session is still open.
type Session struct {
	key        string
	remote     EventLog
	lifecycle  *Lifecycle
	moderation eventlog.Moderation
	limiter    *rate.Limiter
	logger     *logger.Logger
	onChange   func(key string)
	onError    func(key string, err error)
	now        func() time.Time

	mu          sync.Mutex
	buffer      *Buffer
	provisional *model.Message
	epoch       uint64
	fetching    bool
	rerun       bool
	deleting    int
	closed      bool
}

// Key returns the stable local key of the session.
func (s *Session) Key() string {
	return s.key
}

// ID returns the remote session id once the session exists remotely.
func (s *Session) ID() (string, bool) {
	return s.lifecycle.ID()
}

// Lifecycle returns the session's lifecycle controller.
func (s *Session) Lifecycle() *Lifecycle {
	return s.lifecycle
}

// Epoch returns the number of destructive operations begun or finished.
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// NextOffset returns the min_offset the next fetch will use.
func (s *Session) NextOffset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.NextOffset()
}

// Events returns a copy of every merged event.
func (s *Session) Events() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Events()
}

// Provisional returns the pending local message, if any.
func (s *Session) Provisional() (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provisional == nil {
		return model.Message{}, false
	}
	return *s.provisional, true
}

// Messages returns the rendered history with the provisional message last.
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesLocked()
}

func (s *Session) messagesLocked() []model.Message {
	messages := s.buffer.Render()
	if s.provisional != nil {
		messages = append(messages, *s.provisional)
	}
	return messages
}

// Closed reports whether the session was abandoned.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close abandons the session. Fetch results that arrive later are ignored
// and the provisional message is dropped. Remote calls already in flight run
// to completion.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.provisional = nil
	s.buffer = NewBuffer()
}

// Refresh fetches events after the last merged offset and merges them. If a
// fetch is already running the call returns immediately and the running
// fetch is repeated once it completes.
func (s *Session) Refresh(ctx context.Context) error {
	for {
		again, err := s.fetchOnce(ctx)
		if err != nil || !again {
			return err
		}
	}
}

func (s *Session) fetchOnce(ctx context.Context) (bool, error) {
	id, created := s.lifecycle.ID()

	s.mu.Lock()
	if s.closed || !created {
		s.mu.Unlock()
		return false, nil
	}
	if s.fetching || s.deleting > 0 {
		s.rerun = true
		s.mu.Unlock()
		metrics.SyncFetchesTotal.WithLabelValues("skipped").Inc()
		return false, nil
	}
	s.fetching = true
	epoch := s.epoch
	minOffset := s.buffer.NextOffset()
	s.mu.Unlock()

	events, err := s.fetch(ctx, id, minOffset)

	s.mu.Lock()
	s.fetching = false
	again := s.rerun && !s.closed
	s.rerun = false

	switch {
	case s.closed:
		s.mu.Unlock()
		metrics.SyncFetchesDiscarded.WithLabelValues("closed").Inc()
		s.logger.Debug("discarding fetch for closed session", zap.Int("min_offset", minOffset))
		return false, nil
	case epoch != s.epoch:
		s.mu.Unlock()
		metrics.SyncFetchesDiscarded.WithLabelValues("stale_epoch").Inc()
		s.logger.Debug("discarding fetch issued before a delete",
			zap.Uint64("fetch_epoch", epoch),
			zap.Int("min_offset", minOffset),
		)
		return again, nil
	case err != nil:
		s.mu.Unlock()
		metrics.SyncFetchesTotal.WithLabelValues("error").Inc()
		if ctx.Err() == nil {
			s.logger.Warn("fetch failed", zap.Int("min_offset", minOffset), zap.Error(err))
		}
		return false, err
	}

	changed := s.mergeLocked(events)
	s.mu.Unlock()

	metrics.SyncFetchesTotal.WithLabelValues("ok").Inc()
	if changed {
		s.changed()
	}
	return again, nil
}

func (s *Session) fetch(ctx context.Context, id string, minOffset int) ([]model.Event, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &eventlog.TransportError{Op: "fetch", SessionID: id, Err: err}
		}
	}
	return s.remote.Fetch(ctx, id, minOffset)
}

func (s *Session) mergeLocked(events []model.Event) bool {
	if len(events) == 0 {
		return false
	}

	res := s.buffer.Merge(events)
	metrics.SyncEventsMerged.Add(float64(len(res.Placed)))

	for _, v := range res.Violations {
		metrics.SyncInvariantViolations.Inc()
		s.logger.Warn("ignoring conflicting event", zap.Int("offset", v.Offset), zap.String("reason", v.Reason))
	}

	reconciled := s.reconcileLocked(res.Placed)
	return res.Changed() || reconciled
}

// reconcileLocked clears the provisional message once its authoritative
// customer event has been merged at or after the position it was sent from.
// Events created more than reconcileSkew before the provisional message are
// history that was not fetched yet, even when their text matches.
func (s *Session) reconcileLocked(placed []model.Event) bool {
	if s.provisional == nil {
		return false
	}
	notBefore := s.provisional.CreationTime.Add(-reconcileSkew)
	for i := range placed {
		event := &placed[i]
		if !event.IsMessage() || event.Source != model.SourceCustomer || event.Offset < s.provisional.Offset {
			continue
		}
		if !event.CreationTime.IsZero() && event.CreationTime.Before(notBefore) {
			continue
		}
		text, err := event.MessageText()
		if err != nil || text != s.provisional.Text {
			continue
		}
		s.logger.Debug("provisional message reconciled", zap.Int("offset", event.Offset))
		s.provisional = nil
		return true
	}
	return false
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange(s.key)
	}
}

// reportError forwards err to OnError. Cancellation is not reported.
func (s *Session) reportError(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if s.onError != nil {
		s.onError(s.key, err)
	}
}
