// Package synchronizer keeps a local view of chat sessions consistent with
// the remote append-only event log. The log is read by incremental polling;
// user messages are echoed optimistically, message statuses are derived from
// correlated status events, and resend/regenerate truncate and replay history.
package synchronizer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/sessionsync/internal/eventlog"
	"github.com/capitalize-ai/sessionsync/internal/model"
	"github.com/capitalize-ai/sessionsync/pkg/logger"
)

// Options configures a Synchronizer.
type Options struct {
	PollInterval time.Duration
	Moderation   eventlog.Moderation
	// FetchRate and FetchBurst bound how often one session is fetched.
	// A zero FetchRate disables the limit.
	FetchRate  rate.Limit
	FetchBurst int
	Logger     *logger.Logger
	// OnChange is called with the session key after any visible change.
	OnChange func(key string)
	// OnError receives transport errors that have no caller to return to,
	// such as failed poll ticks.
	OnError func(key string, err error)
	// Now overrides the clock used for provisional timestamps.
	Now func() time.Time
}

// Synchronizer owns the open session contexts and the polling loop. Each
// session context is addressed by its local key and, once created, by its
// remote id. Only one session is current; opening another discards it.
type Synchronizer struct {
	remote EventLog
	opts   Options
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	current  *Session
}

// New creates a synchronizer over the given remote event log.
func New(remote EventLog, opts Options) *Synchronizer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Moderation == "" {
		opts.Moderation = eventlog.ModerationAuto
	}
	if opts.FetchBurst <= 0 {
		opts.FetchBurst = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	return &Synchronizer{
		remote:   remote,
		opts:     opts,
		logger:   log.Named("synchronizer"),
		sessions: make(map[string]*Session),
	}
}

// Open makes an existing remote session current. Its history is fetched from
// offset 0 by the next refresh. Opening the session that is already current
// returns it unchanged.
func (s *Synchronizer) Open(sessionID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		if id, ok := s.current.ID(); ok && id == sessionID {
			return s.current
		}
	}

	sess := s.newSession(sessionID, NewCreatedLifecycle(sessionID))
	s.activateLocked(sess)
	return sess
}

// OpenDraft makes a new draft session current. It is created remotely when
// its first message is sent.
func (s *Synchronizer) OpenDraft(draft model.DraftSession) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := "draft-" + uuid.NewString()
	var sess *Session
	lifecycle := NewDraftLifecycle(s.remote, draft, func(created *model.Session) {
		s.registerCreated(sess, created)
	})
	sess = s.newSession(key, lifecycle)
	s.activateLocked(sess)
	return sess
}

func (s *Synchronizer) newSession(key string, lifecycle *Lifecycle) *Session {
	var limiter *rate.Limiter
	if s.opts.FetchRate > 0 {
		limiter = rate.NewLimiter(s.opts.FetchRate, s.opts.FetchBurst)
	}
	return &Session{
		key:        key,
		remote:     s.remote,
		lifecycle:  lifecycle,
		moderation: s.opts.Moderation,
		limiter:    limiter,
		logger:     s.logger.With(zap.String("session_key", key)),
		onChange:   s.opts.OnChange,
		onError:    s.opts.OnError,
		now:        s.opts.Now,
		buffer:     NewBuffer(),
	}
}

func (s *Synchronizer) activateLocked(sess *Session) {
	if prev := s.current; prev != nil {
		s.discardLocked(prev)
	}
	s.sessions[sess.key] = sess
	s.current = sess
	s.logger.Debug("session activated", zap.String("session_key", sess.key))
}

func (s *Synchronizer) discardLocked(sess *Session) {
	sess.close()
	for key, candidate := range s.sessions {
		if candidate == sess {
			delete(s.sessions, key)
		}
	}
	if s.current == sess {
		s.current = nil
	}
}

func (s *Synchronizer) registerCreated(sess *Session, created *model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess == nil || sess.Closed() {
		return
	}
	s.sessions[created.ID] = sess
	s.logger.Info("draft session created",
		zap.String("session_key", sess.key),
		zap.String("session_id", created.ID),
	)
}

// Current returns the current session.
func (s *Synchronizer) Current() (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.current != nil
}

// Session looks up an open session by local key or remote id.
func (s *Synchronizer) Session(key string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// Close discards the session with the given key or id.
func (s *Synchronizer) Close(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		s.discardLocked(sess)
	}
}

// RefreshCurrent refreshes the current session.
func (s *Synchronizer) RefreshCurrent(ctx context.Context) error {
	sess, ok := s.Current()
	if !ok {
		return ErrNoActiveSession
	}
	return sess.Refresh(ctx)
}

// Run polls the current session every PollInterval until ctx is done. Fetch
// failures are reported to OnError and retried on the next tick.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	tick := func() {
		sess, ok := s.Current()
		if !ok {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.Refresh(ctx); err != nil && ctx.Err() == nil {
				sess.reportError(err)
			}
		}()
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick()
		}
	}
}
