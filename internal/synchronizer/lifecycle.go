package synchronizer

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/sessionsync/internal/model"
)

// LifecycleState is the remote existence state of a session.
type LifecycleState int

const (
	StateDraft LifecycleState = iota
	StateCreating
	StateCreated
)

func (s LifecycleState) String() string {
	switch s {
	case StateDraft:
		return "draft"
	case StateCreating:
		return "creating"
	case StateCreated:
		return "created"
	default:
		return fmt.Sprintf("LifecycleState(%d)", int(s))
	}
}

// SessionCreator creates sessions on the remote service.
type SessionCreator interface {
	CreateSession(ctx context.Context, draft model.DraftSession) (*model.Session, error)
}

// Lifecycle defers remote session creation until it is first needed and makes
// sure a draft is created at most once, however many callers ask for it.
type Lifecycle struct {
	creator   SessionCreator
	draft     model.DraftSession
	onCreated func(*model.Session)
	flight    singleflight.Group

	mu      sync.Mutex
	state   LifecycleState
	session *model.Session
}

// NewDraftLifecycle starts in Draft with the given parameters. onCreated, if
// set, runs once after the remote session exists.
func NewDraftLifecycle(creator SessionCreator, draft model.DraftSession, onCreated func(*model.Session)) *Lifecycle {
	return &Lifecycle{
		creator:   creator,
		draft:     draft,
		onCreated: onCreated,
		state:     StateDraft,
	}
}

// NewCreatedLifecycle wraps a session that already exists remotely.
func NewCreatedLifecycle(sessionID string) *Lifecycle {
	return &Lifecycle{
		state:   StateCreated,
		session: &model.Session{ID: sessionID},
	}
}

// State returns the current state.
func (l *Lifecycle) State() LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Draft returns the client-side parameters the session was opened with.
func (l *Lifecycle) Draft() model.DraftSession {
	return l.draft
}

// ID returns the remote session id once created.
func (l *Lifecycle) ID() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateCreated {
		return "", false
	}
	return l.session.ID, true
}

// Ensure returns the remote session id, creating the session if needed.
// Concurrent callers share a single in-flight create. The create call is not
// cancelled when ctx is; a failed create returns the lifecycle to Draft.
func (l *Lifecycle) Ensure(ctx context.Context) (string, error) {
	l.mu.Lock()
	if l.state == StateCreated {
		id := l.session.ID
		l.mu.Unlock()
		return id, nil
	}
	l.state = StateCreating
	l.mu.Unlock()

	v, err, _ := l.flight.Do("create", func() (any, error) {
		l.mu.Lock()
		if l.state == StateCreated {
			id := l.session.ID
			l.mu.Unlock()
			return id, nil
		}
		l.mu.Unlock()

		session, err := l.creator.CreateSession(context.WithoutCancel(ctx), l.draft)

		l.mu.Lock()
		if err != nil {
			l.state = StateDraft
			l.mu.Unlock()
			return nil, err
		}
		l.state = StateCreated
		l.session = session
		l.mu.Unlock()

		if l.onCreated != nil {
			l.onCreated(session)
		}
		return session.ID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
