package synchronizer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/sessionsync/internal/eventlog"
	"github.com/capitalize-ai/sessionsync/internal/model"
	"github.com/capitalize-ai/sessionsync/pkg/logger"
)

// fakeRemote is an in-memory session/event service. Gates, when set, block
// the matching call until a value is sent or the channel is closed.
type fakeRemote struct {
	mu      sync.Mutex
	logs    map[string][]model.Event
	creates int
	deletes []int
	appends []string

	createErr error
	appendErr error
	deleteErr error
	fetchErr  error

	createGate chan struct{}
	appendGate chan struct{}
	// appendEntered, when set, is signalled before waiting on appendGate.
	appendEntered chan struct{}
	deleteGate    chan struct{}
	fetchGate     chan struct{}
	// fetchEntered receives the min offset of each gated fetch after its
	// response has been captured.
	fetchEntered chan int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{logs: make(map[string][]model.Event)}
}

func (f *fakeRemote) CreateSession(ctx context.Context, draft model.DraftSession) (*model.Session, error) {
	if f.createGate != nil {
		<-f.createGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates++
	id := fmt.Sprintf("session-%d", f.creates)
	f.logs[id] = nil
	return &model.Session{ID: id, CustomerID: draft.CustomerID, AgentID: draft.AgentID, Title: draft.Title}, nil
}

func (f *fakeRemote) Fetch(ctx context.Context, sessionID string, minOffset int) ([]model.Event, error) {
	f.mu.Lock()
	err := f.fetchErr
	var out []model.Event
	for _, e := range f.logs[sessionID] {
		if e.Offset >= minOffset {
			out = append(out, e)
		}
	}
	gate := f.fetchGate
	f.mu.Unlock()

	if gate != nil {
		if f.fetchEntered != nil {
			f.fetchEntered <- minOffset
		}
		<-gate
	}
	if err != nil {
		return nil, &eventlog.TransportError{Op: "fetch", SessionID: sessionID, Err: err}
	}
	return out, nil
}

func (f *fakeRemote) Append(ctx context.Context, sessionID, text string, moderation eventlog.Moderation) error {
	if f.appendEntered != nil {
		f.appendEntered <- struct{}{}
	}
	if f.appendGate != nil {
		<-f.appendGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return &eventlog.TransportError{Op: "append", SessionID: sessionID, Err: f.appendErr}
	}
	f.appends = append(f.appends, text)
	f.pushLocked(sessionID, model.SourceCustomer, text, time.Now())
	return nil
}

func (f *fakeRemote) DeleteFrom(ctx context.Context, sessionID string, minOffset int) error {
	if f.deleteGate != nil {
		<-f.deleteGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return &eventlog.TransportError{Op: "delete", SessionID: sessionID, Err: f.deleteErr}
	}
	f.deletes = append(f.deletes, minOffset)
	if log := f.logs[sessionID]; minOffset < len(log) {
		f.logs[sessionID] = log[:minOffset]
	}
	return nil
}

// pushLocked appends a message event. Seeded history is stamped at the Unix
// epoch plus its offset; appends are stamped with the current time.
func (f *fakeRemote) pushLocked(sessionID string, source model.EventSource, text string, at time.Time) model.Event {
	offset := len(f.logs[sessionID])
	event, err := model.NewMessageEvent(source, fmt.Sprintf("turn%d::%s", offset, source), text, at)
	if err != nil {
		panic(err)
	}
	event.Offset = offset
	f.logs[sessionID] = append(f.logs[sessionID], *event)
	return *event
}

// seed appends alternating customer/agent messages "m0".."m{n-1}", starting
// with a customer message.
func (f *fakeRemote) seed(sessionID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		source := model.SourceCustomer
		if i%2 == 1 {
			source = model.SourceAgent
		}
		f.pushLocked(sessionID, source, fmt.Sprintf("m%d", i), time.Unix(int64(i), 0))
	}
}

func (f *fakeRemote) push(sessionID string, event model.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	event.Offset = len(f.logs[sessionID])
	f.logs[sessionID] = append(f.logs[sessionID], event)
}

func (f *fakeRemote) setFetchGate(gate chan struct{}, entered chan int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchGate = gate
	f.fetchEntered = entered
}

func (f *fakeRemote) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func newTestSynchronizer(remote *fakeRemote) *Synchronizer {
	return New(remote, Options{
		PollInterval: 10 * time.Millisecond,
		Moderation:   eventlog.ModerationNone,
		Logger:       logger.Nop(),
	})
}

func offsets(events []model.Event) []int {
	out := make([]int, 0, len(events))
	for _, e := range events {
		out = append(out, e.Offset)
	}
	return out
}

func texts(messages []model.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Text)
	}
	return out
}

func mustMessage(t *testing.T, offset int, source model.EventSource, corr, text string) model.Event {
	t.Helper()
	e, err := model.NewMessageEvent(source, corr, text, time.Unix(int64(offset), 0))
	require.NoError(t, err)
	e.Offset = offset
	return *e
}

func mustStatus(t *testing.T, offset int, corr string, tag model.StatusTag, exception string) model.Event {
	t.Helper()
	e, err := model.NewStatusEvent(corr, tag, exception, time.Unix(int64(offset), 0))
	require.NoError(t, err)
	e.Offset = offset
	return *e
}
