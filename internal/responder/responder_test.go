package responder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/sessionsync/internal/llm"
	"github.com/capitalize-ai/sessionsync/internal/model"
	"github.com/capitalize-ai/sessionsync/internal/store"
	"github.com/capitalize-ai/sessionsync/pkg/logger"
)

type fakeLLM struct {
	tokens   []string
	err      error
	requests []*llm.CompletionRequest
	// during runs after the first token is emitted.
	during func()
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) CompleteStream(ctx context.Context, req *llm.CompletionRequest, callback llm.StreamCallback) (*llm.CompletionResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	var content string
	for i, token := range f.tokens {
		if err := callback(token, i); err != nil {
			return nil, err
		}
		if i == 0 && f.during != nil {
			f.during()
		}
		content += token
	}
	return &llm.CompletionResponse{Content: content, Model: "fake-1", TokensIn: 3, TokensOut: len(f.tokens)}, nil
}

type fakeModerator struct {
	flagged bool
	err     error
}

func (m fakeModerator) Moderate(context.Context, string) (*llm.ModerationResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &llm.ModerationResult{Flagged: m.flagged, Categories: []string{"harassment"}}, nil
}

func setup(t *testing.T, client llm.Client, moderator llm.Moderator) (*store.Store, *Responder) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	t.Cleanup(func() { _ = st.Close() })
	return st, New(st, client, moderator, Config{Model: "fake-1", Timeout: time.Second}, logger.Nop())
}

func customerTurn(t *testing.T, st *store.Store, group, text string) *model.AgentRequest {
	t.Helper()
	event, err := model.NewMessageEvent(model.SourceCustomer, group+"::customer", text, time.Now())
	require.NoError(t, err)
	offset, err := st.AppendEvent(context.Background(), "s1", event)
	require.NoError(t, err)
	return &model.AgentRequest{SessionID: "s1", TenantID: "t1", AgentID: "ada", CorrelationGroup: group, Offset: offset, Moderation: "none"}
}

type logEntry struct {
	kind   model.EventKind
	source model.EventSource
	corr   string
	text   string
	status model.StatusTag
	errMsg string
}

func readLog(t *testing.T, st *store.Store) []logEntry {
	t.Helper()
	events, err := st.ListEvents(context.Background(), "s1", 0)
	require.NoError(t, err)
	out := make([]logEntry, 0, len(events))
	for i := range events {
		e := &events[i]
		entry := logEntry{kind: e.Kind, source: e.Source, corr: e.CorrelationID}
		if e.IsMessage() {
			entry.text, _ = e.MessageText()
		} else if data, err := e.StatusData(); err == nil {
			entry.status = data.Status
			if data.Data != nil {
				entry.errMsg = data.Data.Exception
			}
		}
		out = append(out, entry)
	}
	return out
}

func TestHandleWritesStatusesAroundReply(t *testing.T) {
	client := &fakeLLM{tokens: []string{"Hi", " there"}}
	st, r := setup(t, client, nil)
	req := customerTurn(t, st, "g1", "hello")

	require.NoError(t, r.Handle(context.Background(), req))

	log := readLog(t, st)
	require.Len(t, log, 5)
	assert.Equal(t, model.StatusProcessing, log[1].status)
	assert.Equal(t, model.StatusTyping, log[2].status)
	assert.Equal(t, "Hi there", log[3].text)
	assert.Equal(t, model.SourceAgent, log[3].source)
	assert.Equal(t, "g1::agent", log[3].corr)
	assert.Equal(t, model.StatusReady, log[4].status)
	for _, entry := range log[1:] {
		assert.Equal(t, "g1", model.CorrelationGroup(entry.corr))
	}

	require.Len(t, client.requests, 1)
	assert.Equal(t, []llm.ChatMessage{{Role: llm.RoleUser, Content: "hello"}}, client.requests[0].Messages)
	assert.Contains(t, client.requests[0].System, "ada")
}

func TestHandleRecordsAgentFailure(t *testing.T) {
	st, r := setup(t, &fakeLLM{err: errors.New("model overloaded")}, nil)
	req := customerTurn(t, st, "g1", "hello")

	require.NoError(t, r.Handle(context.Background(), req))

	log := readLog(t, st)
	require.Len(t, log, 3)
	assert.Equal(t, model.StatusProcessing, log[1].status)
	assert.Equal(t, model.StatusError, log[2].status)
	assert.Equal(t, "model overloaded", log[2].errMsg)
}

func TestHandleModeration(t *testing.T) {
	client := &fakeLLM{tokens: []string{"ok"}}
	st, r := setup(t, client, fakeModerator{flagged: true})
	req := customerTurn(t, st, "g1", "something rude")

	req.Moderation = "none"
	require.NoError(t, r.Handle(context.Background(), req))
	assert.Len(t, client.requests, 1)

	req2 := customerTurn(t, st, "g2", "something rude again")
	req2.Moderation = "auto"
	require.NoError(t, r.Handle(context.Background(), req2))

	log := readLog(t, st)
	last := log[len(log)-1]
	assert.Equal(t, model.StatusError, last.status)
	assert.Contains(t, last.errMsg, "harassment")
	assert.Len(t, client.requests, 1)
}

func TestHandleDropsDeletedRequest(t *testing.T) {
	client := &fakeLLM{tokens: []string{"ok"}}
	st, r := setup(t, client, nil)
	req := customerTurn(t, st, "g1", "hello")

	_, err := st.DeleteFrom(context.Background(), "s1", 0)
	require.NoError(t, err)
	customerTurn(t, st, "g2", "edited")

	require.NoError(t, r.Handle(context.Background(), req))

	assert.Empty(t, client.requests)
	assert.Len(t, readLog(t, st), 1)
}

func TestHandleDiscardsReplyAfterDeletion(t *testing.T) {
	client := &fakeLLM{tokens: []string{"a", "b"}}
	st, r := setup(t, client, nil)
	req := customerTurn(t, st, "g1", "hello")
	client.during = func() {
		_, err := st.DeleteFrom(context.Background(), "s1", req.Offset)
		require.NoError(t, err)
	}

	require.NoError(t, r.Handle(context.Background(), req))

	assert.Empty(t, readLog(t, st))
}

func TestHistoryJoinsConsecutiveTurns(t *testing.T) {
	client := &fakeLLM{tokens: []string{"ok"}}
	st, r := setup(t, client, nil)
	customerTurn(t, st, "g1", "first")
	req := customerTurn(t, st, "g2", "second")

	history, err := r.history(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, []llm.ChatMessage{{Role: llm.RoleUser, Content: "first\n\nsecond"}}, history)
}

// replacingStore deletes and replays the customer message right after the
// responder has looked it up.
type replacingStore struct {
	*store.Store
	t      *testing.T
	once   sync.Once
	offset int
}

func (s *replacingStore) EventAt(ctx context.Context, sessionID string, offset int) (*model.Event, error) {
	event, err := s.Store.EventAt(ctx, sessionID, offset)
	s.once.Do(func() {
		_, derr := s.Store.DeleteFrom(ctx, sessionID, s.offset)
		require.NoError(s.t, derr)
		replay, merr := model.NewMessageEvent(model.SourceCustomer, "g2::customer", "edited", time.Now())
		require.NoError(s.t, merr)
		_, aerr := s.Store.AppendEvent(ctx, sessionID, replay)
		require.NoError(s.t, aerr)
	})
	return event, err
}

func TestHandleWritesNothingAfterReplayRace(t *testing.T) {
	client := &fakeLLM{tokens: []string{"stale"}}
	st, _ := setup(t, client, nil)
	req := customerTurn(t, st, "g1", "hello")

	racy := &replacingStore{Store: st, t: t, offset: req.Offset}
	r := New(racy, client, nil, Config{Model: "fake-1", Timeout: time.Second}, logger.Nop())

	require.NoError(t, r.Handle(context.Background(), req))

	log := readLog(t, st)
	require.Len(t, log, 1)
	assert.Equal(t, "edited", log[0].text)
	assert.Empty(t, client.requests)
}

func TestHandleDropsReplyWhenReplayedDuringGeneration(t *testing.T) {
	client := &fakeLLM{tokens: []string{"a", "b"}}
	st, r := setup(t, client, nil)
	req := customerTurn(t, st, "g1", "hello")
	client.during = func() {
		_, err := st.DeleteFrom(context.Background(), "s1", req.Offset)
		require.NoError(t, err)
		customerTurn(t, st, "g2", "edited")
	}

	require.NoError(t, r.Handle(context.Background(), req))

	log := readLog(t, st)
	require.Len(t, log, 1)
	assert.Equal(t, "edited", log[0].text)
	assert.Equal(t, "g2::customer", log[0].corr)
}
