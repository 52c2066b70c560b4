// Package responder produces agent replies for customer messages. For each
// agent request it appends status events to the session log (processing,
// typing on the first token, then ready or error) around the agent message,
// all sharing the customer message's correlation group.
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/sessionsync/internal/llm"
	"github.com/capitalize-ai/sessionsync/internal/model"
	"github.com/capitalize-ai/sessionsync/internal/store"
	"github.com/capitalize-ai/sessionsync/pkg/logger"
	"github.com/capitalize-ai/sessionsync/pkg/metrics"
)

// EventStore is the part of the session log the responder reads and writes.
type EventStore interface {
	AppendEventAfter(ctx context.Context, sessionID string, anchorOffset int, anchorCorrelationID string, event *model.Event) (int, error)
	ListEvents(ctx context.Context, sessionID string, minOffset int) ([]model.Event, error)
	EventAt(ctx context.Context, sessionID string, offset int) (*model.Event, error)
}

// Config tunes agent responses.
type Config struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
	SystemPrompt string
}

// Responder handles agent requests.
type Responder struct {
	store     EventStore
	llm       llm.Client
	moderator llm.Moderator
	cfg       Config
	logger    *logger.Logger
	now       func() time.Time
}

// New creates a responder. A nil moderator flags nothing.
func New(st EventStore, client llm.Client, moderator llm.Moderator, cfg Config, log *logger.Logger) *Responder {
	if moderator == nil {
		moderator = llm.AllowAll{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Responder{
		store:     st,
		llm:       client,
		moderator: moderator,
		cfg:       cfg,
		logger:    log.Named("responder"),
		now:       time.Now,
	}
}

func statusID(group string) string {
	return group + model.CorrelationDelimiter + "status"
}

func agentID(group string) string {
	return group + model.CorrelationDelimiter + string(model.SourceAgent)
}

// Handle answers one agent request. Agent and moderation failures are
// recorded in the log as error statuses and are not returned; only store
// failures are, so the request can be redelivered. Every write is anchored to
// the customer message the request answers: once that message is deleted or
// replaced, nothing more is written for it.
func (r *Responder) Handle(ctx context.Context, req *model.AgentRequest) error {
	log := r.logger.WithSession(req.TenantID, req.SessionID).With(
		zap.String("correlation_group", req.CorrelationGroup),
		zap.Int("offset", req.Offset),
	)

	err := r.handle(ctx, req, log)
	if errors.Is(err, store.ErrAnchorGone) {
		log.Info("customer message was deleted, dropping request")
		metrics.AgentRequestsTotal.WithLabelValues("stale").Inc()
		return nil
	}
	return err
}

func (r *Responder) handle(ctx context.Context, req *model.AgentRequest, log *logger.Logger) error {
	start := r.now()

	customer, err := r.trigger(ctx, req)
	if err != nil {
		return err
	}
	if customer == nil {
		return store.ErrAnchorGone
	}
	turn := &anchoredTurn{req: req, anchor: customer.CorrelationID}

	text, err := customer.MessageText()
	if err != nil {
		return r.fail(ctx, turn, log, "failed", fmt.Errorf("unreadable customer message: %w", err))
	}

	if err := r.status(ctx, turn, model.StatusProcessing, ""); err != nil {
		return err
	}

	if req.Moderation == "auto" {
		result, err := r.moderator.Moderate(ctx, text)
		if err != nil {
			return r.fail(ctx, turn, log, "failed", fmt.Errorf("moderation failed: %w", err))
		}
		if result.Flagged {
			reason := "message rejected by moderation"
			if len(result.Categories) > 0 {
				reason += ": " + strings.Join(result.Categories, ", ")
			}
			return r.fail(ctx, turn, log, "rejected", errors.New(reason))
		}
	}

	history, err := r.history(ctx, req)
	if err != nil {
		return err
	}

	genCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var typingOnce sync.Once
	var typingErr error
	resp, err := r.llm.CompleteStream(genCtx, &llm.CompletionRequest{
		Model:       r.cfg.Model,
		System:      r.systemPrompt(req),
		Messages:    history,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	}, func(token string, index int) error {
		typingOnce.Do(func() {
			typingErr = r.status(ctx, turn, model.StatusTyping, "")
		})
		return typingErr
	})
	if typingErr != nil {
		return typingErr
	}
	if err != nil {
		metrics.RecordAgentResponse(r.llm.Name(), r.cfg.Model, "error", r.now().Sub(start).Seconds(), 0, 0)
		return r.fail(ctx, turn, log, "failed", err)
	}

	reply, err := model.NewMessageEvent(model.SourceAgent, agentID(req.CorrelationGroup), resp.Content, r.now())
	if err != nil {
		return err
	}
	if err := r.append(ctx, turn, reply); err != nil {
		return err
	}
	if err := r.status(ctx, turn, model.StatusReady, ""); err != nil {
		return err
	}

	metrics.RecordAgentResponse(r.llm.Name(), resp.Model, "success", r.now().Sub(start).Seconds(), resp.TokensIn, resp.TokensOut)
	metrics.AgentRequestsTotal.WithLabelValues("responded").Inc()
	log.Info("agent replied",
		zap.Int("reply_offset", reply.Offset),
		zap.String("model", resp.Model),
		zap.Int64("latency_ms", resp.LatencyMs),
	)
	return nil
}

// anchoredTurn is a request together with the correlation id of the customer
// message it answers.
type anchoredTurn struct {
	req    *model.AgentRequest
	anchor string
}

func (r *Responder) append(ctx context.Context, turn *anchoredTurn, event *model.Event) error {
	_, err := r.store.AppendEventAfter(ctx, turn.req.SessionID, turn.req.Offset, turn.anchor, event)
	switch {
	case errors.Is(err, store.ErrAnchorGone):
		return err
	case err != nil:
		return fmt.Errorf("failed to append %s event: %w", event.Kind, err)
	}
	return nil
}

// trigger returns the customer message the request answers, or nil when it
// is no longer in the log.
func (r *Responder) trigger(ctx context.Context, req *model.AgentRequest) (*model.Event, error) {
	event, err := r.store.EventAt(ctx, req.SessionID, req.Offset)
	if err != nil {
		if errors.Is(err, store.ErrEventNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !event.IsMessage() || event.Source != model.SourceCustomer || event.CorrelationGroup() != req.CorrelationGroup {
		return nil, nil
	}
	return event, nil
}

func (r *Responder) status(ctx context.Context, turn *anchoredTurn, tag model.StatusTag, exception string) error {
	event, err := model.NewStatusEvent(statusID(turn.req.CorrelationGroup), tag, exception, r.now())
	if err != nil {
		return err
	}
	return r.append(ctx, turn, event)
}

func (r *Responder) fail(ctx context.Context, turn *anchoredTurn, log *logger.Logger, result string, cause error) error {
	log.Warn("agent request failed", zap.String("result", result), zap.Error(cause))
	metrics.AgentRequestsTotal.WithLabelValues(result).Inc()
	return r.status(ctx, turn, model.StatusError, cause.Error())
}

// history converts the log up to the customer message into chat turns.
// Consecutive turns from the same side are joined.
func (r *Responder) history(ctx context.Context, req *model.AgentRequest) ([]llm.ChatMessage, error) {
	events, err := r.store.ListEvents(ctx, req.SessionID, 0)
	if err != nil {
		return nil, err
	}

	var turns []llm.ChatMessage
	for i := range events {
		event := &events[i]
		if event.Offset > req.Offset {
			break
		}
		if !event.IsMessage() || event.Source == model.SourceSystem {
			continue
		}
		text, err := event.MessageText()
		if err != nil {
			continue
		}
		role := llm.RoleUser
		if event.Source == model.SourceAgent {
			role = llm.RoleAssistant
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Content += "\n\n" + text
			continue
		}
		turns = append(turns, llm.ChatMessage{Role: role, Content: text})
	}
	return turns, nil
}

func (r *Responder) systemPrompt(req *model.AgentRequest) string {
	if r.cfg.SystemPrompt != "" {
		return r.cfg.SystemPrompt
	}
	if req.AgentID == "" {
		return "You are a helpful customer support agent."
	}
	return fmt.Sprintf("You are %s, a helpful customer support agent.", req.AgentID)
}
