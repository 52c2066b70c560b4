// Package eventlog is the HTTP client for the remote append-only session
// event log. It keeps no state and never retries.
package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/capitalize-ai/sessionsync/internal/model"
)

// Moderation selects the write path for customer messages.
type Moderation string

const (
	ModerationNone Moderation = "none"
	ModerationAuto Moderation = "auto"
)

// ParseModeration maps a config string onto a moderation mode.
func ParseModeration(s string) (Moderation, error) {
	switch Moderation(s) {
	case ModerationNone, ModerationAuto:
		return Moderation(s), nil
	default:
		return "", fmt.Errorf("unknown moderation mode %q", s)
	}
}

const maxErrorBody = 4096

var tracer = otel.Tracer("github.com/capitalize-ai/sessionsync/internal/eventlog")

// Config holds client settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the session/event service over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new event log client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("event log base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid event log base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Fetch returns the session's events with offset >= minOffset, ordered by offset.
func (c *Client) Fetch(ctx context.Context, sessionID string, minOffset int) ([]model.Event, error) {
	ctx, span := tracer.Start(ctx, "eventlog.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.Int("min_offset", minOffset))

	query := url.Values{"min_offset": {strconv.Itoa(minOffset)}}
	var resp model.ListEventsResponse
	if err := c.do(ctx, "fetch", sessionID, http.MethodGet, eventsPath(sessionID), query, nil, &resp); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	events := resp.Events[:0]
	for _, event := range resp.Events {
		if event.Offset >= minOffset {
			events = append(events, event)
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Offset < events[j].Offset })

	span.SetAttributes(attribute.Int("events", len(events)))
	return events, nil
}

// Append writes a customer message. The resulting event is observed through
// the next Fetch.
func (c *Client) Append(ctx context.Context, sessionID, text string, moderation Moderation) error {
	ctx, span := tracer.Start(ctx, "eventlog.Append")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.String("moderation", string(moderation)))

	body := model.AppendEventRequest{
		Kind:    model.EventKindMessage,
		Source:  model.SourceCustomer,
		Message: text,
	}
	query := url.Values{"moderation": {string(moderation)}}
	if err := c.do(ctx, "append", sessionID, http.MethodPost, eventsPath(sessionID), query, body, nil); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// DeleteFrom removes every event at or after minOffset.
func (c *Client) DeleteFrom(ctx context.Context, sessionID string, minOffset int) error {
	ctx, span := tracer.Start(ctx, "eventlog.DeleteFrom")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.Int("min_offset", minOffset))

	query := url.Values{"min_offset": {strconv.Itoa(minOffset)}}
	if err := c.do(ctx, "delete", sessionID, http.MethodDelete, eventsPath(sessionID), query, nil, nil); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// CreateSession creates a session from draft parameters.
func (c *Client) CreateSession(ctx context.Context, draft model.DraftSession) (*model.Session, error) {
	ctx, span := tracer.Start(ctx, "eventlog.CreateSession")
	defer span.End()

	body := model.CreateSessionRequest{
		CustomerID: draft.CustomerID,
		AgentID:    draft.AgentID,
		Title:      draft.Title,
	}
	var session model.Session
	if err := c.do(ctx, "create", "", http.MethodPost, "/api/v1/sessions", nil, body, &session); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if session.ID == "" {
		err := &TransportError{Op: "create", Err: errors.New("response carried no session id")}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("session.id", session.ID))
	return &session, nil
}

func eventsPath(sessionID string) string {
	return "/api/v1/sessions/" + url.PathEscape(sessionID) + "/events"
}

func (c *Client) do(ctx context.Context, op, sessionID, method, path string, query url.Values, body, out any) error {
	fail := func(status int, err error) error {
		return &TransportError{Op: op, SessionID: sessionID, StatusCode: status, Err: err}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fail(0, fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fail(0, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, errors.New(errorMessage(resp.Body, resp.Status)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func errorMessage(body io.Reader, fallback string) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return fallback
}
