// Package store persists sessions and their append-only event logs in Redis.
//
// Each session log is a Redis list. The offset of an event is its list index,
// assigned atomically by RPUSH, so offsets are unique, gapless and strictly
// increasing. Deleting a suffix trims the list, after which the next append
// reuses the first deleted offset.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/sessionsync/internal/model"
)

const defaultPrefix = "sessionsync:"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrEventNotFound   = errors.New("event not found")
	// ErrAnchorGone is returned by AppendEventAfter when the anchor event
	// was deleted or replaced.
	ErrAnchorGone = errors.New("anchor event is no longer in the log")
)

// appendAfterScript pushes ARGV[3] only while the event at index ARGV[1]
// still carries correlation id ARGV[2]. It returns the new length, or -1.
var appendAfterScript = redis.NewScript(`
local raw = redis.call('LINDEX', KEYS[1], ARGV[1])
if not raw then
	return -1
end
local ok, event = pcall(cjson.decode, raw)
if not ok or event['correlation_id'] ~= ARGV[2] then
	return -1
end
return redis.call('RPUSH', KEYS[1], ARGV[3])
`)

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key (default "sessionsync:").
	Prefix   string
	PoolSize int
}

// Store is a Redis-backed session and event store.
type Store struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromClient(client, cfg.Prefix), nil
}

// NewFromClient wraps an existing client. Tests use it with miniredis.
func NewFromClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *Store) eventsKey(sessionID string) string {
	return s.prefix + "events:" + sessionID
}

func (s *Store) tenantKey(tenantID string) string {
	return s.prefix + "tenant:" + tenantID
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// CreateSession stores a new session record and indexes it under its tenant.
func (s *Store) CreateSession(ctx context.Context, session *model.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.sessionKey(session.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if !created {
		return ErrSessionExists
	}

	if err := s.client.SAdd(ctx, s.tenantKey(session.TenantID), session.ID).Err(); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

// GetSession loads a session owned by tenantID. Sessions of other tenants are
// reported as not found.
func (s *Store) GetSession(ctx context.Context, tenantID, sessionID string) (*model.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session model.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if session.TenantID != tenantID {
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

// ListSessions returns the sessions of a tenant, newest first.
func (s *Store) ListSessions(ctx context.Context, tenantID string) ([]model.Session, error) {
	ids, err := s.client.SMembers(ctx, s.tenantKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return []model.Session{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	sessions := make([]model.Session, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var session model.Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// AppendEvent appends an event to a session log and returns its offset. The
// event's Offset field is set to the assigned offset.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, event *model.Event) (int, error) {
	stored := *event
	stored.Offset = 0
	data, err := json.Marshal(&stored)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	n, err := s.client.RPush(ctx, s.eventsKey(sessionID), data).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	event.Offset = int(n - 1)
	return event.Offset, nil
}

// AppendEventAfter appends event only if the event at anchorOffset still has
// anchorCorrelationID. The check and the append are one atomic step, so a
// concurrent DeleteFrom either lands before it and fails it with
// ErrAnchorGone, or after it and removes the appended event too.
func (s *Store) AppendEventAfter(ctx context.Context, sessionID string, anchorOffset int, anchorCorrelationID string, event *model.Event) (int, error) {
	if anchorOffset < 0 {
		return 0, ErrAnchorGone
	}
	stored := *event
	stored.Offset = 0
	data, err := json.Marshal(&stored)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	n, err := appendAfterScript.Run(ctx, s.client, []string{s.eventsKey(sessionID)}, anchorOffset, anchorCorrelationID, data).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	if n < 0 {
		return 0, ErrAnchorGone
	}
	event.Offset = int(n - 1)
	return event.Offset, nil
}

// ListEvents returns the events at or after minOffset in offset order.
func (s *Store) ListEvents(ctx context.Context, sessionID string, minOffset int) ([]model.Event, error) {
	if minOffset < 0 {
		minOffset = 0
	}
	raw, err := s.client.LRange(ctx, s.eventsKey(sessionID), int64(minOffset), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]model.Event, 0, len(raw))
	for i, item := range raw {
		var event model.Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event at offset %d: %w", minOffset+i, err)
		}
		event.Offset = minOffset + i
		events = append(events, event)
	}
	return events, nil
}

// EventAt returns the event at offset.
func (s *Store) EventAt(ctx context.Context, sessionID string, offset int) (*model.Event, error) {
	if offset < 0 {
		return nil, ErrEventNotFound
	}
	raw, err := s.client.LIndex(ctx, s.eventsKey(sessionID), int64(offset)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	var event model.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	event.Offset = offset
	return &event, nil
}

// Len returns the number of events in a session log.
func (s *Store) Len(ctx context.Context, sessionID string) (int, error) {
	n, err := s.client.LLen(ctx, s.eventsKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return int(n), nil
}

// DeleteFrom removes every event at or after minOffset and returns how many
// were removed.
func (s *Store) DeleteFrom(ctx context.Context, sessionID string, minOffset int) (int, error) {
	if minOffset < 0 {
		minOffset = 0
	}
	key := s.eventsKey(sessionID)

	var before *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		before = pipe.LLen(ctx, key)
		if minOffset == 0 {
			pipe.Del(ctx, key)
		} else {
			pipe.LTrim(ctx, key, 0, int64(minOffset-1))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}

	removed := int(before.Val()) - minOffset
	if removed < 0 {
		removed = 0
	}
	return removed, nil
}
