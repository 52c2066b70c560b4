// Package service provides business logic for the session event service.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sessionsync/internal/model"
	"github.com/capitalize-ai/sessionsync/internal/store"
	"github.com/capitalize-ai/sessionsync/pkg/logger"
	"github.com/capitalize-ai/sessionsync/pkg/metrics"
)

// ErrNotFound is returned for sessions that do not exist or belong to
// another tenant.
var ErrNotFound = errors.New("session not found")

// SessionStore persists session records.
type SessionStore interface {
	CreateSession(ctx context.Context, session *model.Session) error
	GetSession(ctx context.Context, tenantID, sessionID string) (*model.Session, error)
	ListSessions(ctx context.Context, tenantID string) ([]model.Session, error)
}

// SessionService handles session operations.
type SessionService struct {
	store  SessionStore
	logger *logger.Logger
	now    func() time.Time
}

// NewSessionService creates a new session service.
func NewSessionService(st SessionStore, log *logger.Logger) *SessionService {
	return &SessionService{
		store:  st,
		logger: log,
		now:    time.Now,
	}
}

// Create creates a new session. Every call creates a distinct session.
func (s *SessionService) Create(ctx context.Context, tenantID string, req *model.CreateSessionRequest) (*model.Session, error) {
	session := &model.Session{
		ID:         uuid.Must(uuid.NewV7()).String(),
		TenantID:   tenantID,
		CustomerID: req.CustomerID,
		AgentID:    req.AgentID,
		Title:      strings.TrimSpace(req.Title),
		CreatedAt:  s.now().UTC(),
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	metrics.SessionsTotal.WithLabelValues(tenantID).Inc()
	s.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("tenant_id", tenantID),
		zap.String("agent_id", session.AgentID),
	)
	return session, nil
}

// Get retrieves a session by ID.
func (s *SessionService) Get(ctx context.Context, tenantID, sessionID string) (*model.Session, error) {
	session, err := s.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// List retrieves a page of a tenant's sessions, newest first.
func (s *SessionService) List(ctx context.Context, tenantID string, limit, offset int) (*model.ListSessionsResponse, error) {
	sessions, err := s.store.ListSessions(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	total := len(sessions)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &model.ListSessionsResponse{
		Sessions: sessions[start:end],
		Total:    total,
		HasMore:  end < total,
	}, nil
}
