package model

import (
	"time"
)

// Session is a created chat session with a server-issued id.
type Session struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	CustomerID string    `json:"customer_id"`
	AgentID    string    `json:"agent_id"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"created_at"`
}

// DraftSession holds the client-chosen parameters of a session that has not
// been created remotely yet.
type DraftSession struct {
	CustomerID string `json:"customer_id"`
	AgentID    string `json:"agent_id"`
	Title      string `json:"title"`
}

// CreateSessionRequest is the request to create a new session.
type CreateSessionRequest struct {
	CustomerID string `json:"customer_id"`
	AgentID    string `json:"agent_id"`
	Title      string `json:"title"`
}

// ListSessionsResponse is a page of sessions.
type ListSessionsResponse struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"has_more"`
}
