package model

import (
	"time"
)

// Status is the derived delivery/processing status of a message. An empty
// Tag means no status is known yet.
type Status struct {
	Tag   StatusTag `json:"status,omitempty"`
	Error string    `json:"error,omitempty"`
}

// IsSet reports whether a status has been derived.
func (s Status) IsSet() bool {
	return s.Tag != ""
}

// DeliveryState is the local lifecycle of a rendered message.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryCommitted DeliveryState = "committed"
)

// Message is a rendered entry of a session's visible history.
type Message struct {
	Offset        int           `json:"offset"`
	Source        EventSource   `json:"source"`
	Text          string        `json:"text"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	CreationTime  time.Time     `json:"creation_time"`
	Status        Status        `json:"status"`
	Provisional   bool          `json:"provisional,omitempty"`
	Delivery      DeliveryState `json:"delivery"`
}

// AppendEventRequest is the body of a customer message write.
type AppendEventRequest struct {
	Kind    EventKind   `json:"kind"`
	Source  EventSource `json:"source"`
	Message string      `json:"message"`
}

// ListEventsResponse is the response for reading a session log.
type ListEventsResponse struct {
	Events     []Event `json:"events"`
	NextOffset int     `json:"next_offset"`
}

// AgentRequest asks the agent worker to respond to a customer message.
type AgentRequest struct {
	SessionID        string    `json:"session_id"`
	TenantID         string    `json:"tenant_id"`
	AgentID          string    `json:"agent_id"`
	CorrelationGroup string    `json:"correlation_group"`
	Offset           int       `json:"offset"`
	Moderation       string    `json:"moderation"`
	RequestedAt      time.Time `json:"requested_at"`
}
