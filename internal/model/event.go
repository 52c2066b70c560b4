// Package model defines data structures shared by the session event service
// and the synchronizer that consumes it.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CorrelationDelimiter separates the correlation group from the per-event suffix.
const CorrelationDelimiter = "::"

// EventKind is the tag of an event in a session log.
type EventKind string

const (
	EventKindMessage EventKind = "message"
	EventKindStatus  EventKind = "status"
	EventKindTool    EventKind = "tool"
	EventKindCustom  EventKind = "custom"
)

// EventSource identifies who produced an event.
type EventSource string

const (
	SourceCustomer EventSource = "customer"
	SourceAgent    EventSource = "agent"
	SourceSystem   EventSource = "system"
)

// StatusTag is the processing state carried by a status event.
type StatusTag string

const (
	StatusProcessing StatusTag = "processing"
	StatusTyping     StatusTag = "typing"
	StatusReady      StatusTag = "ready"
	StatusError      StatusTag = "error"
)

// Event is an immutable record in a session's append-only log.
type Event struct {
	Offset        int             `json:"offset"`
	Kind          EventKind       `json:"kind"`
	Source        EventSource     `json:"source"`
	CorrelationID string          `json:"correlation_id"`
	CreationTime  time.Time       `json:"creation_time"`
	Data          json.RawMessage `json:"data"`
}

// MessageData is the payload of a message event.
type MessageData struct {
	Message string `json:"message"`
}

// StatusDetail carries error detail for failed processing.
type StatusDetail struct {
	Exception string `json:"exception,omitempty"`
}

// StatusData is the payload of a status event.
type StatusData struct {
	Status StatusTag     `json:"status"`
	Data   *StatusDetail `json:"data,omitempty"`
}

// CorrelationGroup returns the prefix of the correlation id before the delimiter.
func (e *Event) CorrelationGroup() string {
	return CorrelationGroup(e.CorrelationID)
}

// CorrelationGroup returns the group part of a correlation id.
func CorrelationGroup(correlationID string) string {
	group, _, _ := strings.Cut(correlationID, CorrelationDelimiter)
	return group
}

// IsMessage reports whether the event is a message.
func (e *Event) IsMessage() bool {
	return e.Kind == EventKindMessage
}

// MessageText decodes the message payload.
func (e *Event) MessageText() (string, error) {
	if e.Kind != EventKindMessage {
		return "", fmt.Errorf("event %d is %s, not a message", e.Offset, e.Kind)
	}
	var data MessageData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return "", fmt.Errorf("failed to decode message payload: %w", err)
	}
	return data.Message, nil
}

// StatusData decodes the status payload.
func (e *Event) StatusData() (*StatusData, error) {
	if e.Kind != EventKindStatus {
		return nil, fmt.Errorf("event %d is %s, not a status", e.Offset, e.Kind)
	}
	var data StatusData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode status payload: %w", err)
	}
	return &data, nil
}

// SameRecord reports whether two events at the same offset carry the same content.
func (e *Event) SameRecord(other *Event) bool {
	return e.Kind == other.Kind &&
		e.Source == other.Source &&
		e.CorrelationID == other.CorrelationID &&
		jsonEqual(e.Data, other.Data)
}

func jsonEqual(a, b json.RawMessage) bool {
	if string(a) == string(b) {
		return true
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	ja, _ := json.Marshal(va)
	jb, _ := json.Marshal(vb)
	return string(ja) == string(jb)
}

// NewMessageEvent builds a message event. The offset is assigned by the log.
func NewMessageEvent(source EventSource, correlationID, text string, at time.Time) (*Event, error) {
	data, err := json.Marshal(MessageData{Message: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message payload: %w", err)
	}
	return &Event{
		Kind:          EventKindMessage,
		Source:        source,
		CorrelationID: correlationID,
		CreationTime:  at,
		Data:          data,
	}, nil
}

// NewStatusEvent builds a status event. A non-empty exception is attached as detail.
func NewStatusEvent(correlationID string, status StatusTag, exception string, at time.Time) (*Event, error) {
	payload := StatusData{Status: status}
	if exception != "" {
		payload.Data = &StatusDetail{Exception: exception}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status payload: %w", err)
	}
	return &Event{
		Kind:          EventKindStatus,
		Source:        SourceSystem,
		CorrelationID: correlationID,
		CreationTime:  at,
		Data:          data,
	}, nil
}
