package synchronizer

import (
	"fmt"
	"slices"
	"sort"

	"github.com/capitalize-ai/sessionsync/internal/model"
)

// maxOffsetGap bounds how far past the end of the buffer an event may land.
// Events beyond it are rejected and fetched again once the gap closes.
const maxOffsetGap = 10_000

type entry struct {
	event  model.Event
	text   string
	status model.Status
}

// Buffer is the offset-indexed local copy of a session log. Slot i holds the
// event at offset i; a nil slot is a hole that is not yet visible. Buffer is
// not safe for concurrent use; its owning Session serializes access.
type Buffer struct {
	slots []*entry
}

// MergeResult reports what a merge changed.
type MergeResult struct {
	// Placed are the events written into previously empty slots.
	Placed []model.Event
	// Updated counts messages whose derived status changed, newly placed
	// messages included.
	Updated int
	// Violations are conflicting records that were ignored.
	Violations []*InvariantViolation
}

// Changed reports whether the merge altered the rendered history.
func (r MergeResult) Changed() bool {
	return len(r.Placed) > 0 || r.Updated > 0
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Merge places a fetched batch by offset. Events already present are not
// replaced. Message statuses are then derived again over the whole merged
// log, so a status event updates messages merged by earlier fetches. A
// derived status never reverts to unset.
func (b *Buffer) Merge(batch []model.Event) MergeResult {
	var res MergeResult

	events := make([]model.Event, len(batch))
	copy(events, batch)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Offset < events[j].Offset })

	for i := range events {
		event := events[i]
		if event.Offset < 0 {
			res.Violations = append(res.Violations, &InvariantViolation{Offset: event.Offset, Reason: "negative offset"})
			continue
		}
		if event.Offset-len(b.slots) > maxOffsetGap {
			res.Violations = append(res.Violations, &InvariantViolation{
				Offset: event.Offset,
				Reason: fmt.Sprintf("offset is more than %d past the end of the merged log (%d)", maxOffsetGap, len(b.slots)),
			})
			continue
		}
		b.grow(event.Offset + 1)

		existing := b.slots[event.Offset]
		if existing == nil {
			e := &entry{event: event}
			if event.IsMessage() {
				text, err := event.MessageText()
				if err != nil {
					res.Violations = append(res.Violations, &InvariantViolation{Offset: event.Offset, Reason: err.Error()})
				}
				e.text = text
			}
			b.slots[event.Offset] = e
			res.Placed = append(res.Placed, event)
			continue
		}

		if !existing.event.SameRecord(&event) {
			res.Violations = append(res.Violations, &InvariantViolation{
				Offset: event.Offset,
				Reason: fmt.Sprintf("conflicting %s event from %s, keeping the %s event merged first",
					event.Kind, event.Source, existing.event.Kind),
			})
		}
	}

	if len(res.Placed) == 0 {
		return res
	}

	d := Derive(b.Events())
	for _, e := range b.slots {
		if e == nil || !e.event.IsMessage() {
			continue
		}
		st, ok := d.ByOffset[e.event.Offset]
		if !ok || st == e.status {
			continue
		}
		e.status = st
		res.Updated++
	}

	return res
}

func (b *Buffer) grow(n int) {
	old := len(b.slots)
	if n <= old {
		return
	}
	b.slots = slices.Grow(b.slots, n-old)[:n]
	clear(b.slots[old:])
}

// NextOffset returns the offset the next fetch should start from: one past
// the highest merged offset, or the first hole if one exists.
func (b *Buffer) NextOffset() int {
	for i, e := range b.slots {
		if e == nil {
			return i
		}
	}
	return len(b.slots)
}

// Truncate drops every event at or after offset and returns how many were removed.
func (b *Buffer) Truncate(offset int) int {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(b.slots) {
		return 0
	}
	removed := 0
	for i := offset; i < len(b.slots); i++ {
		if b.slots[i] != nil {
			removed++
		}
		b.slots[i] = nil
	}
	b.slots = b.slots[:offset]
	return removed
}

// Len returns the number of merged events, holes excluded.
func (b *Buffer) Len() int {
	n := 0
	for _, e := range b.slots {
		if e != nil {
			n++
		}
	}
	return n
}

// Events returns the merged events in offset order, holes dropped.
func (b *Buffer) Events() []model.Event {
	events := make([]model.Event, 0, len(b.slots))
	for _, e := range b.slots {
		if e != nil {
			events = append(events, e.event)
		}
	}
	return events
}

// Render returns the visible message history in offset order.
func (b *Buffer) Render() []model.Message {
	var messages []model.Message
	for _, e := range b.slots {
		if e == nil || !e.event.IsMessage() {
			continue
		}
		messages = append(messages, model.Message{
			Offset:        e.event.Offset,
			Source:        e.event.Source,
			Text:          e.text,
			CorrelationID: e.event.CorrelationID,
			CreationTime:  e.event.CreationTime,
			Status:        e.status,
			Delivery:      model.DeliveryCommitted,
		})
	}
	return messages
}
