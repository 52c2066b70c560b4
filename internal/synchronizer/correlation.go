package synchronizer

import (
	"sort"

	"github.com/capitalize-ai/sessionsync/internal/model"
)

// Derivation is the status information computed from a sequence of events.
type Derivation struct {
	// ByOffset holds the derived status of each message event that has one. Messages still awaiting a status are absent.
	ByOffset map[int]model.Status
	// ByGroup holds, for each correlation group whose last event is a status
	// event, that trailing status.
	ByGroup map[string]model.Status
}

// Derive computes message statuses for a batch of events. A message takes the
// status of the last event in its correlation group when that event is a
// status. Otherwise a message followed by a later message is ready, and the
// last message has no status yet.
func Derive(batch []model.Event) Derivation {
	d := Derivation{
		ByOffset: make(map[int]model.Status),
		ByGroup:  make(map[string]model.Status),
	}

	events := make([]model.Event, len(batch))
	copy(events, batch)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Offset < events[j].Offset })

	tail := make(map[string]int)
	lastMessage := -1
	for i := range events {
		if group := events[i].CorrelationGroup(); group != "" {
			tail[group] = i
		}
		if events[i].IsMessage() {
			lastMessage = i
		}
	}

	for group, i := range tail {
		if st, ok := statusOf(&events[i]); ok {
			d.ByGroup[group] = st
		}
	}

	for i := range events {
		event := &events[i]
		if !event.IsMessage() {
			continue
		}
		if st, ok := d.ByGroup[event.CorrelationGroup()]; ok {
			d.ByOffset[event.Offset] = st
			continue
		}
		if i < lastMessage {
			d.ByOffset[event.Offset] = model.Status{Tag: model.StatusReady}
		}
	}

	return d
}

func statusOf(event *model.Event) (model.Status, bool) {
	if event.Kind != model.EventKindStatus {
		return model.Status{}, false
	}
	data, err := event.StatusData()
	if err != nil || data.Status == "" {
		return model.Status{}, false
	}
	st := model.Status{Tag: data.Status}
	if data.Data != nil {
		st.Error = data.Data.Exception
	}
	return st, true
}
