package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/capitalize-ai/sessionsync/internal/model"
	"github.com/capitalize-ai/sessionsync/internal/synchronizer"
)

// formatMessage renders one message as a transcript line.
func formatMessage(index int, m model.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s: %s", index, m.Source, m.Text)

	switch {
	case m.Delivery == model.DeliveryFailed:
		b.WriteString("  (not delivered, /resend to retry)")
	case m.Provisional:
		b.WriteString("  (sending)")
	case m.Status.Tag == model.StatusError:
		fmt.Fprintf(&b, "  (%v)", synchronizer.Failure(m))
	case m.Status.IsSet() && m.Status.Tag != model.StatusReady:
		fmt.Fprintf(&b, "  (%s)", m.Status.Tag)
	}
	return b.String()
}

// transcript tracks what has been printed so only changes are written.
type transcript struct {
	printed map[string]string
}

func newTranscript() *transcript {
	return &transcript{printed: make(map[string]string)}
}

func messageKey(m model.Message) string {
	if m.Provisional {
		return "provisional"
	}
	return strconv.Itoa(m.Offset)
}

// update returns the lines for messages that are new or changed since the
// last update. A shrinking history resets the transcript.
func (t *transcript) update(messages []model.Message) []string {
	committed := 0
	for _, m := range messages {
		if !m.Provisional {
			committed++
		}
	}
	if committed < t.committed() {
		t.printed = make(map[string]string)
	}

	var lines []string
	for i, m := range messages {
		key := messageKey(m)
		line := formatMessage(i, m)
		if t.printed[key] == line {
			continue
		}
		t.printed[key] = line
		lines = append(lines, line)
	}
	return lines
}

func (t *transcript) committed() int {
	n := len(t.printed)
	if _, ok := t.printed["provisional"]; ok {
		n--
	}
	return n
}

func printMessages(w io.Writer, messages []model.Message) {
	if len(messages) == 0 {
		fmt.Fprintln(w, "(no messages)")
		return
	}
	for i, m := range messages {
		fmt.Fprintln(w, formatMessage(i, m))
	}
}
