package eventlog

import (
	"fmt"
)

// TransportError reports a network, HTTP or decoding failure on a call to the
// remote session/event service. It is recoverable; callers decide whether and
// when to retry.
type TransportError struct {
	Op         string
	SessionID  string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("eventlog %s session=%s: http %d: %v", e.Op, e.SessionID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("eventlog %s session=%s: %v", e.Op, e.SessionID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
