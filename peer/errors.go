package peer

import (
	"fmt"
	"strings"
)

// A ConnectionError reports that none of a participant's addresses could be
// reached. Callers may retry with a fresh address list.
type ConnectionError struct {
	Participant string
	Attempted   []string
	Err         error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("peer: cannot connect to %q", e.Participant)
	if len(e.Attempted) > 0 {
		msg += " via [" + strings.Join(e.Attempted, ", ") + "]"
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap returns the last dial error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
