package orchestration

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned when Run is called a second time.
var ErrAlreadyRunning = errors.New("orchestration: lifecycle already started")

// CommandRejectedError reports a command that is not valid in the current
// state. The state does not change.
type CommandRejectedError struct {
	Participant string
	Command     string
	State       ParticipantState
	Reason      string
}

func (e *CommandRejectedError) Error() string {
	msg := fmt.Sprintf("orchestration: %s rejected %s in state %s",
		e.Participant, e.Command, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}

	return msg
}

func (e *CommandRejectedError) message() *CommandRejection {
	return &CommandRejection{
		Participant: e.Participant,
		Command:     e.Command,
		State:       e.State,
		Reason:      e.Reason,
	}
}
