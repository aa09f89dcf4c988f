package datarecording

import (
	"os"
	"strings"
	"time"
)

const execTable = "exec_info"

const timeLayout = "2006-01-02 15:04:05.000000000"

type execInfo struct {
	Property string
	Value    string
}

// ExecRecorder records how and when a participant process ran.
type ExecRecorder struct {
	recorder DataRecorder
	entries  []execInfo
}

// NewExecRecorder creates the exec_info table in recorder.
func NewExecRecorder(recorder DataRecorder) (*ExecRecorder, error) {
	if err := recorder.CreateTable(execTable, execInfo{}); err != nil {
		return nil, err
	}

	return &ExecRecorder{recorder: recorder}, nil
}

// Start notes the participant, the command line and the start time.
func (e *ExecRecorder) Start(participant string) {
	e.entries = append(e.entries,
		execInfo{"Participant", participant},
		execInfo{"Start Time", time.Now().Format(timeLayout)},
		execInfo{"Command", strings.Join(os.Args, " ")},
	)

	if cwd, err := os.Getwd(); err == nil {
		e.entries = append(e.entries, execInfo{"Working Directory", cwd})
	}
}

// End writes the collected entries along with the end time and the final
// state.
func (e *ExecRecorder) End(finalState string) error {
	e.entries = append(e.entries,
		execInfo{"End Time", time.Now().Format(timeLayout)},
		execInfo{"Final State", finalState},
	)

	for _, entry := range e.entries {
		if err := e.recorder.InsertData(execTable, entry); err != nil {
			return err
		}
	}

	e.entries = nil

	return e.recorder.Flush()
}
