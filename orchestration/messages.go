package orchestration

import (
	"fmt"
	"time"

	"github.com/sarchlab/simbus/wire"
)

// Channel carries every orchestration message.
const Channel = "simbus/orchestration"

func readState(r *wire.Reader) State {
	s := State(r.Uint8())
	if !s.Valid() {
		r.Fail(fmt.Errorf("invalid state %d", uint8(s)))
	}

	return s
}

func putTime(w *wire.Writer, t time.Time) {
	if t.IsZero() {
		w.PutInt64(0)
		return
	}

	w.PutInt64(t.UnixNano())
}

func readTime(r *wire.Reader) time.Time {
	n := r.Int64()
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n)
}

// ParticipantStatus is what a participant publishes on every transition.
type ParticipantStatus struct {
	Participant string
	State       ParticipantState
	EnterReason string
	EnterTime   time.Time
	RefreshTime time.Time
}

func (*ParticipantStatus) MsgTypeName() string    { return "simbus.ParticipantStatus" }
func (*ParticipantStatus) MsgTypeVersion() uint32 { return 1 }

func (m *ParticipantStatus) MarshalTo(w *wire.Writer) {
	w.PutString(m.Participant)
	w.PutUint8(uint8(m.State))
	w.PutString(m.EnterReason)
	putTime(w, m.EnterTime)
	putTime(w, m.RefreshTime)
}

func (m *ParticipantStatus) UnmarshalFrom(r *wire.Reader) {
	m.Participant = r.Str()
	m.State = readState(r)
	m.EnterReason = r.Str()
	m.EnterTime = readTime(r)
	m.RefreshTime = readTime(r)
}

// SystemCommandKind enumerates commands addressed to every participant.
type SystemCommandKind uint8

// System commands.
const (
	SystemCommandInvalid SystemCommandKind = iota
	SystemCommandRun
	SystemCommandStop
	SystemCommandShutdown
)

func (k SystemCommandKind) String() string {
	switch k {
	case SystemCommandRun:
		return "Run"
	case SystemCommandStop:
		return "Stop"
	case SystemCommandShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("SystemCommand(%d)", uint8(k))
	}
}

// SystemCommand asks every participant to run, stop or shut down.
type SystemCommand struct {
	Kind SystemCommandKind
}

func (*SystemCommand) MsgTypeName() string    { return "simbus.SystemCommand" }
func (*SystemCommand) MsgTypeVersion() uint32 { return 1 }

func (m *SystemCommand) MarshalTo(w *wire.Writer) {
	w.PutUint8(uint8(m.Kind))
}

func (m *SystemCommand) UnmarshalFrom(r *wire.Reader) {
	m.Kind = SystemCommandKind(r.Uint8())
	if m.Kind == SystemCommandInvalid || m.Kind > SystemCommandShutdown {
		r.Fail(fmt.Errorf("invalid system command %d", uint8(m.Kind)))
	}
}

// ParticipantCommandKind enumerates commands addressed to one participant.
type ParticipantCommandKind uint8

// Participant commands.
const (
	ParticipantCommandInvalid ParticipantCommandKind = iota
	ParticipantCommandInitialize
	ParticipantCommandReinitialize
)

func (k ParticipantCommandKind) String() string {
	switch k {
	case ParticipantCommandInitialize:
		return "Initialize"
	case ParticipantCommandReinitialize:
		return "Reinitialize"
	default:
		return fmt.Sprintf("ParticipantCommand(%d)", uint8(k))
	}
}

// ParticipantCommand asks the named participant to (re)initialize.
type ParticipantCommand struct {
	Participant string
	Kind        ParticipantCommandKind
}

func (*ParticipantCommand) MsgTypeName() string    { return "simbus.ParticipantCommand" }
func (*ParticipantCommand) MsgTypeVersion() uint32 { return 1 }

func (m *ParticipantCommand) MarshalTo(w *wire.Writer) {
	w.PutString(m.Participant)
	w.PutUint8(uint8(m.Kind))
}

func (m *ParticipantCommand) UnmarshalFrom(r *wire.Reader) {
	m.Participant = r.Str()
	m.Kind = ParticipantCommandKind(r.Uint8())

	if m.Kind == ParticipantCommandInvalid || m.Kind > ParticipantCommandReinitialize {
		r.Fail(fmt.Errorf("invalid participant command %d", uint8(m.Kind)))
	}
}

// NextSimTask announces the virtual time at which a participant will
// execute its next step. A participant that never steps announces
// Forever.
type NextSimTask struct {
	Participant string
	TimePoint   time.Duration
	Duration    time.Duration
}

// Forever is the time point of a participant that does not constrain time.
const Forever = time.Duration(1<<63 - 1)

func (*NextSimTask) MsgTypeName() string    { return "simbus.NextSimTask" }
func (*NextSimTask) MsgTypeVersion() uint32 { return 1 }

func (m *NextSimTask) MarshalTo(w *wire.Writer) {
	w.PutString(m.Participant)
	w.PutInt64(int64(m.TimePoint))
	w.PutInt64(int64(m.Duration))
}

func (m *NextSimTask) UnmarshalFrom(r *wire.Reader) {
	m.Participant = r.Str()
	m.TimePoint = time.Duration(r.Int64())
	m.Duration = time.Duration(r.Int64())
}

// CommandRejection reports a command a participant refused to act on.
type CommandRejection struct {
	Participant string
	Command     string
	State       ParticipantState
	Reason      string
}

func (*CommandRejection) MsgTypeName() string    { return "simbus.CommandRejection" }
func (*CommandRejection) MsgTypeVersion() uint32 { return 1 }

func (m *CommandRejection) MarshalTo(w *wire.Writer) {
	w.PutString(m.Participant)
	w.PutString(m.Command)
	w.PutUint8(uint8(m.State))
	w.PutString(m.Reason)
}

func (m *CommandRejection) UnmarshalFrom(r *wire.Reader) {
	m.Participant = r.Str()
	m.Command = r.Str()
	m.State = readState(r)
	m.Reason = r.Str()
}
