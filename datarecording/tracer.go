package datarecording

import (
	"errors"
	"time"

	"github.com/sarchlab/simbus/connection"
	"github.com/sarchlab/simbus/hooking"
	"github.com/sarchlab/simbus/orchestration"
	"github.com/sarchlab/simbus/wire"
	"github.com/sirupsen/logrus"
)

// Tables written by a Tracer.
const (
	ParticipantStateTable = "participant_state"
	SystemStateTable      = "system_state"
	SimStepTable          = "sim_step"
	MessageTable          = "message"
)

// StateEntry is one participant state transition.
type StateEntry struct {
	Participant string
	State       string
	Previous    string
	Reason      string
	EnterTime   int64
}

// SystemStateEntry is one system state change seen by a monitor.
type SystemStateEntry struct {
	Observer string
	State    string
	Previous string
	Time     int64
}

// StepEntry is one simulation step.
type StepEntry struct {
	Participant string
	Now         int64
	Duration    int64
	WallTime    int64
}

// MessageEntry is one message sent or delivered.
type MessageEntry struct {
	Participant string
	Direction   string
	Channel     string
	MsgType     string
	Time        int64
}

// Tracer is a hook that records lifecycle, step and message events.
// Attach it to a LifecycleService, a SystemMonitor or a Connection.
type Tracer struct {
	recorder    DataRecorder
	participant string
	log         *logrus.Entry
}

// NewTracer creates the trace tables in recorder.
func NewTracer(recorder DataRecorder, participant string, log *logrus.Entry) (*Tracer, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	tables := []struct {
		name   string
		sample any
	}{
		{ParticipantStateTable, StateEntry{}},
		{SystemStateTable, SystemStateEntry{}},
		{SimStepTable, StepEntry{}},
		{MessageTable, MessageEntry{}},
	}

	for _, t := range tables {
		if err := recorder.CreateTable(t.name, t.sample); err != nil {
			return nil, err
		}
	}

	return &Tracer{
		recorder:    recorder,
		participant: participant,
		log:         log.WithField("component", "tracer"),
	}, nil
}

// Func implements hooking.Hook.
func (t *Tracer) Func(ctx hooking.HookCtx) {
	table, entry, ok := t.entryFor(ctx)
	if !ok {
		return
	}

	err := t.recorder.InsertData(table, entry)
	if err != nil && !errors.Is(err, ErrClosed) {
		t.log.WithError(err).Warn("dropping trace entry")
	}
}

func (t *Tracer) entryFor(ctx hooking.HookCtx) (string, any, bool) {
	switch ctx.Pos {
	case orchestration.HookPosStateChange:
		st, ok := ctx.Item.(orchestration.ParticipantStatus)
		if !ok {
			return "", nil, false
		}

		prev, _ := ctx.Detail.(orchestration.ParticipantState)

		return ParticipantStateTable, StateEntry{
			Participant: st.Participant,
			State:       st.State.String(),
			Previous:    prev.String(),
			Reason:      st.EnterReason,
			EnterTime:   st.EnterTime.UnixNano(),
		}, true
	case orchestration.HookPosSystemStateChange:
		st, _ := ctx.Item.(orchestration.SystemState)
		prev, _ := ctx.Detail.(orchestration.SystemState)

		return SystemStateTable, SystemStateEntry{
			Observer: t.participant,
			State:    st.String(),
			Previous: prev.String(),
			Time:     time.Now().UnixNano(),
		}, true
	case orchestration.HookPosSimStep:
		now, _ := ctx.Item.(time.Duration)
		period, _ := ctx.Detail.(time.Duration)

		return SimStepTable, StepEntry{
			Participant: t.participant,
			Now:         int64(now),
			Duration:    int64(period),
			WallTime:    time.Now().UnixNano(),
		}, true
	case connection.HookPosMsgSend, connection.HookPosMsgDeliver:
		msg, ok := ctx.Item.(wire.Message)
		if !ok {
			return "", nil, false
		}

		channel, _ := ctx.Detail.(string)

		direction := "send"
		if ctx.Pos == connection.HookPosMsgDeliver {
			direction = "deliver"
		}

		return MessageTable, MessageEntry{
			Participant: t.participant,
			Direction:   direction,
			Channel:     channel,
			MsgType:     msg.MsgTypeName(),
			Time:        time.Now().UnixNano(),
		}, true
	}

	return "", nil, false
}
