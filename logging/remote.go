package logging

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sarchlab/simbus/connection"
	"github.com/sarchlab/simbus/wire"
	"github.com/sirupsen/logrus"
)

// Channel carries log entries between participants.
const Channel = "simbus/logging"

// RemoteOriginField marks an entry that was received from another
// participant. Such entries are never published again.
const RemoteOriginField = "remote_origin"

// LogMsg is one log entry on the logging channel.
type LogMsg struct {
	Origin  string
	Level   logrus.Level
	Time    time.Time
	Message string
	Fields  map[string]string
}

// MsgTypeName identifies LogMsg on the logging channel.
func (*LogMsg) MsgTypeName() string { return "simbus.LogMsg" }

// MsgTypeVersion is the encoding revision of LogMsg.
func (*LogMsg) MsgTypeVersion() uint32 { return 1 }

// MarshalTo encodes the entry with its fields sorted by key.
func (m *LogMsg) MarshalTo(w *wire.Writer) {
	w.PutString(m.Origin)
	w.PutUint8(uint8(m.Level))
	w.PutInt64(m.Time.UnixNano())
	w.PutString(m.Message)

	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	w.PutUint32(uint32(len(keys)))

	for _, k := range keys {
		w.PutString(k)
		w.PutString(m.Fields[k])
	}
}

// UnmarshalFrom decodes an entry and fails on an unknown level.
func (m *LogMsg) UnmarshalFrom(r *wire.Reader) {
	m.Origin = r.Str()

	m.Level = logrus.Level(r.Uint8())
	if m.Level > logrus.TraceLevel {
		r.Fail(fmt.Errorf("invalid log level %d", m.Level))
	}

	m.Time = time.Unix(0, r.Int64())
	m.Message = r.Str()

	n := r.Count(8)
	if n == 0 {
		return
	}

	m.Fields = make(map[string]string, n)
	for range n {
		k := r.Str()
		m.Fields[k] = r.Str()
	}
}

// A Messenger is what remote logging needs from a connection.
type Messenger interface {
	ParticipantName() string
	NewEndpoint(channel string) connection.Endpoint
	SendMessage(from connection.Endpoint, msg wire.Message)
	Subscribe(
		ctx context.Context,
		channel string,
		factory connection.MessageFactory,
		handler connection.Handler,
	) ([]connection.SubscriptionResult, error)
}

// RemoteHook is a logrus hook publishing entries on the logging channel.
type RemoteHook struct {
	msgr   Messenger
	ep     connection.Endpoint
	origin string
	levels []logrus.Level
}

// NewRemoteHook publishes entries at minLevel or more severe.
func NewRemoteHook(msgr Messenger, minLevel logrus.Level) *RemoteHook {
	h := &RemoteHook{
		msgr:   msgr,
		ep:     msgr.NewEndpoint(Channel),
		origin: msgr.ParticipantName(),
	}

	for _, l := range logrus.AllLevels {
		if l <= minLevel {
			h.levels = append(h.levels, l)
		}
	}

	return h
}

// Levels implements logrus.Hook.
func (h *RemoteHook) Levels() []logrus.Level {
	return h.levels
}

// Fire implements logrus.Hook.
func (h *RemoteHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data[RemoteOriginField]; ok {
		return nil
	}

	msg := &LogMsg{
		Origin:  h.origin,
		Level:   e.Level,
		Time:    e.Time,
		Message: e.Message,
	}

	if len(e.Data) > 0 {
		msg.Fields = make(map[string]string, len(e.Data))
		for k, v := range e.Data {
			msg.Fields[k] = fmt.Sprint(v)
		}
	}

	h.msgr.SendMessage(h.ep, msg)

	return nil
}

// ForwardRemote logs every entry other participants publish through
// logger, tagged with RemoteOriginField. Remote panic and fatal entries are
// logged as errors.
func ForwardRemote(ctx context.Context, msgr Messenger, logger *logrus.Logger) error {
	self := msgr.ParticipantName()

	_, err := msgr.Subscribe(ctx, Channel,
		func() wire.Message { return &LogMsg{} },
		func(_ wire.EndpointAddress, m wire.Message) {
			msg := m.(*LogMsg)
			if msg.Origin == self {
				return
			}

			fields := make(logrus.Fields, len(msg.Fields)+1)
			for k, v := range msg.Fields {
				fields[k] = v
			}

			fields[RemoteOriginField] = msg.Origin

			level := msg.Level
			if level < logrus.ErrorLevel {
				level = logrus.ErrorLevel
			}

			logger.WithFields(fields).WithTime(msg.Time).Log(level, msg.Message)
		})
	if err != nil {
		return fmt.Errorf("logging: subscribing to remote logs: %w", err)
	}

	return nil
}
