package orchestration

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sarchlab/simbus/hooking"
	"github.com/sarchlab/simbus/wire"
	"github.com/sirupsen/logrus"
)

// HookPosSystemStateChange carries the new SystemState as Item and the
// previous one as Detail.
var HookPosSystemStateChange = &hooking.HookPos{Name: "System State Change"}

// Snapshot is a consistent copy of what a SystemMonitor knows.
type Snapshot struct {
	SystemState  SystemState
	Expected     []string
	Participants []ParticipantStatus
	Stale        []string
}

// SystemMonitor collects the status of every participant and derives the
// system state. A participant lost without reaching Shutdown or Error is
// marked stale and counts as unknown.
type SystemMonitor struct {
	hooking.HookableBase

	log      *logrus.Entry
	expected []string

	mu             sync.RWMutex
	statuses       map[string]ParticipantStatus
	stale          map[string]bool
	systemState    SystemState
	systemHandlers []func(SystemState)
	statusHandlers []func(ParticipantStatus)
}

// NewSystemMonitor subscribes to participant statuses through msgr. The
// expected participants are fixed for the monitor's lifetime; with none
// every participant seen counts.
func NewSystemMonitor(
	ctx context.Context,
	msgr Messenger,
	expected []string,
	log *logrus.Entry,
) (*SystemMonitor, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &SystemMonitor{
		log:      log.WithField("component", "system_monitor"),
		expected: append([]string(nil), expected...),
		statuses: make(map[string]ParticipantStatus),
		stale:    make(map[string]bool),
	}

	msgr.RegisterPeerShutdownHandler(m.markStale)

	err := subscribe(ctx, msgr,
		func() *ParticipantStatus { return &ParticipantStatus{} },
		func(_ wire.EndpointAddress, st *ParticipantStatus) { m.Update(*st) })
	if err != nil {
		return nil, fmt.Errorf("orchestration: subscribing system monitor: %w", err)
	}

	return m, nil
}

// ExpectedParticipants returns the participants the system state waits for.
func (m *SystemMonitor) ExpectedParticipants() []string {
	return append([]string(nil), m.expected...)
}

// RegisterSystemStateHandler registers h for system state changes.
func (m *SystemMonitor) RegisterSystemStateHandler(h func(SystemState)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.systemHandlers = append(m.systemHandlers, h)
}

// RegisterParticipantStatusHandler registers h for every accepted status.
func (m *SystemMonitor) RegisterParticipantStatusHandler(h func(ParticipantStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statusHandlers = append(m.statusHandlers, h)
}

// SystemState returns the current system state.
func (m *SystemMonitor) SystemState() SystemState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.systemState
}

// ParticipantStatus returns the last status of name.
func (m *SystemMonitor) ParticipantStatus(name string) (ParticipantStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.statuses[name]

	return st, ok
}

// Snapshot returns a copy of the monitor's view, sorted by name.
func (m *SystemMonitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		SystemState: m.systemState,
		Expected:    append([]string(nil), m.expected...),
	}

	for _, st := range m.statuses {
		s.Participants = append(s.Participants, st)
	}

	sort.Slice(s.Participants, func(i, j int) bool {
		return s.Participants[i].Participant < s.Participants[j].Participant
	})

	for name := range m.stale {
		s.Stale = append(s.Stale, name)
	}

	sort.Strings(s.Stale)

	return s
}

// Update records a participant status. Statuses older than the one already
// known for the participant are ignored.
func (m *SystemMonitor) Update(st ParticipantStatus) {
	m.mu.Lock()
	if prev, ok := m.statuses[st.Participant]; ok && st.EnterTime.Before(prev.EnterTime) {
		m.mu.Unlock()
		return
	}

	m.statuses[st.Participant] = st
	delete(m.stale, st.Participant)

	statusHandlers := m.statusHandlers
	prev, next, changed := m.recomputeLocked()
	systemHandlers := m.systemHandlers
	m.mu.Unlock()

	for _, h := range statusHandlers {
		h(st)
	}

	if changed {
		m.notify(prev, next, systemHandlers)
	}
}

func (m *SystemMonitor) markStale(name string) {
	m.mu.Lock()
	st, ok := m.statuses[name]

	if !ok || st.State.Terminal() {
		m.mu.Unlock()
		return
	}

	m.log.WithField("participant", name).Warnf("lost participant in state %s", st.State)
	m.stale[name] = true

	prev, next, changed := m.recomputeLocked()
	systemHandlers := m.systemHandlers
	m.mu.Unlock()

	if changed {
		m.notify(prev, next, systemHandlers)
	}
}

func (m *SystemMonitor) recomputeLocked() (prev, next SystemState, changed bool) {
	states := make(map[string]State, len(m.statuses))

	for name, st := range m.statuses {
		if !m.stale[name] {
			states[name] = st.State
		}
	}

	prev = m.systemState
	next = ReduceSystemState(m.expected, states)

	if len(m.expected) == 0 && len(m.stale) > 0 && next != StateError {
		next = StateInvalid
	}

	m.systemState = next

	return prev, next, prev != next
}

func (m *SystemMonitor) notify(prev, next SystemState, handlers []func(SystemState)) {
	m.log.WithField("from", prev).Infof("system state %s", next)

	m.InvokeHook(hooking.HookCtx{
		Domain: m,
		Pos:    HookPosSystemStateChange,
		Item:   next,
		Detail: prev,
	})

	for _, h := range handlers {
		h(next)
	}
}
