// Package orchestration drives the lifecycle of participants and derives
// the state of the whole simulation from what they report.
package orchestration

import "fmt"

// State is a lifecycle state. Participants report every state but
// StateInvalid; the system state may also be StateInvalid.
type State uint8

// ParticipantState is the state a LifecycleService reports.
type ParticipantState = State

// SystemState is the state a SystemMonitor derives.
type SystemState = State

// Lifecycle states in happy-path order.
const (
	StateInvalid State = iota
	StateServicesCreated
	StateCommunicationInitializing
	StateCommunicationInitialized
	StateReadyToRun
	StateRunning
	StatePaused
	StateStopping
	StateStopped
	StateShuttingDown
	StateShutdown
	StateError
)

var stateNames = [...]string{
	StateInvalid:                   "Invalid",
	StateServicesCreated:           "ServicesCreated",
	StateCommunicationInitializing: "CommunicationInitializing",
	StateCommunicationInitialized:  "CommunicationInitialized",
	StateReadyToRun:                "ReadyToRun",
	StateRunning:                   "Running",
	StatePaused:                    "Paused",
	StateStopping:                  "Stopping",
	StateStopped:                   "Stopped",
	StateShuttingDown:              "ShuttingDown",
	StateShutdown:                  "Shutdown",
	StateError:                     "Error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("State(%d)", uint8(s))
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s <= StateError
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateShutdown || s == StateError
}

// rank orders states by progress; Running and Paused share a rank.
func (s State) rank() int {
	switch s {
	case StateServicesCreated:
		return 0
	case StateCommunicationInitializing:
		return 1
	case StateCommunicationInitialized:
		return 2
	case StateReadyToRun:
		return 3
	case StateRunning, StatePaused:
		return 4
	case StateStopping:
		return 5
	case StateStopped:
		return 6
	case StateShuttingDown:
		return 7
	case StateShutdown:
		return 8
	default:
		return -1
	}
}

// ReduceSystemState derives the system state from the participant states.
// When expected is empty every participant in states is considered.
//
//   - Error if any considered participant is in Error.
//   - Invalid if a considered participant has no known state.
//   - The common state if all agree.
//   - ShuttingDown if any has begun shutting down.
//   - Stopping if any has begun stopping.
//   - Paused if all are Running or Paused.
//   - Otherwise the least advanced state.
func ReduceSystemState(expected []string, states map[string]State) SystemState {
	names := expected
	if len(names) == 0 {
		for name := range states {
			names = append(names, name)
		}
	}

	if len(names) == 0 {
		return StateInvalid
	}

	unknown := false

	for _, name := range names {
		st, ok := states[name]

		switch {
		case !ok || !st.Valid() || st == StateInvalid:
			unknown = true
		case st == StateError:
			return StateError
		}
	}

	if unknown {
		return StateInvalid
	}

	first := states[names[0]]
	same := true
	least := first
	anyShuttingDown, anyStopping, allRunning := false, false, true

	for _, name := range names {
		st := states[name]

		if st != first {
			same = false
		}

		if st.rank() < least.rank() {
			least = st
		}

		switch st {
		case StateShuttingDown, StateShutdown:
			anyShuttingDown = true
		case StateStopping, StateStopped:
			anyStopping = true
		}

		if st != StateRunning && st != StatePaused {
			allRunning = false
		}
	}

	switch {
	case same:
		return first
	case anyShuttingDown:
		return StateShuttingDown
	case anyStopping:
		return StateStopping
	case allRunning:
		return StatePaused
	default:
		return least
	}
}
