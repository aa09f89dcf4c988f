package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sarchlab/simbus/connection"
	"github.com/sarchlab/simbus/hooking"
	"github.com/sarchlab/simbus/wire"
	"github.com/sirupsen/logrus"
)

// OperationMode selects who drives a participant through its lifecycle.
type OperationMode uint8

const (
	// Coordinated participants wait for Initialize and for the system Run.
	Coordinated OperationMode = iota
	// Autonomous participants initialize and run by themselves.
	Autonomous
)

func (m OperationMode) String() string {
	if m == Autonomous {
		return "autonomous"
	}

	return "coordinated"
}

// ParseOperationMode accepts "coordinated" and "autonomous".
func ParseOperationMode(s string) (OperationMode, error) {
	switch s {
	case "", "coordinated":
		return Coordinated, nil
	case "autonomous":
		return Autonomous, nil
	default:
		return Coordinated, fmt.Errorf("orchestration: unknown operation mode %q", s)
	}
}

// Hook positions of a LifecycleService.
var (
	// HookPosStateChange carries the new ParticipantStatus as Item and the
	// previous state as Detail.
	HookPosStateChange = &hooking.HookPos{Name: "Participant State Change"}
	// HookPosSimStep carries the step's time point as Item and its duration
	// as Detail.
	HookPosSimStep = &hooking.HookPos{Name: "Simulation Step"}
)

const reasonReinitializing = "reinitializing"

// StepHandler executes one simulation step starting at now.
type StepHandler func(now, duration time.Duration)

// LifecycleConfig configures a LifecycleService.
type LifecycleConfig struct {
	OperationMode OperationMode

	// SyncParticipants is the set of participants whose virtual time
	// constrains ours. The local participant may be listed.
	SyncParticipants []string

	Logger *logrus.Entry
}

// LifecycleService moves a participant through its lifecycle states,
// answers commands and runs simulation steps in step with the other
// synchronised participants.
type LifecycleService struct {
	hooking.HookableBase

	msgr Messenger
	name string
	mode OperationMode
	log  *logrus.Entry
	ep   connection.Endpoint

	mu                sync.Mutex
	status            ParticipantStatus
	started           bool
	initPending       bool
	shutdownAfterStop bool
	now               time.Duration
	sync              *timeSync

	commReadyHandler func()
	initHandler      func() error
	stopHandler      func()
	shutdownHandler  func()
	stepHandler      StepHandler
	stepPeriod       time.Duration
	asyncStep        bool
	stepInFlight     bool

	stepDone chan struct{}
	wake     chan struct{}
	failed   chan struct{}
	failOnce sync.Once
	done     chan struct{}
}

// NewLifecycleService subscribes to the orchestration channel through msgr
// and publishes the ServicesCreated status.
func NewLifecycleService(
	ctx context.Context,
	msgr Messenger,
	cfg LifecycleConfig,
) (*LifecycleService, error) {
	name := msgr.ParticipantName()

	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	l := &LifecycleService{
		msgr:     msgr,
		name:     name,
		mode:     cfg.OperationMode,
		log:      log.WithFields(logrus.Fields{"component": "lifecycle", "participant": name}),
		ep:       msgr.NewEndpoint(Channel),
		sync:     newTimeSync(name, cfg.SyncParticipants),
		stepDone: make(chan struct{}, 1),
		wake:     make(chan struct{}, 1),
		failed:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	l.status.Participant = name

	msgr.RegisterPeerShutdownHandler(l.onPeerShutdown)
	msgr.RegisterRemoteSubscriptionHandler(l.onRemoteSubscription)

	err := subscribe(ctx, msgr, func() *SystemCommand { return &SystemCommand{} }, l.onSystemCommand)
	if err == nil {
		err = subscribe(ctx, msgr,
			func() *ParticipantCommand { return &ParticipantCommand{} }, l.onParticipantCommand)
	}

	if err == nil {
		err = subscribe(ctx, msgr, func() *NextSimTask { return &NextSimTask{} }, l.onNextSimTask)
	}

	if err == nil {
		err = subscribe(ctx, msgr,
			func() *ParticipantStatus { return &ParticipantStatus{} }, l.onParticipantStatus)
	}

	if err != nil {
		return nil, fmt.Errorf("orchestration: subscribing lifecycle of %s: %w", name, err)
	}

	l.mu.Lock()
	l.transitionLocked(StateServicesCreated, "participant created")
	l.mu.Unlock()

	return l, nil
}

func (l *LifecycleService) mustNotBeStarted() {
	if l.started {
		panic("orchestration: lifecycle handlers must be set before Run")
	}
}

// SetCommunicationReadyHandler sets the callback invoked once communication
// with the other participants is established.
func (l *LifecycleService) SetCommunicationReadyHandler(h func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.mustNotBeStarted()
	l.commReadyHandler = h
}

// SetInitHandler sets the callback run on Initialize and Reinitialize. An
// error moves the participant to Error.
func (l *LifecycleService) SetInitHandler(h func() error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.mustNotBeStarted()
	l.initHandler = h
}

// SetStopHandler sets the callback run while Stopping.
func (l *LifecycleService) SetStopHandler(h func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.mustNotBeStarted()
	l.stopHandler = h
}

// SetShutdownHandler sets the callback run while ShuttingDown.
func (l *LifecycleService) SetShutdownHandler(h func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.mustNotBeStarted()
	l.shutdownHandler = h
}

// SetSimulationStepHandler sets the step handler and the virtual duration
// of each step. The handler returns when the step is complete.
func (l *LifecycleService) SetSimulationStepHandler(h StepHandler, period time.Duration) {
	l.setStepHandler(h, period, false)
}

// SetSimulationStepHandlerAsync sets a step handler whose steps complete
// only when CompleteSimulationStep is called.
func (l *LifecycleService) SetSimulationStepHandlerAsync(h StepHandler, period time.Duration) {
	l.setStepHandler(h, period, true)
}

func (l *LifecycleService) setStepHandler(h StepHandler, period time.Duration, async bool) {
	if period <= 0 {
		panic("orchestration: step period must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.mustNotBeStarted()
	l.stepHandler = h
	l.stepPeriod = period
	l.asyncStep = async
}

// CompleteSimulationStep finishes the step an async step handler started.
// Calls made while no step is in flight are ignored.
func (l *LifecycleService) CompleteSimulationStep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.stepInFlight {
		return
	}

	l.stepInFlight = false

	select {
	case l.stepDone <- struct{}{}:
	default:
	}
}

// State returns the current state.
func (l *LifecycleService) State() ParticipantState {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.status.State
}

// Status returns the last published status.
func (l *LifecycleService) Status() ParticipantStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.status
}

// Now returns the virtual time of the next step.
func (l *LifecycleService) Now() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.now
}

// Done is closed once the lifecycle loop has returned.
func (l *LifecycleService) Done() <-chan struct{} {
	return l.done
}

// Run drives the lifecycle until the participant is Shutdown or in Error
// and returns that final state.
func (l *LifecycleService) Run(ctx context.Context) (ParticipantState, error) {
	result, err := l.RunAsync(ctx)
	if err != nil {
		return StateInvalid, err
	}

	return <-result, nil
}

// RunAsync starts the lifecycle and returns a channel receiving the final
// state.
func (l *LifecycleService) RunAsync(ctx context.Context) (<-chan ParticipantState, error) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil, ErrAlreadyRunning
	}

	l.started = true
	l.mu.Unlock()

	result := make(chan ParticipantState, 1)

	go func() {
		result <- l.loop(ctx)
		close(result)
	}()

	return result, nil
}

type loopStep func() (final ParticipantState, finished bool)

func (l *LifecycleService) loop(ctx context.Context) ParticipantState {
	defer close(l.done)

	l.mu.Lock()
	commReady := false

	if l.status.State == StateServicesCreated {
		l.transitionLocked(StateCommunicationInitializing, "establishing communication")
		l.transitionLocked(StateCommunicationInitialized, "communication established")

		commReady = true
		if l.mode == Autonomous {
			l.initPending = true
		}
	}

	handler := l.commReadyHandler
	l.mu.Unlock()

	if commReady && handler != nil {
		handler()
	}

	for {
		l.mu.Lock()
		step := l.nextStepLocked()
		l.mu.Unlock()

		if step == nil {
			select {
			case <-l.wake:
			case <-ctx.Done():
				l.ReportError(fmt.Sprintf("lifecycle canceled: %v", ctx.Err()))
			}

			continue
		}

		if final, finished := step(); finished {
			return final
		}
	}
}

func (l *LifecycleService) nextStepLocked() loopStep {
	switch st := l.status.State; st {
	case StateCommunicationInitialized:
		if l.initPending {
			return l.runInit
		}
	case StateRunning:
		if l.stepHandler != nil && l.sync.canAdvance(l.now) {
			return l.runStep
		}
	case StateStopping:
		return l.runStop
	case StateShuttingDown:
		return l.runShutdown
	case StateShutdown, StateError:
		return func() (ParticipantState, bool) { return st, true }
	}

	return nil
}

func (l *LifecycleService) runInit() (ParticipantState, bool) {
	var err error
	if l.initHandler != nil {
		err = l.initHandler()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.initPending = false

	if err != nil {
		l.errorLocked(fmt.Sprintf("init handler failed: %v", err))
		return StateError, false
	}

	if l.status.State != StateCommunicationInitialized {
		return l.status.State, false
	}

	l.transitionLocked(StateReadyToRun, "initialized")

	if l.mode == Autonomous {
		l.enterRunningLocked("autonomous start")
	}

	return StateReadyToRun, false
}

func (l *LifecycleService) runStep() (ParticipantState, bool) {
	l.mu.Lock()
	now, period := l.now, l.stepPeriod
	l.stepInFlight = l.asyncStep
	l.mu.Unlock()

	l.InvokeHook(hooking.HookCtx{
		Domain: l,
		Pos:    HookPosSimStep,
		Item:   now,
		Detail: period,
	})

	l.stepHandler(now, period)

	if l.asyncStep {
		select {
		case <-l.stepDone:
		case <-l.failed:
			l.mu.Lock()
			l.stepInFlight = false
			l.mu.Unlock()

			return StateError, false
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.now = now + period
	l.publishNextLocked()

	return l.status.State, false
}

func (l *LifecycleService) runStop() (ParticipantState, bool) {
	if l.stopHandler != nil {
		l.stopHandler()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status.State != StateStopping {
		return l.status.State, false
	}

	l.transitionLocked(StateStopped, "stop handler completed")

	if l.shutdownAfterStop || l.mode == Autonomous {
		l.shutdownAfterStop = false
		l.transitionLocked(StateShuttingDown, "shutting down after stop")
	}

	return StateStopped, false
}

func (l *LifecycleService) runShutdown() (ParticipantState, bool) {
	if l.shutdownHandler != nil {
		l.shutdownHandler()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status.State == StateShuttingDown {
		l.transitionLocked(StateShutdown, "shutdown handler completed")
	}

	return l.status.State, false
}

// Stop stops a Running or Paused participant.
func (l *LifecycleService) Stop(reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.stopLocked("Stop", reason)
}

func (l *LifecycleService) stopLocked(cmd, reason string) error {
	switch l.status.State {
	case StateRunning, StatePaused:
		l.transitionLocked(StateStopping, reason)
		l.signal()

		return nil
	default:
		return l.rejectLocked(cmd, "only a running or paused participant can stop")
	}
}

// Pause suspends stepping.
func (l *LifecycleService) Pause(reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status.State != StateRunning {
		return l.rejectLocked("Pause", "only a running participant can pause")
	}

	l.transitionLocked(StatePaused, reason)

	return nil
}

// Continue resumes a Paused participant.
func (l *LifecycleService) Continue() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status.State != StatePaused {
		return l.rejectLocked("Continue", "only a paused participant can continue")
	}

	l.transitionLocked(StateRunning, "continued")
	l.signal()

	return nil
}

// ReportError moves the participant to Error. Run then returns.
func (l *LifecycleService) ReportError(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status.State.Terminal() {
		l.log.Warnf("error reported in state %s: %s", l.status.State, msg)
		return
	}

	l.errorLocked(msg)
}

func (l *LifecycleService) errorLocked(msg string) {
	l.log.Error(msg)
	l.transitionLocked(StateError, msg)
	l.failOnce.Do(func() { close(l.failed) })
	l.signal()
}

func (l *LifecycleService) handleSystemCommand(kind SystemCommandKind) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cmd := kind.String()
	st := l.status.State

	if st == StateError {
		return l.rejectLocked(cmd, "participant is in error")
	}

	switch kind {
	case SystemCommandRun:
		if st != StateReadyToRun {
			return l.rejectLocked(cmd, "participant is not ready to run")
		}

		l.enterRunningLocked("system run")
	case SystemCommandStop:
		return l.stopLocked(cmd, "system stop")
	case SystemCommandShutdown:
		switch st {
		case StateRunning, StatePaused:
			l.shutdownAfterStop = true
			l.transitionLocked(StateStopping, "system shutdown")
		case StateStopping:
			l.shutdownAfterStop = true
		case StateServicesCreated, StateCommunicationInitializing,
			StateCommunicationInitialized, StateReadyToRun, StateStopped:
			l.transitionLocked(StateShuttingDown, "system shutdown")
		default:
			return l.rejectLocked(cmd, "participant is already shutting down")
		}
	default:
		return l.rejectLocked(cmd, "unknown command")
	}

	l.signal()

	return nil
}

func (l *LifecycleService) handleParticipantCommand(kind ParticipantCommandKind) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cmd := kind.String()

	switch kind {
	case ParticipantCommandInitialize:
		if l.status.State != StateCommunicationInitialized || l.initPending {
			return l.rejectLocked(cmd, "participant is not waiting for initialization")
		}

		l.initPending = true
	case ParticipantCommandReinitialize:
		if l.status.State != StateStopped {
			return l.rejectLocked(cmd, "only a stopped participant can reinitialize")
		}

		l.now = 0
		l.initPending = true
		l.transitionLocked(StateCommunicationInitialized, reasonReinitializing)
	default:
		return l.rejectLocked(cmd, "unknown command")
	}

	l.signal()

	return nil
}

func (l *LifecycleService) rejectLocked(cmd, reason string) error {
	err := &CommandRejectedError{
		Participant: l.name,
		Command:     cmd,
		State:       l.status.State,
		Reason:      reason,
	}

	l.log.Warn(err.Error())
	l.msgr.SendMessage(l.ep, err.message())

	return err
}

func (l *LifecycleService) enterRunningLocked(reason string) {
	l.transitionLocked(StateRunning, reason)
	l.publishNextLocked()
}

func (l *LifecycleService) transitionLocked(state ParticipantState, reason string) {
	prev := l.status.State
	now := time.Now()

	l.status.State = state
	l.status.EnterReason = reason
	l.status.EnterTime = now
	l.status.RefreshTime = now

	l.log.WithField("from", prev).Debugf("entering %s: %s", state, reason)

	st := l.status
	l.msgr.SendMessage(l.ep, &st)

	l.InvokeHook(hooking.HookCtx{
		Domain: l,
		Pos:    HookPosStateChange,
		Item:   st,
		Detail: prev,
	})
}

func (l *LifecycleService) nextTaskLocked() *NextSimTask {
	if l.stepHandler == nil {
		return &NextSimTask{Participant: l.name, TimePoint: Forever}
	}

	return &NextSimTask{
		Participant: l.name,
		TimePoint:   l.now,
		Duration:    l.stepPeriod,
	}
}

func (l *LifecycleService) publishNextLocked() {
	l.msgr.SendMessage(l.ep, l.nextTaskLocked())
}

func (l *LifecycleService) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *LifecycleService) onSystemCommand(_ wire.EndpointAddress, m *SystemCommand) {
	_ = l.handleSystemCommand(m.Kind)
}

func (l *LifecycleService) onParticipantCommand(_ wire.EndpointAddress, m *ParticipantCommand) {
	if m.Participant != l.name {
		return
	}

	_ = l.handleParticipantCommand(m.Kind)
}

func (l *LifecycleService) onNextSimTask(_ wire.EndpointAddress, m *NextSimTask) {
	if m.Participant == l.name {
		return
	}

	l.mu.Lock()
	l.sync.update(m.Participant, m.TimePoint)
	l.mu.Unlock()

	l.signal()
}

func (l *LifecycleService) onParticipantStatus(_ wire.EndpointAddress, m *ParticipantStatus) {
	if m.Participant == l.name {
		return
	}

	switch m.State {
	case StateStopping, StateStopped, StateShuttingDown, StateShutdown, StateError:
		l.mu.Lock()
		l.sync.release(m.Participant)
		l.mu.Unlock()

		l.signal()
	}
}

func (l *LifecycleService) onPeerShutdown(name string) {
	l.mu.Lock()
	l.sync.release(name)
	l.mu.Unlock()

	l.signal()
}

func (l *LifecycleService) onRemoteSubscription(_ string, sub wire.Subscriber) {
	if sub.NetworkName != Channel {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch sub.MsgTypeName {
	case (*ParticipantStatus)(nil).MsgTypeName():
		if l.status.State == StateInvalid {
			return
		}

		st := l.status
		l.msgr.SendMessage(l.ep, &st)
	case (*NextSimTask)(nil).MsgTypeName():
		switch l.status.State {
		case StateRunning, StatePaused:
			l.publishNextLocked()
		}
	}
}

// Blockers lists the synchronised participants currently holding back the
// next step.
func (l *LifecycleService) Blockers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.sync.blockers(l.now)
}
