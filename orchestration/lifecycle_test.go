package orchestration

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/simbus/hooking"
	"go.uber.org/mock/gomock"
)

type stepRecorder struct {
	mu    sync.Mutex
	steps []time.Duration
}

func (r *stepRecorder) step(now, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.steps = append(r.steps, now)
}

func (r *stepRecorder) taken() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]time.Duration(nil), r.steps...)
}

var _ = Describe("LifecycleService", func() {
	var (
		mockCtrl *gomock.Controller
		h        *harness
		cancel   context.CancelFunc
		ctx      context.Context
	)

	newService := func(cfg LifecycleConfig) *LifecycleService {
		l, err := NewLifecycleService(ctx, h.msgr, cfg)
		Expect(err).NotTo(HaveOccurred())

		return l
	}

	runToReady := func(l *LifecycleService) <-chan ParticipantState {
		result, err := l.RunAsync(ctx)
		Expect(err).NotTo(HaveOccurred())
		Eventually(l.State).Should(Equal(StateCommunicationInitialized))

		h.deliver("ctrl", &ParticipantCommand{Participant: "A", Kind: ParticipantCommandInitialize})
		Eventually(l.State).Should(Equal(StateReadyToRun))

		return result
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		h = newHarness(mockCtrl, "A")
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		mockCtrl.Finish()
	})

	It("should publish ServicesCreated on creation", func() {
		l := newService(LifecycleConfig{})

		Expect(l.State()).To(Equal(StateServicesCreated))
		Expect(h.states()).To(Equal([]State{StateServicesCreated}))
		Expect(h.subscribed(&SystemCommand{})).To(BeTrue())
		Expect(h.subscribed(&ParticipantCommand{})).To(BeTrue())
		Expect(h.subscribed(&NextSimTask{})).To(BeTrue())
		Expect(h.subscribed(&ParticipantStatus{})).To(BeTrue())
	})

	It("should walk the coordinated happy path", func() {
		l := newService(LifecycleConfig{})
		rec := &stepRecorder{}

		var mu sync.Mutex
		var calls []string
		record := func(s string) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, s)
		}

		l.SetCommunicationReadyHandler(func() { record("comm") })
		l.SetInitHandler(func() error { record("init"); return nil })
		l.SetStopHandler(func() { record("stop") })
		l.SetShutdownHandler(func() { record("shutdown") })
		l.SetSimulationStepHandler(rec.step, time.Millisecond)

		result := runToReady(l)

		h.deliver("ctrl", &SystemCommand{Kind: SystemCommandRun})
		Eventually(func() int { return len(rec.taken()) }).Should(BeNumerically(">=", 3))

		h.deliver("ctrl", &SystemCommand{Kind: SystemCommandStop})
		Eventually(l.State).Should(Equal(StateStopped))

		h.deliver("ctrl", &SystemCommand{Kind: SystemCommandShutdown})
		Eventually(result).Should(Receive(Equal(StateShutdown)))

		steps := rec.taken()
		for i, now := range steps {
			Expect(now).To(Equal(time.Duration(i) * time.Millisecond))
		}

		Expect(l.Now()).To(Equal(time.Duration(len(steps)) * time.Millisecond))

		mu.Lock()
		defer mu.Unlock()
		Expect(calls).To(Equal([]string{"comm", "init", "stop", "shutdown"}))

		Expect(h.states()).To(Equal([]State{
			StateServicesCreated,
			StateCommunicationInitializing,
			StateCommunicationInitialized,
			StateReadyToRun,
			StateRunning,
			StateStopping,
			StateStopped,
			StateShuttingDown,
			StateShutdown,
		}))
	})

	It("should reject Run while Running", func() {
		l := newService(LifecycleConfig{})
		runToReady(l)

		h.deliver("ctrl", &SystemCommand{Kind: SystemCommandRun})
		Eventually(l.State).Should(Equal(StateRunning))

		err := l.handleSystemCommand(SystemCommandRun)

		var rejected *CommandRejectedError
		Expect(errors.As(err, &rejected)).To(BeTrue())
		Expect(rejected.State).To(Equal(StateRunning))
		Expect(l.State()).To(Equal(StateRunning))
		Expect(h.rejections()).To(ContainElement(CommandRejection{
			Participant: "A",
			Command:     "Run",
			State:       StateRunning,
			Reason:      "participant is not ready to run",
		}))
	})

	It("should reject Run before initialization", func() {
		l := newService(LifecycleConfig{})
		_, err := l.RunAsync(ctx)
		Expect(err).NotTo(HaveOccurred())
		Eventually(l.State).Should(Equal(StateCommunicationInitialized))

		h.deliver("ctrl", &SystemCommand{Kind: SystemCommandRun})

		Eventually(h.rejections).Should(HaveLen(1))
		Expect(l.State()).To(Equal(StateCommunicationInitialized))
	})

	It("should reject Continue unless Paused", func() {
		l := newService(LifecycleConfig{})
		runToReady(l)
		h.deliver("ctrl", &SystemCommand{Kind: SystemCommandRun})
		Eventually(l.State).Should(Equal(StateRunning))

		err := l.Continue()
		Expect(err).To(BeAssignableToTypeOf(&CommandRejectedError{}))
		Expect(l.State()).To(Equal(StateRunning))

		Expect(l.Pause("inspect")).To(Succeed())
		Expect(l.State()).To(Equal(StatePaused))
		Expect(l.Status().EnterReason).To(Equal("inspect"))
		Expect(l.Pause("again")).NotTo(Succeed())

		Expect(l.Continue()).To(Succeed())
		Expect(l.State()).To(Equal(StateRunning))
	})

	It("should not step while paused", func() {
		l := newService(LifecycleConfig{})
		rec := &stepRecorder{}
		l.SetSimulationStepHandler(rec.step, time.Millisecond)
		runToReady(l)

		h.deliver("ctrl", &SystemCommand{Kind: SystemCommandRun})
		Eventually(func() int { return len(rec.taken()) }).Should(BeNumerically(">", 0))

		Expect(l.Pause("hold")).To(Succeed())
		time.Sleep(10 * time.Millisecond)
		n := len(rec.taken())
		Consistently(func() int { return len(rec.taken()) }, "50ms").Should(Equal(n))

		Expect(l.Continue()).To(Succeed())
		Eventually(func() int { return len(rec.taken()) }).Should(BeNumerically(">", n))
	})

	It("should shut down a running participant by stopping first", func() {
		l := newService(LifecycleConfig{})
		result := runToReady(l)
		h.deliver("ctrl", &SystemCommand{Kind: SystemCommandRun})
		Eventually(l.State).Should(Equal(StateRunning))

		h.deliver("ctrl", &SystemCommand{Kind: SystemCommandShutdown})

		Eventually(result).Should(Receive(Equal(StateShutdown)))
		Expect(h.states()).To(ContainElements(StateStopping, StateStopped, StateShuttingDown))
	})

	It("should ignore commands for other participants", func() {
		l := newService(LifecycleConfig{})
		_, err := l.RunAsync(ctx)
		Expect(err).NotTo(HaveOccurred())
		Eventually(l.State).Should(Equal(StateCommunicationInitialized))

		h.deliver("ctrl", &ParticipantCommand{Participant: "B", Kind: ParticipantCommandInitialize})

		Consistently(l.State, "30ms").Should(Equal(StateCommunicationInitialized))
		Expect(h.rejections()).To(BeEmpty())
	})

	It("should reinitialize a stopped participant", func() {
		l := newService(LifecycleConfig{})
		inits := 0
		l.SetInitHandler(func() error { inits++; return nil })
		l.SetSimulationStepHandler(func(time.Duration, time.Duration) {}, time.Millisecond)
		runToReady(l)

		h.deliver("ctrl", &SystemCommand{Kind: SystemCommandRun})
		Eventually(l.Now).Should(BeNumerically(">", 0))
		Expect(l.Stop("done")).To(Succeed())
		Eventually(l.State).Should(Equal(StateStopped))

		h.deliver("ctrl", &ParticipantCommand{Participant: "A", Kind: ParticipantCommandReinitialize})

		Eventually(l.State).Should(Equal(StateReadyToRun))
		Expect(l.Now()).To(BeZero())
		Expect(inits).To(Equal(2))
	})

	It("should run autonomously", func() {
		l := newService(LifecycleConfig{OperationMode: Autonomous})
		rec := &stepRecorder{}
		l.SetSimulationStepHandler(rec.step, time.Millisecond)

		result, err := l.RunAsync(ctx)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() int { return len(rec.taken()) }).Should(BeNumerically(">=", 2))
		Expect(l.Stop("enough")).To(Succeed())

		Eventually(result).Should(Receive(Equal(StateShutdown)))
	})

	It("should enter Error when the init handler fails", func() {
		l := newService(LifecycleConfig{OperationMode: Autonomous})
		l.SetInitHandler(func() error { return errors.New("no model") })

		final, err := l.Run(ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(final).To(Equal(StateError))
		Expect(l.Status().EnterReason).To(ContainSubstring("no model"))
	})

	It("should stop at Error when an error is reported", func() {
		l := newService(LifecycleConfig{})
		result := runToReady(l)

		l.ReportError("sensor died")

		Eventually(result).Should(Receive(Equal(StateError)))
		Expect(l.handleSystemCommand(SystemCommandRun)).To(HaveOccurred())
	})

	It("should enter Error when the context is canceled", func() {
		l := newService(LifecycleConfig{})
		result, err := l.RunAsync(ctx)
		Expect(err).NotTo(HaveOccurred())

		cancel()

		Eventually(result).Should(Receive(Equal(StateError)))
	})

	It("should refuse a second Run", func() {
		l := newService(LifecycleConfig{})
		_, err := l.RunAsync(ctx)
		Expect(err).NotTo(HaveOccurred())

		_, err = l.RunAsync(ctx)
		Expect(err).To(MatchError(ErrAlreadyRunning))
	})

	It("should panic when handlers are set after Run", func() {
		l := newService(LifecycleConfig{})
		_, err := l.RunAsync(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(func() { l.SetStopHandler(func() {}) }).To(Panic())
	})

	It("should complete async steps only on request", func() {
		l := newService(LifecycleConfig{})
		started := make(chan time.Duration, 10)
		l.SetSimulationStepHandlerAsync(func(now, _ time.Duration) { started <- now },
			time.Millisecond)
		runToReady(l)
		h.deliver("ctrl", &SystemCommand{Kind: SystemCommandRun})

		Eventually(started).Should(Receive(Equal(time.Duration(0))))
		Consistently(started, "30ms").ShouldNot(Receive())
		Expect(l.Now()).To(BeZero())

		l.CompleteSimulationStep()

		Eventually(started).Should(Receive(Equal(time.Millisecond)))
	})

	It("should not let extra completions finish the next async step", func() {
		l := newService(LifecycleConfig{})
		started := make(chan time.Duration, 10)
		l.SetSimulationStepHandlerAsync(func(now, _ time.Duration) { started <- now },
			time.Millisecond)

		l.CompleteSimulationStep()

		runToReady(l)
		h.deliver("ctrl", &SystemCommand{Kind: SystemCommandRun})

		Eventually(started).Should(Receive(Equal(time.Duration(0))))
		Consistently(l.Now, "30ms").Should(BeZero())

		l.CompleteSimulationStep()
		l.CompleteSimulationStep()

		Eventually(started).Should(Receive(Equal(time.Millisecond)))
		Consistently(l.Now, "30ms").Should(Equal(time.Millisecond))
	})

	It("should invoke hooks on state changes and steps", func() {
		l := newService(LifecycleConfig{OperationMode: Autonomous})
		l.SetSimulationStepHandler(func(time.Duration, time.Duration) {}, time.Millisecond)

		var mu sync.Mutex
		var positions []*hooking.HookPos

		l.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			mu.Lock()
			defer mu.Unlock()
			positions = append(positions, ctx.Pos)
		}))

		_, err := l.RunAsync(ctx)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() []*hooking.HookPos {
			mu.Lock()
			defer mu.Unlock()
			return append([]*hooking.HookPos(nil), positions...)
		}).Should(ContainElements(HookPosStateChange, HookPosSimStep))
	})

	It("should republish its status to new subscribers", func() {
		newService(LifecycleConfig{})
		before := len(h.states())

		h.remoteSubscribe("B", &ParticipantStatus{})

		Expect(h.states()).To(HaveLen(before + 1))
	})

	Context("with time synchronisation", func() {
		var (
			l   *LifecycleService
			rec *stepRecorder
		)

		BeforeEach(func() {
			l = newService(LifecycleConfig{SyncParticipants: []string{"A", "B"}})
			rec = &stepRecorder{}
			l.SetSimulationStepHandler(rec.step, time.Millisecond)
			runToReady(l)
			h.deliver("ctrl", &SystemCommand{Kind: SystemCommandRun})
			Eventually(l.State).Should(Equal(StateRunning))
		})

		It("should wait for the other participant", func() {
			Consistently(rec.taken, "30ms").Should(BeEmpty())
			Expect(l.Blockers()).To(Equal([]string{"B"}))
			Expect(h.nextTasks()).To(ContainElement(NextSimTask{
				Participant: "A",
				TimePoint:   0,
				Duration:    time.Millisecond,
			}))
		})

		It("should advance one step per announcement", func() {
			h.deliver("B", &NextSimTask{Participant: "B", TimePoint: 0, Duration: time.Millisecond})
			Eventually(rec.taken).Should(Equal([]time.Duration{0}))
			Consistently(rec.taken, "30ms").Should(HaveLen(1))

			h.deliver("B", &NextSimTask{Participant: "B", TimePoint: time.Millisecond})
			Eventually(rec.taken).Should(Equal([]time.Duration{0, time.Millisecond}))
		})

		It("should let a participant without steps pass", func() {
			h.deliver("B", &NextSimTask{Participant: "B", TimePoint: Forever})
			Eventually(func() int { return len(rec.taken()) }).Should(BeNumerically(">", 5))
		})

		It("should stop waiting for a stopped participant", func() {
			h.deliver("B", &ParticipantStatus{Participant: "B", State: StateStopped})
			Eventually(func() int { return len(rec.taken()) }).Should(BeNumerically(">", 2))
		})

		It("should stop waiting for a lost participant", func() {
			h.peerLost("B")
			Eventually(func() int { return len(rec.taken()) }).Should(BeNumerically(">", 2))
		})
	})
})
