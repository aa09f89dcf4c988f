package orchestration

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = DescribeTable("ReduceSystemState",
	func(expected []string, states map[string]State, want State) {
		Expect(ReduceSystemState(expected, states)).To(Equal(want))
	},
	Entry("nothing known", nil, map[string]State{}, StateInvalid),
	Entry("error wins",
		[]string{"A", "B", "C"},
		map[string]State{"A": StateRunning, "B": StateError, "C": StateRunning},
		StateError),
	Entry("error wins over unknown",
		[]string{"A", "B", "C"},
		map[string]State{"B": StateError},
		StateError),
	Entry("missing expected participant",
		[]string{"A", "B"},
		map[string]State{"A": StateRunning},
		StateInvalid),
	Entry("all agree",
		[]string{"A", "B"},
		map[string]State{"A": StateReadyToRun, "B": StateReadyToRun},
		StateReadyToRun),
	Entry("unexpected participants are ignored",
		[]string{"A"},
		map[string]State{"A": StateRunning, "X": StateServicesCreated},
		StateRunning),
	Entry("shutting down dominates",
		nil,
		map[string]State{"A": StateShutdown, "B": StateRunning},
		StateShuttingDown),
	Entry("stopping dominates running",
		nil,
		map[string]State{"A": StateStopped, "B": StateRunning},
		StateStopping),
	Entry("running and paused",
		nil,
		map[string]State{"A": StatePaused, "B": StateRunning},
		StatePaused),
	Entry("least advanced otherwise",
		nil,
		map[string]State{"A": StateRunning, "B": StateCommunicationInitialized},
		StateCommunicationInitialized),
	Entry("ready and running",
		nil,
		map[string]State{"A": StateReadyToRun, "B": StateRunning},
		StateReadyToRun),
)

var _ = Describe("SystemMonitor", func() {
	var (
		mockCtrl *gomock.Controller
		h        *harness
		m        *SystemMonitor
		base     time.Time
	)

	status := func(name string, st State, offset time.Duration) *ParticipantStatus {
		return &ParticipantStatus{
			Participant: name,
			State:       st,
			EnterTime:   base.Add(offset),
			RefreshTime: base.Add(offset),
		}
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		h = newHarness(mockCtrl, "monitor")
		base = time.Unix(1000, 0)

		var err error
		m, err = NewSystemMonitor(context.Background(), h.msgr, []string{"A", "B"}, nil)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should be Invalid until every expected participant reports", func() {
		h.deliver("A", status("A", StateReadyToRun, 0))
		Expect(m.SystemState()).To(Equal(StateInvalid))

		h.deliver("B", status("B", StateReadyToRun, 0))
		Expect(m.SystemState()).To(Equal(StateReadyToRun))
	})

	It("should notify system state changes once", func() {
		var mu sync.Mutex
		var seen []SystemState

		m.RegisterSystemStateHandler(func(s SystemState) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, s)
		})

		h.deliver("A", status("A", StateRunning, 0))
		h.deliver("B", status("B", StateRunning, 0))
		h.deliver("B", status("B", StateRunning, time.Millisecond))
		h.deliver("B", status("B", StateError, 2*time.Millisecond))

		mu.Lock()
		defer mu.Unlock()
		Expect(seen).To(Equal([]SystemState{StateRunning, StateError}))
	})

	It("should pass every status to status handlers", func() {
		var names []string
		m.RegisterParticipantStatusHandler(func(st ParticipantStatus) {
			names = append(names, st.Participant)
		})

		h.deliver("A", status("A", StateRunning, 0))
		h.deliver("X", status("X", StateRunning, 0))

		Expect(names).To(Equal([]string{"A", "X"}))
	})

	It("should ignore older statuses", func() {
		h.deliver("A", status("A", StateRunning, time.Second))
		h.deliver("A", status("A", StateReadyToRun, 0))

		st, ok := m.ParticipantStatus("A")
		Expect(ok).To(BeTrue())
		Expect(st.State).To(Equal(StateRunning))
	})

	It("should mark a lost participant stale", func() {
		h.deliver("A", status("A", StateRunning, 0))
		h.deliver("B", status("B", StateRunning, 0))

		h.peerLost("B")

		Expect(m.SystemState()).To(Equal(StateInvalid))
		Expect(m.Snapshot().Stale).To(Equal([]string{"B"}))

		h.deliver("B", status("B", StateRunning, time.Second))
		Expect(m.SystemState()).To(Equal(StateRunning))
		Expect(m.Snapshot().Stale).To(BeEmpty())
	})

	It("should keep the state of a participant that shut down", func() {
		h.deliver("A", status("A", StateShutdown, 0))
		h.deliver("B", status("B", StateShutdown, 0))

		h.peerLost("A")

		Expect(m.SystemState()).To(Equal(StateShutdown))
	})

	It("should return a sorted snapshot", func() {
		h.deliver("B", status("B", StateStopped, 0))
		h.deliver("A", status("A", StateStopped, 0))

		snap := m.Snapshot()

		Expect(snap.SystemState).To(Equal(StateStopped))
		Expect(snap.Expected).To(Equal([]string{"A", "B"}))
		Expect(snap.Participants).To(HaveLen(2))
		Expect(snap.Participants[0].Participant).To(Equal("A"))
		Expect(snap.Participants[1].Participant).To(Equal("B"))
	})
})
