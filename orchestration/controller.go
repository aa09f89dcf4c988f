package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sarchlab/simbus/connection"
	"github.com/sarchlab/simbus/wire"
	"github.com/sirupsen/logrus"
)

// SystemController issues system and participant commands.
type SystemController struct {
	msgr Messenger
	ep   connection.Endpoint
	log  *logrus.Entry

	mu                sync.Mutex
	rejectionHandlers []func(CommandRejection)
	initialized       map[string]time.Time
}

// NewSystemController creates a controller that sends through msgr.
func NewSystemController(
	ctx context.Context,
	msgr Messenger,
	log *logrus.Entry,
) (*SystemController, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &SystemController{
		msgr:        msgr,
		ep:          msgr.NewEndpoint(Channel),
		log:         log.WithField("component", "system_controller"),
		initialized: make(map[string]time.Time),
	}

	err := subscribe(ctx, msgr,
		func() *CommandRejection { return &CommandRejection{} }, c.onRejection)
	if err != nil {
		return nil, fmt.Errorf("orchestration: subscribing system controller: %w", err)
	}

	return c, nil
}

// Run asks every participant in ReadyToRun to run.
func (c *SystemController) Run() { c.system(SystemCommandRun) }

// Stop asks every running participant to stop.
func (c *SystemController) Stop() { c.system(SystemCommandStop) }

// Shutdown asks every participant to shut down.
func (c *SystemController) Shutdown() { c.system(SystemCommandShutdown) }

// Initialize asks name to run its init handler.
func (c *SystemController) Initialize(name string) {
	c.participant(name, ParticipantCommandInitialize)
}

// Reinitialize asks a stopped participant to initialize again.
func (c *SystemController) Reinitialize(name string) {
	c.participant(name, ParticipantCommandReinitialize)
}

func (c *SystemController) system(kind SystemCommandKind) {
	c.log.Infof("system command %s", kind)
	c.msgr.SendMessage(c.ep, &SystemCommand{Kind: kind})
}

func (c *SystemController) participant(name string, kind ParticipantCommandKind) {
	c.log.WithField("participant", name).Infof("participant command %s", kind)
	c.msgr.SendMessage(c.ep, &ParticipantCommand{Participant: name, Kind: kind})
}

// RegisterRejectionHandler registers h for rejected commands.
func (c *SystemController) RegisterRejectionHandler(h func(CommandRejection)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rejectionHandlers = append(c.rejectionHandlers, h)
}

func (c *SystemController) onRejection(_ wire.EndpointAddress, m *CommandRejection) {
	c.log.WithFields(logrus.Fields{
		"participant": m.Participant,
		"state":       m.State,
	}).Warnf("%s rejected: %s", m.Command, m.Reason)

	c.mu.Lock()
	handlers := c.rejectionHandlers
	c.mu.Unlock()

	for _, h := range handlers {
		h(*m)
	}
}

// EnableAutoRun initializes each participant the monitor sees entering
// CommunicationInitialized and runs the system once it is ReadyToRun.
func (c *SystemController) EnableAutoRun(m *SystemMonitor) {
	m.RegisterParticipantStatusHandler(func(st ParticipantStatus) {
		if st.State != StateCommunicationInitialized || st.EnterReason == reasonReinitializing {
			return
		}

		c.mu.Lock()
		last, seen := c.initialized[st.Participant]
		if seen && last.Equal(st.EnterTime) {
			c.mu.Unlock()
			return
		}

		c.initialized[st.Participant] = st.EnterTime
		c.mu.Unlock()

		c.Initialize(st.Participant)
	})

	m.RegisterSystemStateHandler(func(s SystemState) {
		if s == StateReadyToRun {
			c.Run()
		}
	})
}
