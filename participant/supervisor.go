package participant

import (
	"context"
	"sync"

	"github.com/sarchlab/simbus/config"
	"github.com/sarchlab/simbus/connection"
	"github.com/sarchlab/simbus/logging"
	"github.com/sarchlab/simbus/monitoring"
	"github.com/sarchlab/simbus/orchestration"
	"github.com/sirupsen/logrus"
)

// Supervisor watches and commands the system without simulating itself.
type Supervisor struct {
	log        *logrus.Entry
	conn       *connection.Connection
	monitor    *orchestration.SystemMonitor
	controller *orchestration.SystemController
	web        *monitoring.Monitor
	webURL     string

	waitMu  sync.Mutex
	waiters map[chan struct{}]orchestration.SystemState
}

// NewSupervisor joins the domain as cfg.ParticipantName with a system
// monitor and controller. With autoRun the controller initializes and runs
// the expected participants. The HTTP monitor starts when cfg enables it.
func NewSupervisor(
	ctx context.Context,
	cfg config.Config,
	logger *logrus.Logger,
	autoRun bool,
) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	entry := logrus.NewEntry(logger)

	s := &Supervisor{
		log: logging.Component(logger, cfg.ParticipantName, "supervisor"),
		conn: connection.MakeBuilder().
			WithConfig(cfg.Middleware).
			WithLogger(entry).
			Build(cfg.ParticipantName),
	}

	var err error

	s.monitor, err = orchestration.NewSystemMonitor(ctx, s.conn,
		cfg.Orchestration.ExpectedParticipants, entry)
	if err == nil {
		s.waiters = make(map[chan struct{}]orchestration.SystemState)
		s.monitor.RegisterSystemStateHandler(s.releaseWaiters)
		s.controller, err = orchestration.NewSystemController(ctx, s.conn, entry)
	}

	if err == nil && autoRun {
		s.controller.EnableAutoRun(s.monitor)
	}

	if err == nil && cfg.Logging.ForwardRemote {
		err = logging.ForwardRemote(ctx, s.conn, logger)
	}

	if err == nil {
		err = s.conn.JoinDomain(ctx, cfg.Middleware.RegistryURI)
	}

	if err == nil && cfg.Monitor.Enabled {
		s.web, s.webURL, err = startWeb(cfg.Monitor, s.monitor, s.controller, s.log,
			map[string]any{"connection": s.conn})
	}

	if err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// SystemMonitor returns the system monitor.
func (s *Supervisor) SystemMonitor() *orchestration.SystemMonitor { return s.monitor }

// SystemController returns the system controller.
func (s *Supervisor) SystemController() *orchestration.SystemController { return s.controller }

// MonitorURL returns the address of the HTTP monitor, or "".
func (s *Supervisor) MonitorURL() string { return s.webURL }

// WaitForSystemState blocks until the system reaches state or ctx ends.
func (s *Supervisor) WaitForSystemState(ctx context.Context, state orchestration.SystemState) error {
	s.waitMu.Lock()

	if s.monitor.SystemState() == state {
		s.waitMu.Unlock()
		return nil
	}

	reached := make(chan struct{})
	s.waiters[reached] = state
	s.waitMu.Unlock()

	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		s.waitMu.Lock()
		delete(s.waiters, reached)
		s.waitMu.Unlock()

		return ctx.Err()
	}
}

func (s *Supervisor) releaseWaiters(st orchestration.SystemState) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()

	for ch, want := range s.waiters {
		if want == st {
			close(ch)
			delete(s.waiters, ch)
		}
	}
}

// Close stops the HTTP monitor and leaves the domain.
func (s *Supervisor) Close() {
	stopWeb(s.web, s.log)
	s.conn.Close()
}
