// Package participant assembles a simulation participant from its
// configuration: logging, the bus connection, the lifecycle and, when
// enabled, recording and the HTTP monitor.
package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sarchlab/simbus/config"
	"github.com/sarchlab/simbus/connection"
	"github.com/sarchlab/simbus/datarecording"
	"github.com/sarchlab/simbus/logging"
	"github.com/sarchlab/simbus/monitoring"
	"github.com/sarchlab/simbus/orchestration"
	"github.com/sirupsen/logrus"
)

// Participant is one process taking part in the co-simulation.
type Participant struct {
	cfg    config.Config
	logger *logrus.Logger
	log    *logrus.Entry

	conn       *connection.Connection
	lifecycle  *orchestration.LifecycleService
	monitor    *orchestration.SystemMonitor
	controller *orchestration.SystemController
	web        *monitoring.Monitor
	webURL     string

	recorder datarecording.DataRecorder
	exec     *datarecording.ExecRecorder
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger     *logrus.Logger
	controller bool
}

// WithLogger uses logger instead of one built from the configuration.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSystemController makes the participant also monitor and command the
// system.
func WithSystemController() Option {
	return func(o *options) { o.controller = true }
}

// New validates cfg, joins the domain and creates the lifecycle. The
// lifecycle does not run until Run is called.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Participant, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	mode, err := orchestration.ParseOperationMode(cfg.Orchestration.OperationMode)
	if err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger, err = logging.NewLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
	}

	p := &Participant{
		cfg:    cfg,
		logger: logger,
		log:    logging.Component(logger, cfg.ParticipantName, "participant"),
	}

	p.conn = connection.MakeBuilder().
		WithConfig(cfg.Middleware).
		WithLogger(logrus.NewEntry(logger)).
		Build(cfg.ParticipantName)

	if err := p.setup(ctx, mode, o); err != nil {
		p.Close()
		return nil, err
	}

	return p, nil
}

func (p *Participant) setup(ctx context.Context, mode orchestration.OperationMode, o options) error {
	cfg := p.cfg
	entry := logrus.NewEntry(p.logger)

	var err error

	p.lifecycle, err = orchestration.NewLifecycleService(ctx, p.conn, orchestration.LifecycleConfig{
		OperationMode:    mode,
		SyncParticipants: cfg.Orchestration.ExpectedParticipants,
		Logger:           entry,
	})
	if err != nil {
		return err
	}

	if o.controller || cfg.Monitor.Enabled {
		p.monitor, err = orchestration.NewSystemMonitor(ctx, p.conn,
			cfg.Orchestration.ExpectedParticipants, entry)
		if err != nil {
			return err
		}

		p.controller, err = orchestration.NewSystemController(ctx, p.conn, entry)
		if err != nil {
			return err
		}
	}

	if cfg.Logging.ForwardRemote {
		if err := logging.ForwardRemote(ctx, p.conn, p.logger); err != nil {
			return err
		}
	}

	if cfg.Recording.Enabled {
		if err := p.startRecording(); err != nil {
			return err
		}
	}

	if err := p.conn.JoinDomain(ctx, cfg.Middleware.RegistryURI); err != nil {
		return err
	}

	if cfg.Logging.Remote {
		p.logger.AddHook(logging.NewRemoteHook(p.conn, p.logger.GetLevel()))
	}

	if cfg.Monitor.Enabled {
		if err := p.startMonitor(); err != nil {
			return err
		}
	}

	return nil
}

func (p *Participant) startRecording() error {
	recorder, err := datarecording.New(p.cfg.Recording.Path)
	if err != nil {
		return err
	}

	p.recorder = recorder

	tracer, err := datarecording.NewTracer(recorder, p.cfg.ParticipantName, p.log)
	if err != nil {
		return err
	}

	p.lifecycle.AcceptHook(tracer)
	p.conn.AcceptHook(tracer)

	if p.monitor != nil {
		p.monitor.AcceptHook(tracer)
	}

	p.exec, err = datarecording.NewExecRecorder(recorder)
	if err != nil {
		return err
	}

	p.exec.Start(p.cfg.ParticipantName)

	return nil
}

func (p *Participant) startMonitor() error {
	var err error

	p.web, p.webURL, err = startWeb(p.cfg.Monitor, p.monitor, p.controller, p.log,
		map[string]any{"lifecycle": p.lifecycle, "connection": p.conn})

	return err
}

func startWeb(
	cfg config.Monitor,
	source monitoring.StateSource,
	commander monitoring.Commander,
	log *logrus.Entry,
	components map[string]any,
) (*monitoring.Monitor, string, error) {
	web := monitoring.NewMonitor(source, commander).
		WithPortNumber(cfg.Port).
		WithLogger(log)

	for name, c := range components {
		web.RegisterComponent(name, c)
	}

	url, err := web.StartServer()
	if err != nil {
		return nil, "", err
	}

	if cfg.OpenBrowser {
		if err := monitoring.OpenInBrowser(url); err != nil {
			log.WithError(err).Warn("cannot open browser")
		}
	}

	return web, url, nil
}

func stopWeb(web *monitoring.Monitor, log *logrus.Entry) {
	if web == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := web.StopServer(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.WithError(err).Warn("stopping monitor")
	}
}

// Name returns the participant name.
func (p *Participant) Name() string { return p.cfg.ParticipantName }

// Logger returns the participant's logger.
func (p *Participant) Logger() *logrus.Entry { return p.log }

// Connection returns the bus connection.
func (p *Participant) Connection() *connection.Connection { return p.conn }

// Lifecycle returns the lifecycle service.
func (p *Participant) Lifecycle() *orchestration.LifecycleService { return p.lifecycle }

// SystemMonitor returns the system monitor, or nil when the participant
// does not watch the system.
func (p *Participant) SystemMonitor() *orchestration.SystemMonitor { return p.monitor }

// SystemController returns the system controller, or nil.
func (p *Participant) SystemController() *orchestration.SystemController { return p.controller }

// MonitorURL returns the address of the HTTP monitor, or "".
func (p *Participant) MonitorURL() string { return p.webURL }

// Run runs the lifecycle to its final state.
func (p *Participant) Run(ctx context.Context) (orchestration.ParticipantState, error) {
	final, err := p.lifecycle.Run(ctx)
	if err != nil {
		return final, err
	}

	if p.exec != nil {
		if err := p.exec.End(final.String()); err != nil {
			p.log.WithError(err).Warn("recording execution info")
		}
	}

	if final == orchestration.StateError {
		return final, fmt.Errorf("participant %s: %s", p.Name(), p.lifecycle.Status().EnterReason)
	}

	return final, nil
}

// Close stops the monitor, flushes the recording and leaves the domain.
func (p *Participant) Close() {
	stopWeb(p.web, p.log)
	p.conn.Close()

	if p.recorder != nil {
		if err := p.recorder.Close(); err != nil {
			p.log.WithError(err).Warn("closing recording")
		}
	}
}
