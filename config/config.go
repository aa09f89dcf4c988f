// Package config holds the settings a simbus participant is started with.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of one participant.
type Config struct {
	ParticipantName string        `yaml:"participantName"`
	Middleware      Middleware    `yaml:"middleware"`
	Logging         Logging       `yaml:"logging"`
	Orchestration   Orchestration `yaml:"orchestration"`
	Monitor         Monitor       `yaml:"monitor"`
	Recording       Recording     `yaml:"recording"`
}

// Middleware configures the transport.
type Middleware struct {
	RegistryURI          string        `yaml:"registryUri"`
	AcceptorURIs         []string      `yaml:"acceptorUris"`
	EnableDomainSockets  bool          `yaml:"enableDomainSockets"`
	TCPNoDelay           bool          `yaml:"tcpNoDelay"`
	TCPReceiveBufferSize int           `yaml:"tcpReceiveBufferSize"`
	TCPSendBufferSize    int           `yaml:"tcpSendBufferSize"`
	ConnectTimeout       time.Duration `yaml:"connectTimeout"`
	DrainTimeout         time.Duration `yaml:"drainTimeout"`
	MaxFrameSize         uint32        `yaml:"maxFrameSize"`
}

// Logging configures the local logger and remote log forwarding.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`

	// Remote publishes local entries on the bus.
	Remote bool `yaml:"remote"`

	// ForwardRemote logs entries received from other participants.
	ForwardRemote bool `yaml:"forwardRemote"`
}

// Operation modes.
const (
	ModeCoordinated = "coordinated"
	ModeAutonomous  = "autonomous"
)

// Orchestration configures the lifecycle.
type Orchestration struct {
	OperationMode        string        `yaml:"operationMode"`
	ExpectedParticipants []string      `yaml:"expectedParticipants"`
	StepPeriod           time.Duration `yaml:"stepPeriod"`
}

// Monitor configures the HTTP monitor.
type Monitor struct {
	Enabled     bool `yaml:"enabled"`
	Port        int  `yaml:"port"`
	OpenBrowser bool `yaml:"openBrowser"`
}

// Recording configures the sqlite recorder.
type Recording struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Middleware: Middleware{
			RegistryURI:         "simbus://localhost:8500",
			AcceptorURIs:        []string{"tcp://127.0.0.1:0"},
			EnableDomainSockets: true,
			TCPNoDelay:          true,
			ConnectTimeout:      5 * time.Second,
			DrainTimeout:        100 * time.Millisecond,
			MaxFrameSize:        1 << 30,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Orchestration: Orchestration{
			OperationMode: ModeCoordinated,
			StepPeriod:    time.Millisecond,
		},
		Recording: Recording{
			Path: "simbus_recording.sqlite3",
		},
	}
}

// Load reads a YAML file on top of the defaults. Unknown keys are errors.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML on top of the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	return cfg, nil
}

// Validate reports the first inconsistency found.
func (c Config) Validate() error {
	if c.ParticipantName == "" {
		return errors.New("config: participant name is empty")
	}

	if c.Middleware.RegistryURI == "" {
		return errors.New("config: registry URI is empty")
	}

	switch c.Orchestration.OperationMode {
	case ModeCoordinated, ModeAutonomous:
	default:
		return fmt.Errorf("config: unknown operation mode %q", c.Orchestration.OperationMode)
	}

	if c.Orchestration.StepPeriod <= 0 {
		return errors.New("config: step period must be positive")
	}

	if c.Middleware.ConnectTimeout < 0 || c.Middleware.DrainTimeout < 0 {
		return errors.New("config: timeouts must not be negative")
	}

	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		return fmt.Errorf("config: invalid monitor port %d", c.Monitor.Port)
	}

	if c.Recording.Enabled && c.Recording.Path == "" {
		return errors.New("config: recording enabled without a path")
	}

	return nil
}
