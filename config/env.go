package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SIMBUS_"

// ApplyEnv loads the given dotenv files, when present, and applies SIMBUS_*
// environment variables on top of c. Variables already set in the process
// environment win over the files.
func (c *Config) ApplyEnv(dotenvFiles ...string) error {
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	str("PARTICIPANT_NAME", &c.ParticipantName)
	str("REGISTRY_URI", &c.Middleware.RegistryURI)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_OUTPUT", &c.Logging.Output)
	str("OPERATION_MODE", &c.Orchestration.OperationMode)
	str("RECORDING_PATH", &c.Recording.Path)

	if v, ok := os.LookupEnv(EnvPrefix + "ACCEPTOR_URIS"); ok {
		c.Middleware.AcceptorURIs = splitList(v)
	}

	if v, ok := os.LookupEnv(EnvPrefix + "EXPECTED_PARTICIPANTS"); ok {
		c.Orchestration.ExpectedParticipants = splitList(v)
	}

	bools := map[string]*bool{
		"ENABLE_DOMAIN_SOCKETS": &c.Middleware.EnableDomainSockets,
		"TCP_NO_DELAY":          &c.Middleware.TCPNoDelay,
		"LOG_REMOTE":            &c.Logging.Remote,
		"MONITOR_ENABLED":       &c.Monitor.Enabled,
		"RECORDING_ENABLED":     &c.Recording.Enabled,
	}
	for key, dst := range bools {
		if err := parseEnv(key, dst, strconv.ParseBool); err != nil {
			return err
		}
	}

	ints := map[string]*int{
		"TCP_RECEIVE_BUFFER_SIZE": &c.Middleware.TCPReceiveBufferSize,
		"TCP_SEND_BUFFER_SIZE":    &c.Middleware.TCPSendBufferSize,
		"MONITOR_PORT":            &c.Monitor.Port,
	}
	for key, dst := range ints {
		if err := parseEnv(key, dst, strconv.Atoi); err != nil {
			return err
		}
	}

	durations := map[string]*time.Duration{
		"CONNECT_TIMEOUT": &c.Middleware.ConnectTimeout,
		"DRAIN_TIMEOUT":   &c.Middleware.DrainTimeout,
		"STEP_PERIOD":     &c.Orchestration.StepPeriod,
	}
	for key, dst := range durations {
		if err := parseEnv(key, dst, time.ParseDuration); err != nil {
			return err
		}
	}

	return nil
}

func parseEnv[T any](key string, dst *T, parse func(string) (T, error)) error {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return nil
	}

	parsed, err := parse(v)
	if err != nil {
		return fmt.Errorf("config: %s%s=%q: %w", EnvPrefix, key, v, err)
	}

	*dst = parsed

	return nil
}

func splitList(v string) []string {
	var out []string

	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}

	return out
}
