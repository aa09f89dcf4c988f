package peer

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Default tuning values.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultDrainTimeout   = 100 * time.Millisecond
	DefaultMaxFrameSize   = 1 << 30

	initialReadBufferSize = 4096
)

// Options tunes peer sockets.
type Options struct {
	EnableDomainSockets  bool
	TCPNoDelay           bool
	TCPReceiveBufferSize int
	TCPSendBufferSize    int
	ConnectTimeout       time.Duration
	DrainTimeout         time.Duration

	// MaxFrameSize is the sanity ceiling for announced frame lengths.
	MaxFrameSize uint32

	Logger *logrus.Entry
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		EnableDomainSockets: true,
		TCPNoDelay:          true,
		ConnectTimeout:      DefaultConnectTimeout,
		DrainTimeout:        DefaultDrainTimeout,
		MaxFrameSize:        DefaultMaxFrameSize,
	}
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}

	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}

	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}

	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return o
}
