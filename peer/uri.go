package peer

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// URIType classifies an acceptor address.
type URIType int

// URI types.
const (
	URIUndefined URIType = iota
	URITCP
	URILocal
)

// RegistryScheme is the scheme of rendezvous service URIs.
const RegistryScheme = "simbus"

// DefaultRegistryPort is used when a registry URI omits the port.
const DefaultRegistryPort = 8500

// URI is a parsed acceptor address.
type URI struct {
	Type   URIType
	Scheme string
	Host   string
	Port   uint16
	Path   string
}

// ParseURI parses tcp://host:port, local://path, simbus://host[:port] and bare
// host:port addresses.
func ParseURI(s string) (URI, error) {
	scheme, rest, found := strings.Cut(s, "://")
	if !found {
		scheme, rest = "tcp", s
	}

	switch scheme {
	case "local":
		if rest == "" {
			return URI{}, fmt.Errorf("peer: local URI %q has no path", s)
		}

		return URI{Type: URILocal, Scheme: scheme, Path: rest}, nil
	case "tcp", RegistryScheme:
		host, port, err := splitHostPort(rest, scheme == RegistryScheme)
		if err != nil {
			return URI{}, fmt.Errorf("peer: invalid URI %q: %w", s, err)
		}

		return URI{Type: URITCP, Scheme: scheme, Host: host, Port: port}, nil
	default:
		return URI{}, fmt.Errorf("peer: unsupported URI scheme %q", scheme)
	}
}

func splitHostPort(s string, defaultPort bool) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		if !defaultPort || strings.Contains(s, ":") && !strings.HasPrefix(s, "[") {
			return "", 0, err
		}

		return strings.Trim(s, "[]"), DefaultRegistryPort, nil
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("port %q: %w", portStr, err)
	}

	return host, uint16(port), nil
}

// TCPURI builds a tcp:// URI.
func TCPURI(host string, port uint16) URI {
	return URI{Type: URITCP, Scheme: "tcp", Host: host, Port: port}
}

// LocalURI builds a local:// URI for a unix domain socket.
func LocalURI(path string) URI {
	return URI{Type: URILocal, Scheme: "local", Path: path}
}

// Network returns the net package network name for the URI.
func (u URI) Network() string {
	if u.Type == URILocal {
		return "unix"
	}

	return "tcp"
}

// Address returns the dialable address.
func (u URI) Address() string {
	if u.Type == URILocal {
		return u.Path
	}

	return net.JoinHostPort(u.Host, strconv.Itoa(int(u.Port)))
}

func (u URI) String() string {
	if u.Type == URIUndefined {
		return ""
	}

	return u.Scheme + "://" + u.Address()
}
