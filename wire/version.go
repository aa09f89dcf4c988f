package wire

import "fmt"

// ProtocolVersion identifies a revision of the wire format.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

var (
	// CurrentProtocolVersion is the version this build speaks.
	CurrentProtocolVersion = ProtocolVersion{Major: 3, Minor: 1}

	// MinimumProtocolVersion is the oldest version this build accepts.
	MinimumProtocolVersion = ProtocolVersion{Major: 3, Minor: 0}
)

// Less reports whether v is older than o.
func (v ProtocolVersion) Less(o ProtocolVersion) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}

	return v.Minor < o.Minor
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// IsCompatible reports whether v lies within the supported range.
func IsCompatible(v ProtocolVersion) bool {
	return !v.Less(MinimumProtocolVersion) && !CurrentProtocolVersion.Less(v)
}

// Negotiate returns the version two peers use once the remote side has
// announced remote.
func Negotiate(remote ProtocolVersion) ProtocolVersion {
	if remote.Less(CurrentProtocolVersion) {
		return remote
	}

	return CurrentProtocolVersion
}

// Preamble opens every RegistryMsgHeader.
var Preamble = [4]byte{'S', 'B', 'U', 'S'}

const registryMsgHeaderSize = 8

// RegistryMsgHeader starts every handshake frame.
type RegistryMsgHeader struct {
	Preamble    [4]byte
	VersionHigh uint16
	VersionLow  uint16
}

// NewRegistryMsgHeader returns the header for CurrentProtocolVersion.
func NewRegistryMsgHeader() RegistryMsgHeader {
	return HeaderFor(CurrentProtocolVersion)
}

// HeaderFor returns a header announcing v.
func HeaderFor(v ProtocolVersion) RegistryMsgHeader {
	return RegistryMsgHeader{
		Preamble:    Preamble,
		VersionHigh: v.Major,
		VersionLow:  v.Minor,
	}
}

// Version returns the version carried by the header.
func (h RegistryMsgHeader) Version() ProtocolVersion {
	return ProtocolVersion{Major: h.VersionHigh, Minor: h.VersionLow}
}

// Equal reports whether the preamble and both version fields match.
func (h RegistryMsgHeader) Equal(o RegistryMsgHeader) bool {
	return h.Preamble == o.Preamble &&
		h.VersionHigh == o.VersionHigh &&
		h.VersionLow == o.VersionLow
}

// Compatible reports whether a peer sending h can be talked to.
func (h RegistryMsgHeader) Compatible() bool {
	return h.Preamble == Preamble && IsCompatible(h.Version())
}

func (h RegistryMsgHeader) String() string {
	return fmt.Sprintf("%q v%s", h.Preamble[:], h.Version())
}

func (h RegistryMsgHeader) encode(w *Writer) {
	w.buf = append(w.buf, h.Preamble[:]...)
	w.PutUint16(h.VersionHigh)
	w.PutUint16(h.VersionLow)
}

func decodeHeader(r *Reader) RegistryMsgHeader {
	var h RegistryMsgHeader

	copy(h.Preamble[:], r.take(len(h.Preamble)))
	h.VersionHigh = r.Uint16()
	h.VersionLow = r.Uint16()

	return h
}

// RegistryParticipantName is the participant name of the rendezvous service.
const RegistryParticipantName = "SimBusRegistry"
