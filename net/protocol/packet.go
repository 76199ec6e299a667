// Package protocol defines the wire protocol spoken between clients,
// brokers, and workers: the packet record, its result codes, and the
// length-prefixed frame codec used by the stream transports.
package protocol

import (
	"github.com/google/uuid"
)

// PacketType is the tag of the packet union.
type PacketType string

const (
	// Server side operations.
	PacketRegister PacketType = "REGISTER"
	PacketShutdown PacketType = "SHUTDOWN"

	// Engaged operations from clients.
	PacketRun    PacketType = "RUN"
	PacketCancel PacketType = "CANCEL"
	PacketResult PacketType = "RESULT"
)

// ResultCode reports the outcome of a run, or the reason a packet was
// refused or synthesized.
type ResultCode string

const (
	ResultOK                    ResultCode = "OK"
	ResultBadPacket             ResultCode = "BAD_PACKET"
	ResultUnsupportedPacketType ResultCode = "UNSUPPORTED_PACKET_TYPE"
	ResultNoCapacity            ResultCode = "NO_CAPACITY"
	ResultNotForUs              ResultCode = "NOT_FOR_US"
	ResultCookieNotFound        ResultCode = "COOKIE_NOT_FOUND"
	ResultCookieCollision       ResultCode = "COOKIE_COLLISION"
	ResultWorkerWentAway        ResultCode = "WORKER_WENT_AWAY"
	ResultBrokerWentAway        ResultCode = "BROKER_WENT_AWAY"
	ResultCancelled             ResultCode = "CANCELLED"
	ResultException             ResultCode = "EXCEPTION"
)

// Packet is the single record exchanged on every transport. The
// packet_type tag constrains which of the optional carriers are
// meaningful; everything else is omitted on the wire.
type Packet struct {
	PacketType PacketType `json:"packet_type"`

	// Common.
	Cookie uuid.UUID `json:"cookie,omitzero"`

	// REGISTER.
	Capacity int `json:"capacity,omitempty"`

	// RUN.
	Workflow  string `json:"workflow,omitempty"`
	Variables string `json:"variables,omitempty"`

	// RESULT.
	RC         ResultCode `json:"rc,omitempty"`
	Error      string     `json:"error,omitempty"`
	Stacktrace []string   `json:"stacktrace,omitempty"`
	Result     string     `json:"result,omitempty"`
}

// NewRun builds a RUN packet. variables is the JSON-encoded variable set,
// or empty for none.
func NewRun(cookie uuid.UUID, workflow string, variables string) *Packet {
	return &Packet{
		PacketType: PacketRun,
		Cookie:     cookie,
		Workflow:   workflow,
		Variables:  variables,
	}
}

// NewCancel builds a CANCEL packet for the given cookie.
func NewCancel(cookie uuid.UUID) *Packet {
	return &Packet{
		PacketType: PacketCancel,
		Cookie:     cookie,
	}
}

// NewRegister builds a REGISTER packet announcing worker capacity.
func NewRegister(capacity int) *Packet {
	return &Packet{
		PacketType: PacketRegister,
		Capacity:   capacity,
	}
}

// NewResult builds a RESULT packet carrying an outcome for a cookie.
func NewResult(cookie uuid.UUID, rc ResultCode) *Packet {
	return &Packet{
		PacketType: PacketResult,
		Cookie:     cookie,
		RC:         rc,
	}
}

// Clone returns a deep copy of the packet.
func (p *Packet) Clone() *Packet {
	cp := *p
	if p.Stacktrace != nil {
		cp.Stacktrace = append([]string(nil), p.Stacktrace...)
	}
	return &cp
}
