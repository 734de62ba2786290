// Package envelope defines the delivery-level metadata the expansion engine
// carries through a session (section 3 of the design: "Envelope") and the
// concrete delivery agent a node resolves to on submission (section 4.7).
package envelope

import (
	"time"

	"github.com/infodancer/lka/address"
)

// AgentType names the concrete delivery action a submitted envelope was
// resolved to.
type AgentType int

const (
	// AgentNone marks an envelope whose agent slot has not been filled yet.
	AgentNone AgentType = iota
	// AgentRelay hands the message to another MTA (relay / relay-via rules).
	AgentRelay
	// AgentMbox appends to a single mbox-format file.
	AgentMbox
	// AgentMaildir delivers into a maildir directory.
	AgentMaildir
	// AgentFilename appends to an arbitrary file path.
	AgentFilename
	// AgentFilter pipes the message into a command on stdin.
	AgentFilter
)

func (t AgentType) String() string {
	switch t {
	case AgentRelay:
		return "relay"
	case AgentMbox:
		return "mbox"
	case AgentMaildir:
		return "maildir"
	case AgentFilename:
		return "filename"
	case AgentFilter:
		return "filter"
	default:
		return "none"
	}
}

// Agent is the delivery-specific information filled in on finalisation
// (submission), once a node has been resolved to a concrete action.
type Agent struct {
	Type AgentType

	// RelayHost is set for AgentRelay, taken from the matching rule.
	RelayHost string

	// Username is the system user the message is delivered as, for the
	// local agent types.
	Username string

	// Buffer is the expanded file path or command line the message is
	// delivered to/through, for the local agent types.
	Buffer string
}

// Envelope is the immutable-after-submission delivery metadata for one
// message instance, independent of the message body. A session holds one
// template envelope; every produced delivery is a copy of it with
// Destination and Agent set for that specific delivery.
type Envelope struct {
	MessageID string

	Sender            address.Mail
	OriginalRecipient address.Mail
	Destination       address.Mail

	Expire time.Time

	// Internal marks an envelope derived from address expansion (i.e. not
	// the original RCPT-stage destination) rather than directly received
	// from the SMTP front-end.
	Internal bool

	Agent Agent
}

// Clone returns a copy of e suitable for use as one delivery in the pending
// list: same template fields, ready to have Destination and Agent set.
func (e Envelope) Clone() Envelope {
	return e
}
