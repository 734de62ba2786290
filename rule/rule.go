// Package rule declares the ruleset interface consumed from configuration
// (section 4.4): given an envelope, it returns a matching rule or says no
// rule applies. The ruleset/config loader itself is an external
// collaborator (section 1, "OUT OF SCOPE") - this package only pins down
// the boundary the expansion engine is written against.
package rule

import (
	"context"

	"github.com/infodancer/lka/envelope"
	"github.com/infodancer/lka/table"
)

// Decision is the outcome a rule attaches to a matched address.
type Decision int

const (
	Accept Decision = iota
	Reject
)

// Action names what a matched, accepted rule tells the engine to do.
type Action int

const (
	ActionRelay Action = iota
	ActionRelayVia
	ActionMbox
	ActionMaildir
	ActionFilename
	ActionMDA
)

// Condition further narrows how an accepted rule is expanded.
type Condition int

const (
	// CondPlain routes through address-to-username resolution (4.6,
	// Address case, default branch).
	CondPlain Condition = iota
	// CondVirtualDomain routes through the rule's alias table instead of
	// system users (the "virtual domain" of the glossary).
	CondVirtualDomain
)

// Rule is the configuration surface described in section 6: decision,
// action, condition, per-rule alias table, relay host, "as" identity,
// target buffer (mbox/maildir path or command) and queue expiration.
type Rule struct {
	Decision  Decision
	Action    Action
	Condition Condition

	// Aliases answers alias/virtual-domain lookups scoped to this rule.
	// Nil means the rule has no alias table.
	Aliases table.MultiTable

	// RelayHost is used for ActionRelay/ActionRelayVia.
	RelayHost string

	// As overrides the envelope sender identity on relay, when non-empty.
	As string

	// Buffer is the mbox/maildir path or MDA command line template for
	// the local action kinds, expanded per section 4.2 at submission.
	Buffer string

	// ExpireAfter is the queue expiration configured for this rule, in
	// seconds. It is carried on the rule only: submission does not copy it
	// into a delivery envelope's Expire field.
	ExpireAfter int64
}

// Matcher is the interface consumed from configuration (section 4.4). It is
// pure with respect to the envelope: calling it performs no hidden
// mutation. A nil *Rule with a nil error means "no rule matched"; a
// non-nil error means a transient backend failure (surfaced as SMTP 451).
type Matcher interface {
	Match(ctx context.Context, env envelope.Envelope) (*Rule, error)
}
