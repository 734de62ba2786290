// Package session implements the recipient-expansion state machine
// (section 4.6 of the design): a depth-bounded tree-rewriting loop whose
// leaves are concrete delivery envelopes, committed atomically or discarded
// on error.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/infodancer/lka/address"
	"github.com/infodancer/lka/envelope"
	"github.com/infodancer/lka/exterrors"
	"github.com/infodancer/lka/format"
	"github.com/infodancer/lka/forward"
	"github.com/infodancer/lka/log"
	"github.com/infodancer/lka/metrics"
	"github.com/infodancer/lka/node"
	"github.com/infodancer/lka/rule"
	"github.com/infodancer/lka/table"
	"github.com/infodancer/lka/userinfo"
)

// DepthMax is the expansion depth cap (invariant I1). Exceeding it is a
// terminal error, never a silent clamp.
const DepthMax = 10

// ServiceUser is the engine's own unprivileged identity (section 4.7),
// substituted for alias-produced Filename/Filter nodes that have no
// trustworthy username ancestor to run as.
const ServiceUser = "_lka"

// State is the explicit session state enum (design note 9). Running,
// Waiting, Error and Done are distinct values, so Waiting and Error can
// never both hold at once, enforcing invariant I5 at the type level rather
// than by convention.
type State int

const (
	Running State = iota
	Waiting
	Error
	Done
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Error:
		return "error"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Queue is the outbound-to-queue collaborator (section 6): a sequence of
// submit-envelope calls followed by exactly one commit call, never
// interleaved across sessions by the session itself.
type Queue interface {
	Submit(ctx context.Context, env envelope.Envelope) error
	Commit(ctx context.Context, status *envelope.SubmitStatus) error
}

// Frontend is the outbound-to-front-end collaborator (section 6): the
// single terminal-error reply a session ever emits.
type Frontend interface {
	Reply(ctx context.Context, status *envelope.SubmitStatus) error
}

// Collaborators bundles every external dependency a session needs. This is
// design note 9's restatement of the "global environment": an explicit
// object passed to the constructor rather than a process-wide singleton.
type Collaborators struct {
	Matcher  rule.Matcher
	Users    userinfo.Table
	Forward  forward.Dispatcher
	Queue    Queue
	Frontend Frontend
	Log      log.Logger
}

// Session is one in-flight recipient expansion (section 3: "Session").
type Session struct {
	ID     string
	Status *envelope.SubmitStatus

	tree    *node.Tree
	pending []envelope.Envelope

	state State

	// waitRule/waitNode record what a Waiting session is blocked on
	// (section 3: "when waiting - the rule and node that are blocked on
	// an external reply").
	waitRule *rule.Rule
	waitNode *node.Node

	collab Collaborators
}

// New seeds a session from status: START -> RUNNING (section 4.6), with
// the tree holding a single Address node equal to the envelope's
// destination.
func New(id string, status *envelope.SubmitStatus, collab Collaborators) *Session {
	s := &Session{
		ID:     id,
		Status: status,
		tree:   node.NewTree(),
		state:  Running,
		collab: collab,
	}
	s.tree.Insert(node.NewRoot(status.Envelope.Destination))
	metrics.SessionStarted()
	s.collab.Log.Debugf("session %s started, destination %s", id, status.Envelope.Destination)
	return s
}

// State reports the session's current state.
func (s *Session) State() State { return s.state }

// Run drains the pending queue until the session suspends (Waiting) or
// reaches DONE by way of either a commit or an error reply.
func (s *Session) Run(ctx context.Context) error {
	for s.state == Running {
		n, ok := s.tree.Pop()
		if !ok {
			break
		}
		s.expand(ctx, n)
	}

	switch s.state {
	case Waiting:
		s.collab.Log.Debugf("session %s suspended awaiting forward-file reply for %s", s.ID, s.waitNode.Value)
		return nil
	case Running:
		if len(s.pending) == 0 {
			s.fail(&exterrors.SMTPError{
				Code: 530, EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
				Message: "no deliverable recipients",
			})
			return s.teardownError(ctx)
		}
		return s.teardownCommit(ctx)
	case Error:
		return s.teardownError(ctx)
	default:
		return nil
	}
}

// Resume incorporates a forward-file reply (section 4.5) and continues
// running. It is the WAITING + reply transition of section 4.6.
func (s *Session) Resume(ctx context.Context, reply forward.Reply) error {
	if s.state != Waiting {
		return fmt.Errorf("lka/session: %s: reply received while not waiting", s.ID)
	}

	n := s.waitNode
	r := s.waitRule
	s.waitNode, s.waitRule = nil, nil
	s.state = Running
	s.collab.Log.Debugf("session %s resumed, user %s exists=%v handle=%v", s.ID, n.Value, reply.Exists, reply.Handle != nil)

	switch {
	case reply.Handle == nil && reply.Exists:
		// No forward file: submit as a local delivery to the user.
		s.submit(ctx, r, n)
	case reply.Handle == nil && !reply.Exists:
		s.fail(&exterrors.SMTPError{
			Code: 530, EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message: "no such user",
		})
	default:
		s.resumeWithForwardFile(n, reply)
	}

	return s.Run(ctx)
}

func (s *Session) resumeWithForwardFile(n *node.Node, reply forward.Reply) {
	defer reply.Handle.Close()

	aliases, err := table.ParseAliasReader(reply.Handle, n.Value)
	if err != nil {
		s.fail(&exterrors.SMTPError{
			Code: 530, EnhancedCode: exterrors.EnhancedCode{5, 3, 5},
			Message: "malformed forward file", Err: err,
		})
		return
	}

	inserted := 0
	for _, tos := range aliases {
		for _, v := range tos {
			child := classify(n, v, true)
			if child == nil {
				continue
			}
			if s.tree.Insert(child) {
				inserted++
			}
		}
	}
	if inserted == 0 {
		s.fail(&exterrors.SMTPError{
			Code: 530, EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message: "empty forward file",
		})
	}
}

func (s *Session) fail(err error) {
	s.state = Error
	s.Status.SetError(err)
	s.collab.Log.Error("session error", err, "session", s.ID)
}

// expand is the per-node dispatch of section 4.6.
func (s *Session) expand(ctx context.Context, n *node.Node) {
	if n.Depth >= DepthMax {
		metrics.DepthExceeded()
		s.fail(&exterrors.SMTPError{
			Code: 530, EnhancedCode: exterrors.EnhancedCode{5, 4, 4},
			Message: "expansion depth exceeded", Reason: "DEPTH_MAX",
		})
		return
	}

	switch n.Kind {
	case node.Address:
		s.expandAddress(ctx, n)
	case node.Username:
		s.expandUsername(ctx, n)
	case node.Filename, node.Filter:
		s.submit(ctx, n.Rule, n)
	default:
		panic("lka/session: unreachable node kind")
	}
}

func (s *Session) expandAddress(ctx context.Context, n *node.Node) {
	scratch := s.Status.Envelope
	scratch.Destination = n.Mail
	scratch.Internal = n.Parent != nil

	r, err := s.collab.Matcher.Match(ctx, scratch)
	if err != nil {
		s.fail(&exterrors.SMTPError{
			Code: 451, EnhancedCode: exterrors.EnhancedCode{4, 4, 0},
			Message: "rule lookup failed", Err: err,
		})
		return
	}
	if r == nil {
		s.fail(&exterrors.SMTPError{
			Code: 530, EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message: "no matching rule",
		})
		return
	}
	if r.Decision == rule.Reject {
		s.fail(&exterrors.SMTPError{
			Code: 530, EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message: "recipient rejected",
		})
		return
	}
	n.Rule = r
	s.collab.Log.Debugf("session %s: %s matched rule action=%d condition=%d", s.ID, n.Mail, r.Action, r.Condition)

	if r.Action == rule.ActionRelay || r.Action == rule.ActionRelayVia {
		s.submit(ctx, r, n)
		return
	}

	if r.Condition == rule.CondVirtualDomain {
		handled := s.expandAlias(ctx, r, n, n.Mail.String())
		if s.state != Running {
			return
		}
		if !handled {
			s.fail(&exterrors.SMTPError{
				Code: 530, EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
				Message: "virtual domain alias missing",
			})
		}
		return
	}

	user := address.ToUsername(n.Mail.User)
	sameUser := strings.EqualFold(user, n.Mail.User)
	child := node.NewChild(n, node.Username, false, sameUser)
	child.Value = user
	child.Rule = r
	s.tree.Insert(child)
}

func (s *Session) expandUsername(ctx context.Context, n *node.Node) {
	// sameUser short-circuits re-resolving aliases (section 4.3) but a
	// node still needs a real user-info record and, absent one already
	// on hand, a forward-file round trip before it can be submitted.
	if !n.SameUser && n.Rule != nil && n.Rule.Aliases != nil {
		handled := s.expandAlias(ctx, n.Rule, n, n.Value)
		if s.state != Running {
			return
		}
		if handled {
			return
		}
	}

	if len(n.Value) > address.MaxUsername {
		s.fail(&exterrors.SMTPError{
			Code: 530, EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message: "user name too long",
		})
		return
	}

	_, ok, err := s.collab.Users.Lookup(ctx, n.Value)
	if err != nil {
		s.fail(&exterrors.SMTPError{
			Code: 530, EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message: "user lookup failed", Err: err,
		})
		return
	}
	if !ok {
		s.fail(&exterrors.SMTPError{
			Code: 530, EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message: "unknown user",
		})
		return
	}

	s.waitRule = n.Rule
	s.waitNode = n
	if err := s.collab.Forward.Open(ctx, forward.Request{SessionID: s.ID, User: n.Value}); err != nil {
		s.waitRule, s.waitNode = nil, nil
		s.fail(&exterrors.SMTPError{
			Code: 451, EnhancedCode: exterrors.EnhancedCode{4, 4, 0},
			Message: "forward-file request failed", Err: err,
		})
		return
	}
	metrics.ForwardRequested()
	s.state = Waiting
	s.collab.Log.DebugMsg("forward-file requested", "session", s.ID, "user", n.Value)
}

// expandAlias looks key up in r's alias table and, on a non-empty result,
// classifies and inserts each value as a child of n. It reports whether the
// lookup was handled (the table returned values, or the lookup failed);
// callers still need to check s.state for a lookup error, and treat
// handled == false as "no alias table, or empty result" per the caller's
// own fallback rules.
func (s *Session) expandAlias(ctx context.Context, r *rule.Rule, n *node.Node, key string) bool {
	if r.Aliases == nil {
		return false
	}
	vals, err := r.Aliases.LookupMulti(ctx, key)
	if err != nil {
		s.fail(&exterrors.SMTPError{
			Code: 451, EnhancedCode: exterrors.EnhancedCode{4, 4, 0},
			Message: "alias lookup failed", Err: err,
		})
		return true
	}
	if len(vals) == 0 {
		return false
	}
	for _, v := range vals {
		child := classify(n, v, true)
		if child == nil {
			continue
		}
		s.tree.Insert(child)
	}
	return true
}

// classify maps one alias-table value (for example one value returned by
// table.ParseAliasFile) to an expansion node, following the classic
// /etc/aliases conventions: a leading '|' is a pipe command, a leading '/' is a file path, an '@'
// anywhere else is another address, and everything else is a local user
// name.
func classify(parent *node.Node, value string, alias bool) *node.Node {
	switch {
	case strings.HasPrefix(value, "|"):
		c := node.NewChild(parent, node.Filter, alias, false)
		c.Value = strings.TrimPrefix(value, "|")
		return c
	case strings.HasPrefix(value, "/"):
		c := node.NewChild(parent, node.Filename, alias, false)
		c.Value = value
		return c
	case strings.Contains(value, "@"):
		// Alias tables and forward files are untrusted input; Split's own
		// doc comment says callers that care should run ValidMailboxName
		// and ValidDomain on the result, so reject a syntactically
		// splittable but malformed address here rather than letting it
		// become an Address node.
		if !address.Valid(value) {
			return nil
		}
		mail, err := address.Parse(value)
		if err != nil {
			return nil
		}
		return node.NewChildAddress(parent, mail, alias)
	default:
		if !address.ValidMailboxName(value) {
			return nil
		}
		c := node.NewChild(parent, node.Username, alias, false)
		c.Value = value
		return c
	}
}

// submit is section 4.7: it turns a matched rule and node into a delivery
// envelope appended to the pending list. It never itself transitions the
// state to Done; the caller's Run loop does that once the queue drains.
func (s *Session) submit(ctx context.Context, r *rule.Rule, n *node.Node) {
	env := s.Status.Envelope.Clone()

	switch r.Action {
	case rule.ActionRelay, rule.ActionRelayVia:
		if n.Kind != node.Address {
			panic("lka/session: relay submission from a non-address node")
		}
		env.Destination = n.Mail
		if r.As != "" {
			if as, err := address.Parse(r.As); err == nil {
				env.Sender = as
			}
		}
		env.Agent = envelope.Agent{Type: envelope.AgentRelay, RelayHost: r.RelayHost}
		s.pending = append(s.pending, env)

	case rule.ActionMbox, rule.ActionMaildir, rule.ActionFilename, rule.ActionMDA:
		s.submitLocal(ctx, r, n, env)

	default:
		panic("lka/session: unreachable rule action")
	}
}

func (s *Session) submitLocal(ctx context.Context, r *rule.Rule, n *node.Node, env envelope.Envelope) {
	addrNode := n.NearestAddress()
	if addrNode == nil {
		panic("lka/session: local submission with no address ancestor")
	}
	env.Destination = addrNode.Mail

	var username string
	switch {
	case (n.Kind == node.Filename || n.Kind == node.Filter) && n.Alias:
		username = ServiceUser
	default:
		un := n.NearestUsername()
		if un == nil {
			panic("lka/session: local submission with no username ancestor")
		}
		username = un.Value
	}

	info, ok, err := s.collab.Users.Lookup(ctx, username)
	if err != nil || !ok {
		s.fail(&exterrors.SMTPError{
			Code: 451, EnhancedCode: exterrors.EnhancedCode{4, 1, 1},
			Message: "user lookup failed on submission", Err: err,
		})
		return
	}

	agentType, rawBuffer := localAgent(r, n, addrNode)

	expanded, err := format.Expand(rawBuffer, format.Context{
		Sender:    env.Sender,
		Dest:      env.Destination,
		Rcpt:      env.OriginalRecipient,
		Username:  info.Username,
		Directory: info.Directory,
	})
	if err != nil {
		s.fail(&exterrors.SMTPError{
			Code: 451, EnhancedCode: exterrors.EnhancedCode{4, 3, 5},
			Message: "format expansion failed", Err: err,
		})
		return
	}

	env.Agent = envelope.Agent{Type: agentType, Username: info.Username, Buffer: expanded}
	s.pending = append(s.pending, env)
}

// localAgent picks the agent type and unexpanded buffer template for a
// local delivery: the node's own value for Filename/Filter, or the rule's
// configured buffer for mbox/maildir/mda, appending "/.TAG" to a maildir
// path when the destination carries a plus-tag (section 4.7).
func localAgent(r *rule.Rule, n *node.Node, addrNode *node.Node) (envelope.AgentType, string) {
	switch n.Kind {
	case node.Filename:
		return envelope.AgentFilename, n.Value
	case node.Filter:
		return envelope.AgentFilter, n.Value
	}

	buffer := r.Buffer
	var agentType envelope.AgentType
	switch r.Action {
	case rule.ActionMbox:
		agentType = envelope.AgentMbox
	case rule.ActionMaildir:
		agentType = envelope.AgentMaildir
		if tag, ok := address.Tag(addrNode.Mail.User); ok && tag != "" {
			buffer = strings.TrimSuffix(buffer, "/") + "/." + tag
		}
	case rule.ActionMDA:
		agentType = envelope.AgentFilter
	default:
		agentType = envelope.AgentFilename
	}
	return agentType, buffer
}

func (s *Session) teardownCommit(ctx context.Context) error {
	for _, env := range s.pending {
		if err := s.collab.Queue.Submit(ctx, env); err != nil {
			// The queue is an external collaborator (section 1, OUT OF
			// SCOPE); a failure here means atomicity (invariant I3) can no
			// longer be guaranteed by continuing, so the session stops
			// submitting immediately and drains through the normal error
			// teardown rather than leaving s.state stuck at Running, which
			// would leak the session out of the registry forever.
			s.fail(&exterrors.SMTPError{
				Code: 451, EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
				Message: "queue submission failed", Err: err,
			})
			return s.teardownError(ctx)
		}
	}
	if err := s.collab.Queue.Commit(ctx, s.Status); err != nil {
		s.fail(&exterrors.SMTPError{
			Code: 451, EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message: "queue commit failed", Err: err,
		})
		return s.teardownError(ctx)
	}
	metrics.EnvelopesSubmitted(len(s.pending))
	metrics.SessionCommitted()
	s.state = Done
	s.collab.Log.Msg("session committed", "session", s.ID, "envelopes", len(s.pending))
	return nil
}

func (s *Session) teardownError(ctx context.Context) error {
	s.pending = nil
	metrics.SessionErrored(s.Status.Code)
	if err := s.collab.Frontend.Reply(ctx, s.Status); err != nil {
		return err
	}
	s.state = Done
	s.collab.Log.Msg("session terminated with error", "session", s.ID, "code", s.Status.Code)
	return nil
}
