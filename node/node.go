// Package node implements the expansion node tagged variant and the
// depth-bounded, dedupping expansion tree described in sections 3 and 4.3
// of the design. It is the data structure the session state machine (see
// the session package) drains one node at a time.
package node

import (
	"strings"

	"github.com/infodancer/lka/address"
	"github.com/infodancer/lka/rule"
)

// Kind tags the payload carried by a Node.
type Kind int

const (
	// Address is a mail address to be matched against the ruleset.
	Address Kind = iota
	// Username is a local system user name, resolved against aliases
	// then user-info.
	Username
	// Filename is a file path to receive the message (append delivery).
	Filename
	// Filter is a command line to receive the message on stdin (pipe
	// delivery).
	Filter
)

func (k Kind) String() string {
	switch k {
	case Address:
		return "address"
	case Username:
		return "username"
	case Filename:
		return "filename"
	case Filter:
		return "filter"
	default:
		return "unknown"
	}
}

// Node is one unit of work in the expansion tree.
type Node struct {
	Kind Kind

	// Mail is populated for Kind == Address.
	Mail address.Mail
	// Value is populated for Kind == Username, Filename or Filter: the
	// user name, file path or command line, respectively.
	Value string

	Depth  int
	Parent *Node

	// SameUser is set when this node was derived by normalising an
	// address into a local user that belongs to the matched domain's
	// users; it short-circuits further alias lookups (section 4.3/4.6).
	SameUser bool
	// Alias is set when this node was produced by an alias lookup rather
	// than being the tree root or a direct rule dispatch.
	Alias bool

	// Rule is the rule under which this node was produced, once known.
	Rule *rule.Rule
}

// key returns the structural identity used for dedup: (kind, payload),
// case-folded where the payload is an address or user name (section 3,
// invariant I4). Filenames and filter commands compare case-sensitively,
// since paths and shell command lines are not case-insensitive by nature.
func (n *Node) key() string {
	switch n.Kind {
	case Address:
		folded, _ := address.ForLookup(n.Mail.String())
		return "addr:" + folded
	case Username:
		return "user:" + strings.ToLower(n.Value)
	case Filename:
		return "file:" + n.Value
	case Filter:
		return "filter:" + n.Value
	default:
		return ""
	}
}

// NewRoot builds the depth-0 node seeded at session start (section 4.6,
// START -> RUNNING).
func NewRoot(addr address.Mail) *Node {
	return &Node{Kind: Address, Mail: addr, Depth: 0}
}

// NewChild builds a node derived from parent, with depth/parent propagated
// per section 4.3. alias marks whether this child came from an alias
// lookup; sameUser marks the address-to-username short circuit.
func NewChild(parent *Node, kind Kind, alias, sameUser bool) *Node {
	depth := 0
	if parent != nil {
		depth = parent.Depth + 1
	}
	return &Node{
		Kind:     kind,
		Depth:    depth,
		Parent:   parent,
		Alias:    alias,
		SameUser: sameUser,
	}
}

// NewChildAddress builds an Address-kind child, used when an alias or
// virtual-domain lookup produces another mail address rather than a
// username, file path or command line (section 4.3).
func NewChildAddress(parent *Node, mail address.Mail, alias bool) *Node {
	c := NewChild(parent, Address, alias, false)
	c.Mail = mail
	return c
}

// NearestAddress walks parent links to find the nearest ancestor (or self)
// of Kind == Address, as required by submission (section 4.7) to determine
// the final destination address for a local delivery. It is total only
// when such an ancestor exists by construction: every tree is rooted at an
// Address node, so the walk always terminates.
func (n *Node) NearestAddress() *Node {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Kind == Address {
			return cur
		}
	}
	return nil
}

// NearestUsername walks parent links to find the nearest ancestor (or self)
// of Kind == Username.
func (n *Node) NearestUsername() *Node {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Kind == Username {
			return cur
		}
	}
	return nil
}
