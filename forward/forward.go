// Package forward implements the asynchronous forward-file round trip
// described in section 4.5 of the design: a username node that has
// exhausted alias lookups asks a privileged helper to open that user's
// forward file, and the session suspends until the helper replies.
package forward

import (
	"context"
	"io"
)

// Request is the outbound "forward open" message (section 6): session id
// and user name, nothing else. The helper is trusted to know how to map a
// user name to a path and apply whatever privilege drop is needed to open
// it; this package never touches the filesystem itself.
type Request struct {
	SessionID string
	User      string
}

// Reply is the inbound forward_reply call (section 6). Handle is nil when
// the user has no forward file (or none could be opened); Exists records
// whether the user itself is known at all. Exactly one Reply is ever
// delivered per Request (invariant I2).
type Reply struct {
	SessionID string
	Exists    bool
	Handle    io.ReadCloser
}

// Dispatcher is the outbound side the session calls to issue a forward-open
// request. It is an external collaborator (section 1): the concrete
// implementation talks to the privileged helper process over whatever
// channel the surrounding system uses.
type Dispatcher interface {
	Open(ctx context.Context, req Request) error
}

// Router is the registry-backed inbound side: forward_reply from the helper
// is delivered here, keyed by session id, and routed to whichever session
// is currently waiting on it. An unknown session id is logged and dropped,
// never treated as an error (section 6): Deliver returns nil in that case,
// not an error, because there is nothing left for the caller to retry.
type Router interface {
	Deliver(ctx context.Context, reply Reply) error
}
