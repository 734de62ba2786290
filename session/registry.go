package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/infodancer/lka/forward"
	"github.com/infodancer/lka/log"
	"github.com/infodancer/lka/metrics"
)

// NewSessionID mints a fresh session id for the front-end to hand to New.
// Session ids only need to be unique for the lifetime of one registry, but a
// random UUID also makes them safe to log and correlate across processes.
func NewSessionID() string {
	return uuid.NewString()
}

// Registry is the process-wide session-id-to-session map (section 3:
// "Session registry"). An entry is created at session start and removed
// exactly once, at the terminal step, regardless of whether that step was
// a commit or an error.
type Registry struct {
	log log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry that logs unrouted replies through
// l.
func NewRegistry(l log.Logger) *Registry {
	return &Registry{log: l, sessions: make(map[string]*Session)}
}

// Start registers s so that Deliver can route replies to it, then runs it
// to its first suspension or terminal state. The session is removed from
// the registry as soon as it reaches Done, whether that happened inside
// this call or later via Deliver.
func (reg *Registry) Start(ctx context.Context, s *Session) error {
	reg.mu.Lock()
	reg.sessions[s.ID] = s
	reg.mu.Unlock()

	err := s.Run(ctx)
	reg.reap(s)
	return err
}

// Deliver routes a forward_reply to the session it is addressed to
// (section 6). An id that names no registered session is logged and
// dropped, never treated as an error: the helper has no session to retry
// against and the session, if it ever existed, already tore itself down.
func (reg *Registry) Deliver(ctx context.Context, reply forward.Reply) error {
	reg.mu.Lock()
	s, ok := reg.sessions[reply.SessionID]
	reg.mu.Unlock()

	if !ok {
		metrics.ForwardUnknownSession()
		reg.log.Msg("forward reply for unknown session", "session", reply.SessionID)
		return nil
	}

	err := s.Resume(ctx, reply)
	reg.reap(s)
	return err
}

func (reg *Registry) reap(s *Session) {
	if s.State() != Done {
		return
	}
	reg.mu.Lock()
	delete(reg.sessions, s.ID)
	reg.mu.Unlock()
}

// Len reports how many sessions are currently in flight, for tests and
// diagnostics.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.sessions)
}
