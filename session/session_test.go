package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/infodancer/lka/address"
	"github.com/infodancer/lka/envelope"
	"github.com/infodancer/lka/forward"
	"github.com/infodancer/lka/log"
	"github.com/infodancer/lka/rule"
	"github.com/infodancer/lka/table"
	"github.com/infodancer/lka/userinfo"
)

// fakeMatcher matches an address against a preconfigured rule, optionally
// varying by destination domain so a test can model a virtual-domain rule
// feeding into a different, plain rule for the addresses it expands to.
type fakeMatcher struct {
	r     *rule.Rule
	byDom map[string]*rule.Rule
	err   error
}

func (m fakeMatcher) Match(_ context.Context, env envelope.Envelope) (*rule.Rule, error) {
	if m.err != nil {
		return nil, m.err
	}
	if r, ok := m.byDom[strings.ToLower(env.Destination.Domain)]; ok {
		return r, nil
	}
	return m.r, nil
}

// fakeForward only records each request; the test then hands the reply to
// the session itself, through Resume or Registry.Deliver.
type fakeForward struct {
	requests []forward.Request
}

func (f *fakeForward) Open(_ context.Context, req forward.Request) error {
	f.requests = append(f.requests, req)
	return nil
}

// fakeQueue records submitted and committed envelopes in order. submitErr,
// when set, is returned by Submit instead of recording the envelope;
// commitErr works the same way for Commit.
type fakeQueue struct {
	submitted []envelope.Envelope
	committed *envelope.SubmitStatus
	submitErr error
	commitErr error
}

func (q *fakeQueue) Submit(_ context.Context, env envelope.Envelope) error {
	if q.submitErr != nil {
		return q.submitErr
	}
	q.submitted = append(q.submitted, env)
	return nil
}

func (q *fakeQueue) Commit(_ context.Context, status *envelope.SubmitStatus) error {
	if q.commitErr != nil {
		return q.commitErr
	}
	q.committed = status
	return nil
}

// fakeFrontend records the terminal error reply, if any.
type fakeFrontend struct {
	replied *envelope.SubmitStatus
}

func (f *fakeFrontend) Reply(_ context.Context, status *envelope.SubmitStatus) error {
	f.replied = status
	return nil
}

func newSubmit(dest string) *envelope.SubmitStatus {
	mail, err := address.Parse(dest)
	if err != nil {
		panic(err)
	}
	env := envelope.Envelope{
		MessageID:         "m1",
		Sender:            address.Mail{User: "sender", Domain: "example.com"},
		OriginalRecipient: mail,
		Destination:       mail,
	}
	return envelope.NewSubmitStatus(env)
}

func testCollab(r *rule.Rule, users userinfo.Table, fwd forward.Dispatcher, q Queue, fe Frontend) Collaborators {
	return Collaborators{
		Matcher:  fakeMatcher{r: r},
		Users:    users,
		Forward:  fwd,
		Queue:    q,
		Frontend: fe,
		Log:      log.Logger{Out: log.NopOutput{}, Name: "test"},
	}
}

func testCollabMatcher(m fakeMatcher, users userinfo.Table, fwd forward.Dispatcher, q Queue, fe Frontend) Collaborators {
	return Collaborators{
		Matcher:  m,
		Users:    users,
		Forward:  fwd,
		Queue:    q,
		Frontend: fe,
		Log:      log.Logger{Out: log.NopOutput{}, Name: "test"},
	}
}

// TestScenarioMboxNoForward is scenario S1: mbox delivery, no aliases, a
// forward reply with status=true and no handle.
func TestScenarioMboxNoForward(t *testing.T) {
	r := &rule.Rule{Action: rule.ActionMbox, Buffer: "/var/mail/%{user.username}"}
	users := userinfo.NewStatic(map[string]userinfo.Info{
		"alice": {Username: "alice", Directory: "/home/alice"},
	})
	fwd := &fakeForward{}
	q := &fakeQueue{}
	fe := &fakeFrontend{}

	s := New("sess-1", newSubmit("alice@example.com"), testCollab(r, users, fwd, q, fe))
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.State() != Waiting {
		t.Fatalf("expected Waiting after username dispatch, got %s", s.State())
	}
	if len(fwd.requests) != 1 || fwd.requests[0].User != "alice" {
		t.Fatalf("expected one forward request for alice, got %+v", fwd.requests)
	}

	if err := s.Resume(context.Background(), forward.Reply{SessionID: "sess-1", Exists: true}); err != nil {
		t.Fatal(err)
	}
	if s.State() != Done {
		t.Fatalf("expected Done, got %s", s.State())
	}
	if len(q.submitted) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(q.submitted))
	}
	got := q.submitted[0]
	if got.Agent.Type != envelope.AgentMbox || got.Agent.Buffer != "/var/mail/alice" || got.Agent.Username != "alice" {
		t.Fatalf("unexpected agent: %+v", got.Agent)
	}
	if q.committed == nil {
		t.Fatal("expected commit marker")
	}
}

// TestScenarioMaildirTag is scenario S2: plus-tagged maildir delivery.
func TestScenarioMaildirTag(t *testing.T) {
	r := &rule.Rule{Action: rule.ActionMaildir, Buffer: "~/Maildir"}
	users := userinfo.NewStatic(map[string]userinfo.Info{
		"bob": {Username: "bob", Directory: "/home/bob"},
	})
	fwd := &fakeForward{}
	q := &fakeQueue{}
	fe := &fakeFrontend{}

	s := New("sess-2", newSubmit("bob+work@example.com"), testCollab(r, users, fwd, q, fe))
	s.Run(context.Background())
	s.Resume(context.Background(), forward.Reply{SessionID: "sess-2", Exists: true})

	if s.State() != Done || len(q.submitted) != 1 {
		t.Fatalf("expected one committed envelope, state=%s submitted=%d", s.State(), len(q.submitted))
	}
	buf := q.submitted[0].Agent.Buffer
	if buf != "/home/bob/maildir/.work" {
		t.Fatalf("got buffer %q", buf)
	}
}

// TestScenarioVirtualDomainFanout is scenario S3: a virtual-domain alias
// fans out to two local addresses, committed in insertion order.
func TestScenarioVirtualDomainFanout(t *testing.T) {
	aliases := table.NewStatic(map[string][]string{
		"list@virt.example": {"alice@local", "bob@local"},
	})
	virtRule := &rule.Rule{
		Action:    rule.ActionMbox,
		Condition: rule.CondVirtualDomain,
		Buffer:    "/var/mail/%{user.username}",
		Aliases:   aliases,
	}
	localRule := &rule.Rule{Action: rule.ActionMbox, Buffer: "/var/mail/%{user.username}"}
	matcher := fakeMatcher{byDom: map[string]*rule.Rule{
		"virt.example": virtRule,
		"local":        localRule,
	}}
	users := userinfo.NewStatic(map[string]userinfo.Info{
		"alice": {Username: "alice", Directory: "/home/alice"},
		"bob":   {Username: "bob", Directory: "/home/bob"},
	})
	fwd := &fakeForward{}
	q := &fakeQueue{}
	fe := &fakeFrontend{}

	s := New("sess-3", newSubmit("list@virt.example"), testCollabMatcher(matcher, users, fwd, q, fe))
	s.Run(context.Background())

	for s.State() == Waiting {
		s.Resume(context.Background(), forward.Reply{SessionID: "sess-3", Exists: true})
	}

	if s.State() != Done {
		t.Fatalf("expected Done, got %s", s.State())
	}
	if len(q.submitted) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(q.submitted))
	}
	if q.submitted[0].Agent.Username != "alice" || q.submitted[1].Agent.Username != "bob" {
		t.Fatalf("expected insertion order alice, bob; got %s, %s",
			q.submitted[0].Agent.Username, q.submitted[1].Agent.Username)
	}
	if q.committed == nil {
		t.Fatal("expected a single commit marker after both deliveries")
	}
}

// TestScenarioAliasCycleDedup is scenario S4/property P3: an alias cycle
// loop -> loop must not be processed more than once and must not loop
// forever; with nothing else to resolve to it drains to a 530 error rather
// than hanging, but crucially without ever exceeding the depth cap.
func TestScenarioAliasCycleDedup(t *testing.T) {
	aliases := table.NewStatic(map[string][]string{
		"loop@local": {"loop@local"},
	})
	r := &rule.Rule{
		Action:    rule.ActionMbox,
		Condition: rule.CondVirtualDomain,
		Buffer:    "/var/mail/%{user.username}",
		Aliases:   aliases,
	}
	fwd := &fakeForward{}
	q := &fakeQueue{}
	fe := &fakeFrontend{}

	s := New("sess-4", newSubmit("loop@local"), testCollab(r, userinfo.NewStatic(nil), fwd, q, fe))
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if s.State() != Done {
		t.Fatalf("expected Done, got %s", s.State())
	}
	if len(fwd.requests) != 0 {
		t.Fatal("alias self-reference should never reach the forward-file path")
	}
	if len(q.submitted) != 0 {
		t.Fatalf("expected no envelopes from a dead-end alias cycle, got %d", len(q.submitted))
	}
	if fe.replied == nil || fe.replied.Code != 530 {
		t.Fatalf("expected 530 reply, got %+v", fe.replied)
	}
}

// TestScenarioDepthExceeded is scenario S5/property P1: a long alias chain
// past DEPTH_MAX yields a terminal 530 with no envelopes.
func TestScenarioDepthExceeded(t *testing.T) {
	entries := make(map[string][]string)
	for i := 0; i < 11; i++ {
		entries[fmt.Sprintf("a%d@local", i)] = []string{fmt.Sprintf("a%d@local", i+1)}
	}
	aliases := table.NewStatic(entries)
	r := &rule.Rule{
		Action:    rule.ActionMbox,
		Condition: rule.CondVirtualDomain,
		Buffer:    "/var/mail/%{user.username}",
		Aliases:   aliases,
	}
	users := userinfo.NewStatic(nil)
	fwd := &fakeForward{}
	q := &fakeQueue{}
	fe := &fakeFrontend{}

	s := New("sess-5", newSubmit("a0@local"), testCollab(r, users, fwd, q, fe))
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if s.State() != Done {
		t.Fatalf("expected Done, got %s", s.State())
	}
	if len(q.submitted) != 0 {
		t.Fatalf("expected no envelopes, got %d", len(q.submitted))
	}
	if fe.replied == nil || fe.replied.Code != 530 {
		t.Fatalf("expected 530 reply, got %+v", fe.replied)
	}
}

// TestNoMatchingRule covers the NoRule -> 530 branch of section 7.
func TestNoMatchingRule(t *testing.T) {
	fwd := &fakeForward{}
	q := &fakeQueue{}
	fe := &fakeFrontend{}
	collab := testCollab(nil, userinfo.NewStatic(nil), fwd, q, fe)

	s := New("sess-6", newSubmit("nobody@example.com"), collab)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fe.replied == nil || fe.replied.Code != 530 {
		t.Fatalf("expected 530 reply, got %+v", fe.replied)
	}
	if len(q.submitted) != 0 {
		t.Fatal("expected no envelopes on no-rule error")
	}
}

// TestTransientRuleLookupFailure covers the Transient -> 451 branch.
func TestTransientRuleLookupFailure(t *testing.T) {
	fwd := &fakeForward{}
	q := &fakeQueue{}
	fe := &fakeFrontend{}
	collab := Collaborators{
		Matcher:  fakeMatcher{err: errors.New("backend unavailable")},
		Users:    userinfo.NewStatic(nil),
		Forward:  fwd,
		Queue:    q,
		Frontend: fe,
		Log:      log.Logger{Out: log.NopOutput{}},
	}

	s := New("sess-7", newSubmit("anyone@example.com"), collab)
	s.Run(context.Background())
	if fe.replied == nil || fe.replied.Code != 451 {
		t.Fatalf("expected 451 reply, got %+v", fe.replied)
	}
}

// TestUserTooLong covers the UserTooLong -> 530 branch of section 7.
func TestUserTooLong(t *testing.T) {
	r := &rule.Rule{Action: rule.ActionMbox, Buffer: "/var/mail/%{user.username}"}
	fwd := &fakeForward{}
	q := &fakeQueue{}
	fe := &fakeFrontend{}
	collab := testCollab(r, userinfo.NewStatic(nil), fwd, q, fe)

	longUser := strings.Repeat("x", 40)
	s := New("sess-8", newSubmit(longUser+"@example.com"), collab)
	s.Run(context.Background())

	if fe.replied == nil || fe.replied.Code != 530 {
		t.Fatalf("expected 530 reply, got %+v", fe.replied)
	}
}

// TestQueueSubmitFailure covers teardownCommit's Queue.Submit error path: the
// session must still reach Done with a transient reply and no commit marker,
// rather than getting stuck in Running with nothing ever reaped.
func TestQueueSubmitFailure(t *testing.T) {
	r := &rule.Rule{Action: rule.ActionMbox, Buffer: "/var/mail/%{user.username}"}
	users := userinfo.NewStatic(map[string]userinfo.Info{
		"alice": {Username: "alice", Directory: "/home/alice"},
	})
	fwd := &fakeForward{}
	q := &fakeQueue{submitErr: errors.New("queue unavailable")}
	fe := &fakeFrontend{}

	s := New("sess-9", newSubmit("alice@example.com"), testCollab(r, users, fwd, q, fe))
	s.Run(context.Background())
	s.Resume(context.Background(), forward.Reply{SessionID: "sess-9", Exists: true})

	if s.State() != Done {
		t.Fatalf("expected Done even on Submit failure, got %s", s.State())
	}
	if len(q.submitted) != 0 {
		t.Fatalf("expected no recorded envelopes, got %d", len(q.submitted))
	}
	if q.committed != nil {
		t.Fatal("expected no commit marker after a Submit failure")
	}
	if fe.replied == nil || fe.replied.Code != 451 {
		t.Fatalf("expected 451 reply, got %+v", fe.replied)
	}
}

// TestQueueCommitFailure covers teardownCommit's Queue.Commit error path:
// every envelope reaches Submit successfully but the commit marker itself
// fails, which must still funnel through to a terminal error reply instead
// of leaving the session Running with delivery already recorded.
func TestQueueCommitFailure(t *testing.T) {
	r := &rule.Rule{Action: rule.ActionMbox, Buffer: "/var/mail/%{user.username}"}
	users := userinfo.NewStatic(map[string]userinfo.Info{
		"alice": {Username: "alice", Directory: "/home/alice"},
	})
	fwd := &fakeForward{}
	q := &fakeQueue{commitErr: errors.New("commit log unavailable")}
	fe := &fakeFrontend{}

	s := New("sess-10", newSubmit("alice@example.com"), testCollab(r, users, fwd, q, fe))
	s.Run(context.Background())
	s.Resume(context.Background(), forward.Reply{SessionID: "sess-10", Exists: true})

	if s.State() != Done {
		t.Fatalf("expected Done even on Commit failure, got %s", s.State())
	}
	if len(q.submitted) != 1 {
		t.Fatalf("expected the envelope to have reached Submit, got %d", len(q.submitted))
	}
	if q.committed != nil {
		t.Fatal("expected no successful commit marker")
	}
	if fe.replied == nil || fe.replied.Code != 451 {
		t.Fatalf("expected 451 reply, got %+v", fe.replied)
	}
}
