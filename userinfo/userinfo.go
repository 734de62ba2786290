// Package userinfo declares the well-known "<getpwnam>" table (section 6):
// a backend that maps a system user name to at least a username and home
// directory. Like the rule matcher, the concrete backend (NSS, LDAP, a flat
// passwd file) is an external collaborator; this package only pins the
// interface the engine calls through.
package userinfo

import "context"

// Info is the record returned for a resolved system user.
type Info struct {
	Username  string
	Directory string
}

// Table answers getpwnam-style lookups.
type Table interface {
	Lookup(ctx context.Context, user string) (Info, bool, error)
}

// Static is an in-memory Table, used by tests and by small deployments that
// don't need a real NSS/LDAP backend.
type Static struct {
	m map[string]Info
}

func NewStatic(entries map[string]Info) *Static {
	m := make(map[string]Info, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return &Static{m: m}
}

func (s *Static) Lookup(_ context.Context, user string) (Info, bool, error) {
	info, ok := s.m[user]
	return info, ok, nil
}
