package address

import "strings"

// MaxUsername is the system user-name length limit (LOGIN_NAME_MAX on most
// Unix systems) that a derived user name is bounds-checked against before a
// user-info lookup is attempted.
const MaxUsername = 32

// Mail is a parsed RFC 5321 address: a local-part and a domain, each a
// bounded ASCII-ish string. Domain comparisons are case-insensitive;
// local-part case is preserved as given but is compared case-insensitively
// whenever it is used as a system user name.
type Mail struct {
	User   string
	Domain string
}

// String renders the address as "user@domain", or just "user" for the
// postmaster special case (Domain == "").
func (m Mail) String() string {
	if m.Domain == "" {
		return m.User
	}
	return m.User + "@" + m.Domain
}

// Equal reports whether m and other name the same mailbox, per Equal.
func (m Mail) Equal(other Mail) bool {
	return Equal(m.String(), other.String())
}

// Parse splits s into a Mail, applying no normalization beyond Split.
func Parse(s string) (Mail, error) {
	user, domain, err := Split(s)
	if err != nil {
		return Mail{}, err
	}
	return Mail{User: user, Domain: domain}, nil
}

// ToUsername lowercases the local-part of addr into a routed system user
// name, truncating at the first '+' so that plus-tags never reach the user
// table. "Gilles+Hackers" yields "gilles".
func ToUsername(local string) string {
	if i := strings.IndexByte(local, '+'); i != -1 {
		local = local[:i]
	}
	return strings.ToLower(local)
}

// Tag returns the substring strictly after the first '+' in local, with any
// leading '.' characters in that substring skipped, or "" if local carries no
// plus-tag. "u+.work" yields "work"; "u" yields "".
func Tag(local string) (string, bool) {
	i := strings.IndexByte(local, '+')
	if i == -1 {
		return "", false
	}
	tag := local[i+1:]
	tag = strings.TrimLeft(tag, ".")
	return tag, true
}
