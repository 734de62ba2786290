// Package address implements normalization and parsing of RFC 5321 mail
// addresses as used by the recipient-expansion engine: splitting local-part
// and domain, case-folding for lookups, and deriving system user names and
// plus-tags from a mailbox.
package address

import (
	"errors"
	"strings"
)

// Split splits an email address (as defined by RFC 5321 as a forward-path
// token) into local part (mailbox) and domain.
//
// The special postmaster address has no domain part; Split returns
// domain == "" in that case.
//
// Split does almost no sanity checking of the input and is intentionally
// naive; callers that care should additionally run ValidMailboxName and
// ValidDomain on the result.
func Split(addr string) (mailbox, domain string, err error) {
	if strings.EqualFold(addr, "postmaster") {
		return addr, "", nil
	}

	indx := strings.LastIndexByte(addr, '@')
	if indx == -1 {
		return "", "", errors.New("address: missing at-sign")
	}
	mailbox = addr[:indx]
	domain = addr[indx+1:]
	if mailbox == "" {
		return "", "", errors.New("address: empty local-part")
	}
	if domain == "" {
		return "", "", errors.New("address: empty domain")
	}
	return
}
