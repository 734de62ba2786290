package address

import (
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// domainForLookup case-folds a domain into its canonical U-label form, the
// same way golang.org/x/net/idna and golang.org/x/text/unicode/norm are used
// throughout the surrounding mail stack for lookup-key normalization. It does
// not touch the network; it is pure string canonicalization, not resolution.
func domainForLookup(domain string) (string, error) {
	uDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return strings.ToLower(domain), err
	}

	uDomain = norm.NFC.String(uDomain)
	uDomain = strings.ToLower(uDomain)
	uDomain = strings.TrimSuffix(uDomain, ".")
	return uDomain, nil
}

// ForLookup transforms addr into a canonical form usable for map lookups or
// direct comparisons: the domain is case-folded per domainForLookup and the
// local-part is lower-cased and NFC-normalized.
//
// If Equal(addr1, addr2) == true, then ForLookup(addr1) == ForLookup(addr2).
//
// On error, the case-folded original address is returned alongside the error.
func ForLookup(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return strings.ToLower(addr), err
	}

	if domain != "" {
		domain, err = domainForLookup(domain)
		if err != nil {
			return strings.ToLower(addr), err
		}
	}

	mbox = strings.ToLower(norm.NFC.String(mbox))

	if domain == "" {
		return mbox, nil
	}
	return mbox + "@" + domain, nil
}

// Equal reports whether addr1 and addr2 are case-insensitively equivalent,
// per the domain-case-insensitive / local-part-preserved-but-folded rule in
// the data model (local-part case is preserved as given, but folded for
// system-user comparisons).
func Equal(addr1, addr2 string) bool {
	if addr1 == addr2 {
		return true
	}
	n1, _ := ForLookup(addr1)
	n2, _ := ForLookup(addr2)
	return n1 == n2
}
