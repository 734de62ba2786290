// Package format implements the %{token[slice]} substitution mini-language
// used to expand MDA command and file-path templates against an envelope
// (section 4.2). It is the only part of the system where signed arithmetic
// on string offsets matters (section 4.2, closing paragraph).
package format

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/infodancer/lka/address"
)

// ExpandBuffer bounds the length of any expanded buffer. It is a
// compile-time constant, not a runtime-configurable limit, mirroring the
// fixed EXPAND_BUFFER of the source design.
const ExpandBuffer = 4096

// Context supplies the envelope-derived values %{NAME} tokens resolve to.
type Context struct {
	Sender    address.Mail
	Dest      address.Mail
	Rcpt      address.Mail
	Username  string
	Directory string
}

// Error is returned for any violation of the expansion grammar or slice
// semantics; callers convert it to SMTP 451 (section 4.2).
type Error struct {
	Template string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("format: %s: %s", e.Template, e.Reason)
}

func fail(template, reason string, args ...interface{}) error {
	return &Error{Template: template, Reason: fmt.Sprintf(reason, args...)}
}

// Expand scans template left to right and returns the substituted buffer.
// See the package doc and section 4.2 of the design for the full grammar.
func Expand(template string, ctx Context) (string, error) {
	orig := template

	if strings.HasPrefix(template, "~/") {
		template = ctx.Directory + "/" + template[2:]
	}

	var out strings.Builder
	i := 0
	for i < len(template) {
		ch := template[i]
		if ch != '%' {
			out.WriteByte(ch)
			i++
			continue
		}

		if i+1 >= len(template) {
			return "", fail(orig, "trailing %% with nothing following")
		}

		switch template[i+1] {
		case '%':
			out.WriteByte('%')
			i += 2
			continue
		case '{':
			end := strings.IndexByte(template[i+2:], '}')
			if end == -1 {
				return "", fail(orig, "unmatched '{'")
			}
			token := template[i+2 : i+2+end]
			val, err := resolveToken(orig, token, ctx)
			if err != nil {
				return "", err
			}
			out.WriteString(val)
			i = i + 2 + end + 1
			continue
		default:
			return "", fail(orig, "'%%' not followed by '%%' or '{'")
		}
	}

	// The assembled buffer, literal text and substitutions alike, is
	// lower-cased as a whole: MDA paths and commands are filesystem/shell
	// strings where case consistency matters more than preserving the
	// rule author's template casing (section 4.2).
	result := strings.ToLower(out.String())
	if len(result) >= ExpandBuffer {
		return "", fail(orig, "expansion length %d exceeds EXPAND_BUFFER", len(result))
	}
	return result, nil
}

// resolveToken handles one %{NAME} or %{NAME[SLICE]} token, NAME case folded.
func resolveToken(template, token string, ctx Context) (string, error) {
	name := token
	slice := ""
	if b := strings.IndexByte(token, '['); b != -1 {
		if token[len(token)-1] != ']' {
			return "", fail(template, "malformed slice in token %q", token)
		}
		name = token[:b]
		slice = token[b+1 : len(token)-1]
	}

	val, err := lookupName(template, name, ctx)
	if err != nil {
		return "", err
	}

	if slice != "" {
		val, err = applySlice(template, val, slice)
		if err != nil {
			return "", err
		}
	}

	return val, nil
}

func lookupName(template, name string, ctx Context) (string, error) {
	switch strings.ToLower(name) {
	case "sender":
		return ctx.Sender.String(), nil
	case "dest":
		return ctx.Dest.String(), nil
	case "rcpt":
		return ctx.Rcpt.String(), nil
	case "sender.user":
		return ctx.Sender.User, nil
	case "sender.domain":
		return ctx.Sender.Domain, nil
	case "dest.user":
		return ctx.Dest.User, nil
	case "dest.domain":
		return ctx.Dest.Domain, nil
	case "rcpt.user":
		return ctx.Rcpt.User, nil
	case "rcpt.domain":
		return ctx.Rcpt.Domain, nil
	case "user.username":
		return ctx.Username, nil
	case "user.directory":
		return ctx.Directory, nil
	default:
		return "", fail(template, "unknown token %q", name)
	}
}

// applySlice implements the signed begin/end substring rules of section
// 4.2, verbatim per rules 1-6 (see also the open question in section 9:
// these rules are followed exactly as written, including their edge case
// at begin == end == L-1).
func applySlice(template, val, slice string) (string, error) {
	l := len(val)

	begin, end, err := parseSlice(template, slice)
	if err != nil {
		return "", err
	}

	// Rule 1.
	if l == 0 {
		return "", fail(template, "cannot slice empty expansion")
	}
	// Rule 2.
	if begin >= l {
		return "", fail(template, "slice begin %d >= length %d", begin, l)
	}
	// Rule 3.
	if end >= l {
		end = l - 1
	}
	// Rule 4.
	if begin < 0 {
		begin += l
	}
	// Rule 5.
	if end < 0 {
		end += l - 1
	}
	// Rule 6.
	if begin < 0 || end < 0 || end < begin {
		return "", fail(template, "slice [%d:%d] invalid for length %d", begin, end, l)
	}

	// Rule 7: inclusive on both ends.
	return val[begin : end+1], nil
}

func parseSlice(template, slice string) (begin, end int, err error) {
	if i := strings.IndexByte(slice, ':'); i != -1 {
		begin, err = strconv.Atoi(strings.TrimSpace(slice[:i]))
		if err != nil {
			return 0, 0, fail(template, "invalid slice begin %q", slice[:i])
		}
		end, err = strconv.Atoi(strings.TrimSpace(slice[i+1:]))
		if err != nil {
			return 0, 0, fail(template, "invalid slice end %q", slice[i+1:])
		}
	} else {
		n, convErr := strconv.Atoi(strings.TrimSpace(slice))
		if convErr != nil {
			return 0, 0, fail(template, "invalid slice index %q", slice)
		}
		begin, end = n, n
	}

	if begin < -ExpandBuffer || begin > ExpandBuffer || end < -ExpandBuffer || end > ExpandBuffer {
		return 0, 0, fail(template, "slice index out of [-%d, %d] range", ExpandBuffer, ExpandBuffer)
	}
	return begin, end, nil
}
