// Package addr parses the comma/semicolon/space-separated endpoint lists
// used by the tunnel's configuration surface.
package addr

import (
	"net"
	"strconv"
	"strings"

	"github.com/relaywire/tow/internal/util"
)

// ParseMany splits text on ';', ',' and ' ', trims each token, and resolves
// it to zero, one, or two socket addresses. A bare port ("9601") expands to
// both a loopback IPv4 and a loopback IPv6 entry. Empty tokens (from
// repeated separators) are skipped silently; invalid tokens are dropped
// with a logged warning; the remaining entries keep input order.
func ParseMany(text string) []string {
	var out []string
	for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ';' || r == ',' || r == ' '
	}) {
		out = append(out, parseOne(tok)...)
	}
	return out
}

// ParseOne returns the first address ParseMany would produce for text, or
// false if text contains no valid address.
func ParseOne(text string) (string, bool) {
	all := ParseMany(text)
	if len(all) == 0 {
		return "", false
	}
	return all[0], true
}

// parseOne resolves a single trimmed token to zero, one, or two addresses.
func parseOne(tok string) []string {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return nil
	}

	if port, err := strconv.ParseUint(tok, 10, 16); err == nil {
		return []string{
			net.JoinHostPort("127.0.0.1", strconv.FormatUint(port, 10)),
			net.JoinHostPort("::1", strconv.FormatUint(port, 10)),
		}
	}

	host, port, err := net.SplitHostPort(tok)
	if err != nil || host == "" || port == "" {
		util.LogWarning("dropping invalid endpoint %q", tok)
		return nil
	}
	if net.ParseIP(strings.Trim(host, "[]")) == nil {
		util.LogWarning("dropping invalid endpoint %q", tok)
		return nil
	}
	return []string{net.JoinHostPort(host, port)}
}
