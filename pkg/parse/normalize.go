package parse

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/Sriram-PR/polite-crawler/pkg/utils"
)

// normalized returns a copy of u with scheme and host lowercased, default ports, user info and fragment dropped, and a "/" path for an empty one
// Trailing slashes are trimmed except on the root. When stripParams is set the query and any ";params" on the last path segment go too
func normalized(u *url.URL, stripParams bool) *url.URL {
	// Work on a copy
	n := *u
	n.User = nil

	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)

	// Remove default ports
	host, port, err := net.SplitHostPort(n.Host)
	if err == nil { // Host included a port
		if (n.Scheme == "http" && port == "80") ||
			(n.Scheme == "https" && port == "443") {
			n.Host = host
		}
	}

	if stripParams {
		n.RawQuery = ""
		n.ForceQuery = false
		n.Path = stripPathParams(n.Path)
		n.RawPath = ""
	}

	// Handle path normalization
	if n.Path == "" {
		n.Path = "/"
		n.RawPath = ""
	} else if len(n.Path) > 1 && strings.HasSuffix(n.Path, "/") {
		n.Path = n.Path[:len(n.Path)-1]
		n.RawPath = ""
	}

	n.Fragment = ""
	n.RawFragment = ""
	return &n
}

// stripPathParams removes ";params" from the last path segment
func stripPathParams(p string) string {
	lastSlash := strings.LastIndex(p, "/")
	if semi := strings.Index(p[lastSlash+1:], ";"); semi >= 0 {
		return p[:lastSlash+1+semi]
	}
	return p
}

// Schemeless renders host+path(+?query) without the scheme, the form prefix rules are matched against
func Schemeless(u *url.URL) string {
	if u == nil {
		return ""
	}
	s := strings.ToLower(u.Host) + u.EscapedPath()
	if u.RawQuery != "" {
		s += "?" + u.RawQuery
	}
	return s
}

// NormalizePrefix turns a configured URL prefix into its scheme-less, host-lowercased form
func NormalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if i := strings.Index(p, "://"); i >= 0 {
		p = p[i+3:]
	}
	p = strings.TrimPrefix(p, "//")
	if slash := strings.Index(p, "/"); slash >= 0 {
		return strings.ToLower(p[:slash]) + p[slash:]
	}
	return strings.ToLower(p)
}

// MatchesAnyPrefix reports whether the scheme-less form of u starts with any of the normalized prefixes
func MatchesAnyPrefix(u *url.URL, prefixes []string) bool {
	if len(prefixes) == 0 {
		return false
	}
	s := Schemeless(u)
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Canonicalizer produces canonical URLs and their identity keys
type Canonicalizer struct {
	paramIgnored []string
}

// NewCanonicalizer builds a Canonicalizer whose query/params stripping applies under paramIgnoredPrefixes
func NewCanonicalizer(paramIgnoredPrefixes []string) *Canonicalizer {
	c := &Canonicalizer{}
	for _, p := range paramIgnoredPrefixes {
		if np := NormalizePrefix(p); np != "" {
			c.paramIgnored = append(c.paramIgnored, np)
		}
	}
	return c
}

// IgnoresParameters reports whether u falls under a prefix whose query and params are not part of its identity
func (c *Canonicalizer) IgnoresParameters(u *url.URL) bool {
	if u == nil {
		return false
	}
	// Compare on the pre-strip form, the same way links are matched when discovered
	return MatchesAnyPrefix(normalized(u, false), c.paramIgnored)
}

// Parse parses an absolute http(s) URL string
func (c *Canonicalizer) Parse(rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, utils.WrapErrorf(utils.ErrParsing, "parse url '%s': %v", rawURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: url '%s' is not absolute", utils.ErrParsing, rawURL)
	}
	return parsed, nil
}

// Canonicalize returns the canonical string form of rawURL along with its parsed canonical URL
func (c *Canonicalizer) Canonicalize(rawURL string) (string, *url.URL, error) {
	parsed, err := c.Parse(rawURL)
	if err != nil {
		return "", nil, err
	}
	n := normalized(parsed, c.IgnoresParameters(parsed))
	return n.String(), n, nil
}

// Key canonicalizes rawURL and returns the stable identity key plus the canonical string
func (c *Canonicalizer) Key(rawURL string) (key string, canonical string, err error) {
	canonical, u, err := c.Canonicalize(rawURL)
	if err != nil {
		return "", "", err
	}
	return IdentityKey(u), canonical, nil
}

// IdentityKey hashes the identity of an already canonical URL
// The scheme and a leading "www." are not part of the identity
func IdentityKey(u *url.URL) string {
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	id := host + u.EscapedPath()
	if u.RawQuery != "" {
		id += "?" + u.RawQuery
	}
	return utils.CalculateStringSHA256(id)
}
