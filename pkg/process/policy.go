package process

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/Sriram-PR/polite-crawler/pkg/config"
	"github.com/Sriram-PR/polite-crawler/pkg/parse"
	"github.com/Sriram-PR/polite-crawler/pkg/utils"
)

// Policy is the allow/deny predicate every URL passes before it is fetched
type Policy struct {
	domains        *parse.DomainSet
	denyExtensions map[string]struct{}
	denyPrefixes   []string         // Scheme-less, host lowercased
	disallowed     []*regexp.Regexp // Matched against the scheme-less URL
}

// NewPolicy builds a Policy from a validated configuration
func NewPolicy(cfg *config.AppConfig) (*Policy, error) {
	compiled, err := utils.CompileRegexPatterns(cfg.DisallowedPathPatterns)
	if err != nil {
		return nil, err
	}

	p := &Policy{
		domains:        parse.NewDomainSet(cfg.AllowedDomains),
		denyExtensions: make(map[string]struct{}, len(cfg.DenyExtensions)),
		disallowed:     compiled,
	}
	for _, ext := range cfg.DenyExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			p.denyExtensions[ext] = struct{}{}
		}
	}
	for _, prefix := range cfg.DenyPrefixes {
		if np := parse.NormalizePrefix(prefix); np != "" {
			p.denyPrefixes = append(p.denyPrefixes, np)
		}
	}
	return p, nil
}

// Rejection is the error Verify returns for a URL that may not be fetched
// It unwraps to utils.ErrScopeViolation, utils.ErrPolicyFiltered or utils.ErrParsing
type Rejection struct {
	Reason string
	kind   error
}

func (r *Rejection) Error() string { return r.Reason }

func (r *Rejection) Unwrap() error { return r.kind }

func reject(kind error, reason string) *Rejection {
	return &Rejection{Reason: reason, kind: kind}
}

// IsValid reports whether rawURL may be fetched
func (p *Policy) IsValid(rawURL string) bool {
	return p.Verify(rawURL) == nil
}

// Verify returns nil when rawURL may be fetched and a *Rejection otherwise
func (p *Policy) Verify(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return reject(utils.ErrParsing, "malformed url")
	}
	return p.verifyURL(u)
}

func (p *Policy) verifyURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return reject(utils.ErrScopeViolation, "unsupported scheme '"+u.Scheme+"'")
	}
	if u.Host == "" {
		return reject(utils.ErrParsing, "missing host")
	}

	if ext, denied := p.deniedExtension(u); denied {
		return reject(utils.ErrPolicyFiltered, "denied extension ."+ext)
	}

	if parse.MatchesAnyPrefix(u, p.denyPrefixes) {
		return reject(utils.ErrPolicyFiltered, "denied prefix")
	}

	target := parse.Schemeless(u)
	for _, re := range p.disallowed {
		if re.MatchString(target) {
			return reject(utils.ErrPolicyFiltered, "disallowed pattern "+re.String())
		}
	}

	if !p.domains.Contains(u) {
		return reject(utils.ErrScopeViolation, "outside allowed domains")
	}
	return nil
}

// deniedExtension checks the path extension and the end of the full URL,
// so "/get?file=paper.pdf" is caught as well as "/paper.pdf"
func (p *Policy) deniedExtension(u *url.URL) (string, bool) {
	if len(p.denyExtensions) == 0 {
		return "", false
	}
	if ext := strings.TrimPrefix(path.Ext(strings.ToLower(u.Path)), "."); ext != "" {
		if _, ok := p.denyExtensions[ext]; ok {
			return ext, true
		}
	}
	full := strings.ToLower(u.String())
	if dot := strings.LastIndex(full, "."); dot >= 0 {
		ext := full[dot+1:]
		if _, ok := p.denyExtensions[ext]; ok {
			return ext, true
		}
	}
	return "", false
}
