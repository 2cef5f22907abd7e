package parse

import (
	"net/url"
	"strings"

	"github.com/Sriram-PR/polite-crawler/pkg/config"
)

// DomainSet is the allow-list of hosts (and host+path sections) a crawl may visit
type DomainSet struct {
	rules []config.AllowedDomain
}

// NewDomainSet builds a DomainSet from configured rules
func NewDomainSet(rules []config.AllowedDomain) *DomainSet {
	ds := &DomainSet{rules: make([]config.AllowedDomain, 0, len(rules))}
	for _, r := range rules {
		d := strings.ToLower(strings.TrimSpace(r.Domain))
		if d == "" {
			continue
		}
		ds.rules = append(ds.rules, config.AllowedDomain{Domain: d, PathPrefix: r.PathPrefix})
	}
	return ds
}

// Contains reports whether u is inside the allowed set
func (d *DomainSet) Contains(u *url.URL) bool {
	if u == nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, r := range d.rules {
		if r.PathPrefix == "" {
			if IsSubdomainOf(host, r.Domain) {
				return true
			}
			continue
		}
		// Path-scoped rules match the exact host only
		if host == r.Domain && strings.HasPrefix(u.Path, r.PathPrefix) {
			return true
		}
	}
	return false
}

// IsSubdomainOf reports whether host equals domain or is a subdomain of it
func IsSubdomainOf(host, domain string) bool {
	host = strings.ToLower(host)
	domain = strings.ToLower(domain)
	return host == domain || strings.HasSuffix(host, "."+domain)
}
