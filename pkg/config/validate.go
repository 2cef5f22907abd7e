package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Sriram-PR/polite-crawler/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// Required: seeds and allow-list
	if len(c.SeedURLs) == 0 {
		return nil, fmt.Errorf("%w: seed_urls is empty", utils.ErrConfigValidation)
	}
	if len(c.AllowedDomains) == 0 {
		return nil, fmt.Errorf("%w: allowed_domains is empty", utils.ErrConfigValidation)
	}
	for i := range c.AllowedDomains {
		d := &c.AllowedDomains[i]
		d.Domain = strings.ToLower(strings.TrimSpace(d.Domain))
		if d.Domain == "" {
			return nil, fmt.Errorf("%w: allowed_domains[%d] has no domain", utils.ErrConfigValidation, i)
		}
		if d.PathPrefix != "" && d.PathPrefix[0] != '/' {
			d.PathPrefix = "/" + d.PathPrefix
		}
	}
	for _, seed := range c.SeedURLs {
		if _, perr := url.ParseRequestURI(seed); perr != nil {
			warnings = append(warnings, fmt.Sprintf("seed url '%s' is malformed and will be skipped: %v", seed, perr))
		}
	}
	if _, rerr := utils.CompileRegexPatterns(c.DisallowedPathPatterns); rerr != nil {
		return warnings, rerr
	}

	if c.UserAgent == "" {
		warnings = append(warnings, "user_agent is empty, defaulting to 'polite-crawler/1.0'")
		c.UserAgent = "polite-crawler/1.0"
	}

	// NumWorkers
	if c.NumWorkers <= 0 {
		warnings = append(warnings, "num_workers should be > 0, defaulting to 4")
		c.NumWorkers = 4
	}

	// PolitenessDelay
	if c.PolitenessDelay < 0 {
		warnings = append(warnings, "politeness_delay cannot be negative, defaulting to 500ms")
		c.PolitenessDelay = 500 * time.Millisecond
	} else if c.PolitenessDelay == 0 {
		warnings = append(warnings, "politeness_delay not set, defaulting to 500ms")
		c.PolitenessDelay = 500 * time.Millisecond
	}
	if c.CooldownPollInterval <= 0 {
		c.CooldownPollInterval = 50 * time.Millisecond
	}

	// StateDir / LogDir
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './crawler_state'")
		c.StateDir = "./crawler_state"
	}
	if c.LogDir == "" {
		warnings = append(warnings, "log_dir is empty, defaulting to './Logs'")
		c.LogDir = "./Logs"
	}

	// Statistics
	if c.StatsFlushInterval <= 0 {
		warnings = append(warnings, "stats_flush_interval should be > 0, defaulting to 100")
		c.StatsFlushInterval = 100
	}
	if c.TopWords <= 0 {
		c.TopWords = 50
	}
	c.SubdomainFamily = strings.ToLower(strings.TrimSpace(c.SubdomainFamily))

	if len(c.DenyExtensions) == 0 {
		c.DenyExtensions = DefaultDenyExtensions
	}

	// MaxRetries
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}

	// Retry delays (only if retries enabled)
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
		// A retry is another hit on the same host
		if c.InitialRetryDelay < c.PolitenessDelay {
			warnings = append(warnings, fmt.Sprintf(
				"initial_retry_delay (%v) < politeness_delay (%v), raising it to politeness_delay",
				c.InitialRetryDelay, c.PolitenessDelay))
			c.InitialRetryDelay = c.PolitenessDelay
		}
	}

	// InitialRetryDelay > MaxRetryDelay check
	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}

	c.validateHTTPClientSettings()

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}
