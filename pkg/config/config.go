package config

import "time"

// AllowedDomain is one entry of the crawl allow-list.
// With an empty PathPrefix the entry matches Domain and any of its subdomains;
// with a PathPrefix it matches Domain exactly and only paths under the prefix.
type AllowedDomain struct {
	Domain     string `yaml:"domain"`
	PathPrefix string `yaml:"path_prefix,omitempty"`
}

// AppConfig holds the crawler configuration
type AppConfig struct {
	UserAgent            string          `yaml:"user_agent"`
	SeedURLs             []string        `yaml:"seed_urls"`
	AllowedDomains       []AllowedDomain `yaml:"allowed_domains"`
	PolitenessDelay      time.Duration   `yaml:"politeness_delay"`                 // Minimum interval between two fetches to one host
	CooldownPollInterval time.Duration   `yaml:"cooldown_poll_interval,omitempty"` // Upper bound on a single wait inside TakeNext
	NumWorkers           int             `yaml:"num_workers"`
	StateDir             string          `yaml:"state_dir"` // Badger ledger + statistics
	LogDir               string          `yaml:"log_dir"`   // Plain-text report files and journal
	StatsFlushInterval   int             `yaml:"stats_flush_interval"`
	TopWords             int             `yaml:"top_words"`
	SubdomainFamily      string          `yaml:"subdomain_family,omitempty"` // Domain whose subdomains get discovery counts

	// Policy
	ParamIgnoredPrefixes   []string `yaml:"param_ignored_prefixes,omitempty"`   // URL prefixes (scheme ignored) whose query/params are dropped
	DenyPrefixes           []string `yaml:"deny_prefixes,omitempty"`            // URL prefixes (scheme ignored) never fetched
	DisallowedPathPatterns []string `yaml:"disallowed_path_patterns,omitempty"` // Regex patterns matched against host+path
	DenyExtensions         []string `yaml:"deny_extensions,omitempty"`          // File extensions never fetched, without the dot
	StopWords              []string `yaml:"stop_words,omitempty"`               // Extra stop words on top of the built-in list

	// Fetching
	CacheServer        string           `yaml:"cache_server,omitempty"` // Optional host:port used as HTTP proxy
	MaxRetries         int              `yaml:"max_retries,omitempty"`
	InitialRetryDelay  time.Duration    `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay      time.Duration    `yaml:"max_retry_delay,omitempty"`
	MaxBodyBytes       int64            `yaml:"max_body_bytes,omitempty"`
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`

	MetricsAddr string `yaml:"metrics_addr,omitempty"` // Empty disables the /metrics endpoint
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// DefaultDenyExtensions mirrors the binary/media extensions a text crawler never wants
var DefaultDenyExtensions = []string{
	"css", "js", "bmp", "gif", "jpg", "jpeg", "ico", "png", "tif", "tiff", "mid", "mp2", "mp3", "mp4",
	"wav", "avi", "mov", "mpeg", "ram", "m4v", "mkv", "ogg", "ogv", "pdf", "ps", "eps", "tex", "ppt",
	"pptx", "doc", "docx", "xls", "xlsx", "names", "data", "dat", "exe", "bz2", "tar", "msi", "bin",
	"7z", "psd", "dmg", "iso", "epub", "dll", "cnf", "tgz", "sha1", "thmx", "mso", "arff", "rtf", "jar",
	"csv", "rm", "smil", "wmv", "swf", "wma", "zip", "rar", "gz", "svg", "webp", "apk", "war", "img",
	"sql", "odp", "ods", "odt", "pps", "ppsx", "bib", "r", "m", "mat", "nb", "java", "py", "c", "cpp",
}

// LedgerDir is the badger directory under StateDir
func (c *AppConfig) LedgerDir() string {
	return joinPath(c.StateDir, "frontier_db")
}
