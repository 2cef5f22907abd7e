package fetch

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/polite-crawler/pkg/config"
	"github.com/Sriram-PR/polite-crawler/pkg/utils"
)

// NewClient creates the shared HTTP client from the configuration.
// When a cache server is configured every request goes through it as an HTTP proxy.
func NewClient(cfg *config.AppConfig, log *logrus.Entry) (*http.Client, error) {
	hc := cfg.HTTPClientSettings

	dialer := &net.Dialer{
		Timeout:   hc.DialerTimeout,
		KeepAlive: hc.DialerKeepAlive,
	}

	proxy := http.ProxyFromEnvironment
	if cfg.CacheServer != "" {
		proxyURL, err := cacheServerURL(cfg.CacheServer)
		if err != nil {
			return nil, err
		}
		log.Infof("Routing fetches through cache server %s", proxyURL.Host)
		proxy = http.ProxyURL(proxyURL)
	}

	transport := &http.Transport{
		Proxy:                  proxy,
		DialContext:            dialer.DialContext,
		ForceAttemptHTTP2:      true,
		MaxIdleConns:           hc.MaxIdleConns,
		MaxIdleConnsPerHost:    hc.MaxIdleConnsPerHost,
		IdleConnTimeout:        hc.IdleConnTimeout,
		TLSHandshakeTimeout:    hc.TLSHandshakeTimeout,
		ExpectContinueTimeout:  hc.ExpectContinueTimeout,
		MaxResponseHeaderBytes: 1 << 20,
	}
	if hc.ForceAttemptHTTP2 != nil {
		transport.ForceAttemptHTTP2 = *hc.ForceAttemptHTTP2
	}

	return &http.Client{
		Timeout:   hc.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			log.Debugf("Redirecting: %s -> %s (hop %d)", via[len(via)-1].URL, req.URL, len(via))
			return nil
		},
	}, nil
}

// cacheServerURL accepts "host:port" or a full http URL
func cacheServerURL(server string) (*url.URL, error) {
	raw := strings.TrimSpace(server)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid cache_server '%s'", utils.ErrConfigValidation, server)
	}
	return u, nil
}
