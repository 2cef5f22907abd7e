package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/polite-crawler/pkg/config"
	"github.com/Sriram-PR/polite-crawler/pkg/models"
	"github.com/Sriram-PR/polite-crawler/pkg/utils"
)

// Status codes >= 600 describe failures that produced no HTTP response
const (
	StatusRequestError   = 600 // The request could not be built (bad URL)
	StatusTransportError = 601 // Network failure after all retries
	StatusBodyReadError  = 602 // Response started but the body could not be read
	StatusCancelled      = 603 // The caller's context ended before a response arrived
	StatusTimeout        = 604 // Every attempt timed out (client timeout, not cancellation)
)

// HTTPStatusError reports a non-2xx response and unwraps to the sentinel for its status class
type HTTPStatusError struct {
	StatusCode int
	Status     string
	Class      error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%v: status %d %s", e.Class, e.StatusCode, e.Status)
}

func (e *HTTPStatusError) Unwrap() error { return e.Class }

func statusError(resp *http.Response) *HTTPStatusError {
	class := utils.ErrOtherHTTPError
	switch {
	case resp.StatusCode >= 500:
		class = utils.ErrServerHTTPError
	case resp.StatusCode >= 400:
		class = utils.ErrClientHTTPError
	}
	return &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status, Class: class}
}

// HostGate spaces out requests to one host. AwaitHost blocks until rawURL's host may be
// contacted again and claims that slot.
type HostGate interface {
	AwaitHost(ctx context.Context, rawURL string) error
}

// Fetcher handles making HTTP requests with configured retry logic, using an underlying http.Client
type Fetcher struct {
	client *http.Client
	cfg    *config.AppConfig
	log    *logrus.Entry
	gate   HostGate // Optional; admits retries and redirect hops
}

// NewFetcher creates a new Fetcher instance.
// The client is copied so redirect hops can be routed through the host gate.
func NewFetcher(client *http.Client, cfg *config.AppConfig, log *logrus.Entry) *Fetcher {
	f := &Fetcher{
		cfg: cfg,
		log: log,
	}
	c := *client
	next := client.CheckRedirect
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if next != nil {
			if err := next(req, via); err != nil {
				return err
			}
		} else if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return f.admit(req.Context(), req.URL.String())
	}
	f.client = &c
	return f
}

// WithHostGate makes every request beyond the first attempt of a fetch wait for gate
func (f *Fetcher) WithHostGate(gate HostGate) *Fetcher {
	f.gate = gate
	return f
}

func (f *Fetcher) admit(ctx context.Context, rawURL string) error {
	if f.gate == nil {
		return nil
	}
	return f.gate.AwaitHost(ctx, rawURL)
}

// Fetch downloads rawURL and describes the outcome as a models.Response.
// Failures are reported through Status and Error, never as a Go error: 4xx/5xx keep their
// HTTP code, failures without a response use the 6xx codes above.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) *models.Response {
	out := &models.Response{URL: rawURL}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		out.Status = StatusRequestError
		out.Error = fmt.Errorf("%w: %w", utils.ErrRequestCreation, err).Error()
		return out
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := f.FetchWithRetry(ctx, req)
	if resp == nil {
		var se *HTTPStatusError
		switch {
		case ctx.Err() != nil:
			out.Status = StatusCancelled
		case errors.As(err, &se):
			out.Status = se.StatusCode
		case isTimeout(err):
			out.Status = StatusTimeout
		default:
			out.Status = StatusTransportError
		}
		if err != nil {
			out.Error = err.Error()
		}
		return out
	}
	defer resp.Body.Close()

	out.Status = resp.StatusCode
	out.Headers = resp.Header
	if resp.Request != nil && resp.Request.URL != nil {
		out.URL = resp.Request.URL.String() // After redirects
	}

	limit := f.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, limit))
	if readErr != nil {
		out.Status = StatusBodyReadError
		out.Error = fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, readErr).Error()
		return out
	}
	out.Body = body
	return out
}

// retryDelay computes initial * 2^(attempt-1), capped by the max delay, with +/- 10% jitter
func (f *Fetcher) retryDelay(attempt int) time.Duration {
	backoff := float64(f.cfg.InitialRetryDelay) * math.Pow(2, float64(attempt-1))
	delay := time.Duration(backoff)
	if delay <= 0 || delay > f.cfg.MaxRetryDelay {
		delay = f.cfg.MaxRetryDelay
	}
	if delay/5 > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/5)) - delay/10
	}
	// A retry is another request to the same host
	if delay < f.cfg.PolitenessDelay {
		delay = f.cfg.PolitenessDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// isTimeout reports a client-side timeout; only meaningful once the caller's context is known to be live
func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func drainAndClose(resp *http.Response) {
	if resp != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// FetchWithRetry performs req, retrying transport errors, timeouts, 5xx and 429 with exponential
// backoff. Every retry also waits for the host gate, if any.
// 2xx responses are returned with a nil error. Other 4xx and unexpected statuses are returned
// together with an *HTTPStatusError and are not retried; the caller must close their body.
func (f *Fetcher) FetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	reqLog := f.log.WithField("url", req.URL.String())
	maxRetries := f.cfg.MaxRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := f.retryDelay(attempt)
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": maxRetries, "delay": delay}).Warn("Retrying request...")

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("context cancelled (%v) during retry delay after error: %w", ctx.Err(), lastErr)
			}
			if err := f.admit(ctx, req.URL.String()); err != nil {
				return nil, fmt.Errorf("waiting for host before retry (last error: %v): %w", lastErr, err)
			}
		} else if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled before first attempt: %w", err)
		}

		resp, err := f.client.Do(req.WithContext(ctx))
		if err != nil {
			drainAndClose(resp)
			if ctx.Err() != nil {
				reqLog.Warnf("Context cancelled during HTTP request execution: %v", err)
				return nil, err
			}
			if isTimeout(err) {
				reqLog.WithField("attempt", attempt).Warnf("Request timed out: %v", err)
			} else {
				reqLog.WithField("attempt", attempt).Errorf("Network error: %v", err)
			}
			lastErr = err
			continue
		}

		resLog := reqLog.WithFields(logrus.Fields{"status_code": resp.StatusCode, "attempt": attempt})
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			resLog.Debug("Successfully fetched")
			return resp, nil

		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			resLog.Warn("Transient HTTP error, retrying...")
			lastErr = statusError(resp)
			drainAndClose(resp)
			continue

		default:
			resLog.Debug("Non-retryable status")
			return resp, statusError(resp)
		}
	}

	reqLog.Errorf("All %d fetch attempts failed. Last error: %v", maxRetries+1, lastErr)
	if lastErr == nil {
		return nil, utils.ErrRetryFailed
	}
	return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
}
