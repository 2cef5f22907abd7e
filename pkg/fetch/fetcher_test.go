package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/polite-crawler/pkg/config"
	"github.com/Sriram-PR/polite-crawler/pkg/utils"
)

// testConfig returns an AppConfig with fast retry delays for testing
func testConfig(maxRetries int) *config.AppConfig {
	return &config.AppConfig{
		UserAgent:         "polite-crawler-test",
		MaxRetries:        maxRetries,
		InitialRetryDelay: 10 * time.Millisecond,
		MaxRetryDelay:     50 * time.Millisecond,
		MaxBodyBytes:      1 << 20,
	}
}

// testLogger returns a logger that discards output
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// testClient returns an http.Client suitable for testing
func testClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// mockServer creates an httptest.Server that returns status codes in sequence.
// Returns the server and an atomic counter tracking request attempts.
func mockServer(t *testing.T, statusCodes []int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	attemptCount := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := int(attemptCount.Add(1)) - 1
		if idx >= len(statusCodes) {
			idx = len(statusCodes) - 1 // repeat last status
		}
		w.WriteHeader(statusCodes[idx])
	}))
	t.Cleanup(server.Close)
	return server, attemptCount
}

func newRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest(%q): %v", url, err)
	}
	return req
}

// --- FetchWithRetry ---

func TestFetchWithRetry_RetryOutcomes(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		maxRetries   int
		wantStatus   int // 0 means no response expected
		wantErr      error
		wantAttempts int32
	}{
		{"200 OK", []int{200}, 3, 200, nil, 1},
		{"204 No Content", []int{204}, 3, 204, nil, 1},
		{"500 then success", []int{500, 500, 200}, 3, 200, nil, 3},
		{"429 then success", []int{429, 200}, 3, 200, nil, 2},
		{"mixed transient errors", []int{500, 429, 500, 200}, 3, 200, nil, 4},
		{"500 exhausted", []int{500}, 3, 0, utils.ErrServerHTTPError, 4},
		{"429 exhausted", []int{429}, 3, 0, utils.ErrClientHTTPError, 4},
		{"zero retries", []int{500}, 0, 0, utils.ErrRetryFailed, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, attempts := mockServer(t, tt.statuses)
			fetcher := NewFetcher(testClient(), testConfig(tt.maxRetries), testLogger())

			resp, err := fetcher.FetchWithRetry(context.Background(), newRequest(t, server.URL))
			if resp != nil {
				defer resp.Body.Close()
			}

			if tt.wantStatus != 0 {
				if err != nil {
					t.Fatalf("expected no error, got: %v", err)
				}
				if resp == nil || resp.StatusCode != tt.wantStatus {
					t.Fatalf("expected status %d, got %+v", tt.wantStatus, resp)
				}
			} else {
				if resp != nil {
					t.Error("expected nil response when all retries fail")
				}
				if !errors.Is(err, utils.ErrRetryFailed) {
					t.Errorf("expected ErrRetryFailed, got: %v", err)
				}
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected wrapped %v, got: %v", tt.wantErr, err)
				}
			}
			if attempts.Load() != tt.wantAttempts {
				t.Errorf("expected %d attempts, got %d", tt.wantAttempts, attempts.Load())
			}
		})
	}
}

func TestFetchWithRetry_ClientError_NoRetry(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusUnauthorized, http.StatusBadRequest} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			server, attempts := mockServer(t, []int{code})
			fetcher := NewFetcher(testClient(), testConfig(3), testLogger())

			resp, err := fetcher.FetchWithRetry(context.Background(), newRequest(t, server.URL))
			if resp == nil {
				t.Fatal("expected response for 4xx (caller may need to inspect)")
			}
			defer resp.Body.Close()

			if !errors.Is(err, utils.ErrClientHTTPError) {
				t.Errorf("expected ErrClientHTTPError, got: %v", err)
			}
			var se *HTTPStatusError
			if !errors.As(err, &se) || se.StatusCode != code {
				t.Errorf("expected HTTPStatusError with code %d, got: %v", code, err)
			}
			if attempts.Load() != 1 {
				t.Errorf("expected 1 attempt (no retry for 4xx), got %d", attempts.Load())
			}
		})
	}
}

func TestFetchWithRetry_404IsCategorized(t *testing.T) {
	server, _ := mockServer(t, []int{404})
	fetcher := NewFetcher(testClient(), testConfig(0), testLogger())

	resp, err := fetcher.FetchWithRetry(context.Background(), newRequest(t, server.URL))
	if resp != nil {
		resp.Body.Close()
	}
	if got := utils.CategorizeError(err); got != "HTTP_404" {
		t.Errorf("CategorizeError = %q, want HTTP_404 (err: %v)", got, err)
	}
}

func TestFetchWithRetry_OtherStatus(t *testing.T) {
	server, attempts := mockServer(t, []int{304})
	fetcher := NewFetcher(testClient(), testConfig(3), testLogger())

	resp, err := fetcher.FetchWithRetry(context.Background(), newRequest(t, server.URL))
	if resp == nil {
		t.Fatal("expected response for non-2xx")
	}
	defer resp.Body.Close()

	if !errors.Is(err, utils.ErrOtherHTTPError) {
		t.Errorf("expected ErrOtherHTTPError, got: %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_ContextCancelled_BeforeAttempt(t *testing.T) {
	server, attempts := mockServer(t, []int{200})
	fetcher := NewFetcher(testClient(), testConfig(3), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := fetcher.FetchWithRetry(ctx, newRequest(t, server.URL))
	if resp != nil {
		resp.Body.Close()
		t.Error("expected nil response for cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
	if attempts.Load() != 0 {
		t.Errorf("expected 0 attempts, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_ContextTimeout_DuringBackoff(t *testing.T) {
	server, attempts := mockServer(t, []int{500})

	cfg := testConfig(3)
	cfg.InitialRetryDelay = 10 * time.Second
	cfg.MaxRetryDelay = 10 * time.Second
	fetcher := NewFetcher(testClient(), cfg, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	resp, err := fetcher.FetchWithRetry(ctx, newRequest(t, server.URL))
	if resp != nil {
		resp.Body.Close()
		t.Error("expected nil response")
	}
	if err == nil {
		t.Fatal("expected error for timed out context")
	}
	if !errors.Is(err, utils.ErrServerHTTPError) {
		t.Errorf("expected the last attempt's error to be kept, got: %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt before timeout, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_ContextTimeout_DuringRequest(t *testing.T) {
	slowServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(slowServer.Close)

	fetcher := NewFetcher(testClient(), testConfig(3), testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	resp, err := fetcher.FetchWithRetry(ctx, newRequest(t, slowServer.URL))
	if resp != nil {
		resp.Body.Close()
		t.Error("expected nil response")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got: %v", err)
	}
}

func TestFetchWithRetry_NetworkError_RetrySuccess(t *testing.T) {
	attemptCount := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attemptCount.Add(1) == 1 {
			// Close connection to simulate network error
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("server doesn't support hijacking")
				return
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	fetcher := NewFetcher(testClient(), testConfig(3), testLogger())
	resp, err := fetcher.FetchWithRetry(context.Background(), newRequest(t, server.URL))
	if err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	defer resp.Body.Close()

	if attemptCount.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attemptCount.Load())
	}
}

func TestRetryDelay_NeverBelowPoliteness(t *testing.T) {
	cfg := testConfig(3)
	cfg.PolitenessDelay = 500 * time.Millisecond
	fetcher := NewFetcher(testClient(), cfg, testLogger())

	for attempt := 1; attempt <= 3; attempt++ {
		if d := fetcher.retryDelay(attempt); d < cfg.PolitenessDelay {
			t.Errorf("retryDelay(%d) = %v, want >= %v", attempt, d, cfg.PolitenessDelay)
		}
	}
}

// --- Fetch ---

func TestFetch_HTMLPage(t *testing.T) {
	var gotUA atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.UserAgent())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, "<html><body>hello</body></html>")
	}))
	t.Cleanup(server.Close)

	fetcher := NewFetcher(testClient(), testConfig(0), testLogger())
	resp := fetcher.Fetch(context.Background(), server.URL+"/page")

	if resp.Status != http.StatusOK || resp.Error != "" {
		t.Fatalf("Fetch() = status %d error %q, want 200 and no error", resp.Status, resp.Error)
	}
	if resp.ContentType() != "text/html; charset=utf-8" {
		t.Errorf("ContentType() = %q", resp.ContentType())
	}
	if string(resp.Body) != "<html><body>hello</body></html>" {
		t.Errorf("Body = %q", resp.Body)
	}
	if gotUA.Load() != "polite-crawler-test" {
		t.Errorf("User-Agent = %v, want polite-crawler-test", gotUA.Load())
	}
}

func TestFetch_StatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
		want     int
	}{
		{"not found keeps code", []int{404}, 404},
		{"server error after retries keeps code", []int{503}, 503},
		{"rate limited after retries keeps code", []int{429}, 429},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := mockServer(t, tt.statuses)
			fetcher := NewFetcher(testClient(), testConfig(1), testLogger())

			resp := fetcher.Fetch(context.Background(), server.URL)
			if resp.Status != tt.want {
				t.Errorf("Status = %d, want %d (error %q)", resp.Status, tt.want, resp.Error)
			}
		})
	}
}

func TestFetch_TransportFailures(t *testing.T) {
	fetcher := NewFetcher(testClient(), testConfig(0), testLogger())

	t.Run("bad url", func(t *testing.T) {
		resp := fetcher.Fetch(context.Background(), "http://[::1")
		if resp.Status != StatusRequestError || resp.Error == "" {
			t.Errorf("Fetch() = %d %q, want %d with error", resp.Status, resp.Error, StatusRequestError)
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		addr := server.URL
		server.Close()

		resp := fetcher.Fetch(context.Background(), addr)
		if resp.Status != StatusTransportError || resp.Error == "" {
			t.Errorf("Fetch() = %d %q, want %d with error", resp.Status, resp.Error, StatusTransportError)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		server, _ := mockServer(t, []int{200})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		resp := fetcher.Fetch(ctx, server.URL)
		if resp.Status != StatusCancelled {
			t.Errorf("Status = %d, want %d", resp.Status, StatusCancelled)
		}
	})
}

func TestFetch_BodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("a", 4096))
	}))
	t.Cleanup(server.Close)

	cfg := testConfig(0)
	cfg.MaxBodyBytes = 100
	resp := NewFetcher(testClient(), cfg, testLogger()).Fetch(context.Background(), server.URL)

	if len(resp.Body) != 100 {
		t.Errorf("len(Body) = %d, want 100", len(resp.Body))
	}
}

func TestNewClient_CacheServerProxy(t *testing.T) {
	var proxiedHost atomic.Value
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxiedHost.Store(r.URL.Host)
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>cached</html>")
	}))
	t.Cleanup(proxy.Close)

	cfg := testConfig(0)
	cfg.CacheServer = strings.TrimPrefix(proxy.URL, "http://")
	client, err := NewClient(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}

	resp := NewFetcher(client, cfg, testLogger()).Fetch(context.Background(), "http://www.ics.uci.edu/")
	if resp.Status != http.StatusOK || string(resp.Body) != "<html>cached</html>" {
		t.Fatalf("Fetch() through cache = %d %q", resp.Status, resp.Body)
	}
	if proxiedHost.Load() != "www.ics.uci.edu" {
		t.Errorf("proxy saw host %v, want www.ics.uci.edu", proxiedHost.Load())
	}
}

func TestNewClient_InvalidCacheServer(t *testing.T) {
	cfg := testConfig(0)
	cfg.CacheServer = "http://"
	if _, err := NewClient(cfg, testLogger()); !errors.Is(err, utils.ErrConfigValidation) {
		t.Errorf("NewClient() error = %v, want ErrConfigValidation", err)
	}
}

// recordingGate admits every request and remembers which URLs asked
type recordingGate struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (g *recordingGate) AwaitHost(_ context.Context, rawURL string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.urls = append(g.urls, rawURL)
	return g.err
}

func (g *recordingGate) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.urls...)
}

func TestFetch_ClientTimeoutIsRetried(t *testing.T) {
	hits := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-time.After(200 * time.Millisecond):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client := testClient()
	client.Timeout = 50 * time.Millisecond
	resp := NewFetcher(client, testConfig(2), testLogger()).Fetch(context.Background(), server.URL)

	if resp.Status != StatusTimeout {
		t.Errorf("Status = %d, want %d (error %q)", resp.Status, StatusTimeout, resp.Error)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestFetchWithRetry_RetriesWaitForHostGate(t *testing.T) {
	server, attempts := mockServer(t, []int{http.StatusServiceUnavailable, http.StatusOK})
	gate := &recordingGate{}
	fetcher := NewFetcher(testClient(), testConfig(2), testLogger()).WithHostGate(gate)

	resp, err := fetcher.FetchWithRetry(context.Background(), newRequest(t, server.URL))
	if err != nil {
		t.Fatalf("FetchWithRetry() error: %v", err)
	}
	resp.Body.Close()

	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts.Load())
	}
	if got := gate.calls(); len(got) != 1 || got[0] != server.URL {
		t.Errorf("gate calls = %v, want one call for %s", got, server.URL)
	}
}

func TestFetchWithRetry_GateErrorStopsRetries(t *testing.T) {
	server, attempts := mockServer(t, []int{http.StatusServiceUnavailable})
	gate := &recordingGate{err: errors.New("frontier closed")}
	fetcher := NewFetcher(testClient(), testConfig(3), testLogger()).WithHostGate(gate)

	resp := fetcher.Fetch(context.Background(), server.URL)
	if resp.Status != StatusTransportError {
		t.Errorf("Status = %d, want %d (error %q)", resp.Status, StatusTransportError, resp.Error)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts.Load())
	}
}

func TestFetch_RedirectHopsWaitForHostGate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>end</html>")
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	gate := &recordingGate{}
	resp := NewFetcher(testClient(), testConfig(0), testLogger()).WithHostGate(gate).Fetch(context.Background(), server.URL+"/start")

	if resp.Status != http.StatusOK || resp.URL != server.URL+"/end" {
		t.Fatalf("Fetch() = %d %s, want 200 %s/end", resp.Status, resp.URL, server.URL)
	}
	if got := gate.calls(); len(got) != 1 || got[0] != server.URL+"/end" {
		t.Errorf("gate calls = %v, want one call for the redirect target", got)
	}
}

func TestFetch_RedirectRefusedByGate(t *testing.T) {
	endHits := &atomic.Int32{}
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		endHits.Add(1)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	gate := &recordingGate{err: errors.New("frontier closed")}
	resp := NewFetcher(testClient(), testConfig(0), testLogger()).WithHostGate(gate).Fetch(context.Background(), server.URL+"/start")

	if resp.Status != StatusTransportError {
		t.Errorf("Status = %d, want %d", resp.Status, StatusTransportError)
	}
	if endHits.Load() != 0 {
		t.Errorf("redirect target was requested %d time(s)", endHits.Load())
	}
}
