// Package crawler runs the worker pool against a Frontier.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/polite-crawler/pkg/config"
	"github.com/Sriram-PR/polite-crawler/pkg/fetch"
	"github.com/Sriram-PR/polite-crawler/pkg/frontier"
	"github.com/Sriram-PR/polite-crawler/pkg/metrics"
	"github.com/Sriram-PR/polite-crawler/pkg/models"
	"github.com/Sriram-PR/polite-crawler/pkg/parse"
	"github.com/Sriram-PR/polite-crawler/pkg/process"
	"github.com/Sriram-PR/polite-crawler/pkg/storage"
)

const (
	progressInterval = 30 * time.Second
	gcInterval       = 10 * time.Minute
)

// Options tunes a Crawler. Zero values select the production collaborators.
type Options struct {
	Resume    bool
	Fetcher   PageFetcher
	Extractor PageExtractor
	Metrics   *metrics.Metrics
}

// Crawler owns the frontier, the shared collaborators and the worker pool
type Crawler struct {
	cfg      *config.AppConfig
	log      *logrus.Entry
	runID    string
	resume   bool
	frontier *frontier.Frontier
	urlLog   *storage.LineLog

	policy    *process.Policy
	canon     *parse.Canonicalizer
	fetcher   PageFetcher
	extractor PageExtractor
	metrics   *metrics.Metrics

	gcInterval time.Duration
}

// New prepares a crawl: it opens (or resets) the state under cfg.StateDir and the report files
// under cfg.LogDir. Resuming without saved state fails with utils.ErrNoResumeState.
func New(ctx context.Context, cfg *config.AppConfig, opts Options, baseLogger *logrus.Entry) (*Crawler, error) {
	runID := uuid.NewString()
	logger := baseLogger.WithField("run_id", runID)

	policy, err := process.NewPolicy(cfg)
	if err != nil {
		return nil, err
	}
	canon := parse.NewCanonicalizer(cfg.ParamIgnoredPrefixes)

	extractor := opts.Extractor
	if extractor == nil {
		extractor = process.NewExtractor(policy, canon, cfg.StopWords, logger.WithField("component", "extractor"))
	}

	fr, err := frontier.New(ctx, cfg, frontier.Options{
		Reset:     !opts.Resume,
		Validator: policy,
		Metrics:   opts.Metrics,
		RunID:     runID,
	}, logger)
	if err != nil {
		return nil, err
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		client, err := fetch.NewClient(cfg, logger)
		if err != nil {
			fr.Close()
			return nil, err
		}
		// Retries and redirect hops go through the frontier's per-host cooldown
		fetcher = fetch.NewFetcher(client, cfg, logger.WithField("component", "fetcher")).WithHostGate(fr)
	}

	urlLog, err := storage.OpenLineLog(cfg.ReportPath(config.URLListFile), !opts.Resume)
	if err != nil {
		fr.Close()
		return nil, err
	}

	return &Crawler{
		cfg:       cfg,
		log:       logger,
		runID:     runID,
		resume:    opts.Resume,
		frontier:  fr,
		urlLog:    urlLog,
		policy:    policy,
		canon:     canon,
		fetcher:   fetcher,
		extractor: extractor,
		metrics:   opts.Metrics,

		gcInterval: gcInterval,
	}, nil
}

// RunID identifies this process run in logs and run metadata
func (c *Crawler) RunID() string { return c.runID }

// Frontier exposes the crawl state, mainly for reporting
func (c *Crawler) Frontier() *frontier.Frontier { return c.frontier }

func (c *Crawler) newWorker(id int) *Worker {
	return &Worker{
		id:        id,
		cfg:       c.cfg,
		frontier:  c.frontier,
		fetcher:   c.fetcher,
		extractor: c.extractor,
		policy:    c.policy,
		canon:     c.canon,
		urlLog:    c.urlLog,
		metrics:   c.metrics,
		log:       c.log.WithField("worker_id", id),
	}
}

// Run starts the workers and blocks until all of them observe an empty frontier,
// one of them fails, or ctx is cancelled. Statistics are flushed before returning.
func (c *Crawler) Run(ctx context.Context) error {
	runLog := c.log.WithField("resume", c.resume)
	runLog.Infof("Crawl starting with %d worker(s)...", c.cfg.NumWorkers)
	start := time.Now()

	// Background tasks must be gone before Close releases the store
	bgCtx, stopBackground := context.WithCancel(ctx)
	var background errgroup.Group
	defer func() {
		stopBackground()
		background.Wait()
	}()

	background.Go(func() error {
		c.frontier.Store().RunGC(bgCtx, c.gcInterval)
		return nil
	})
	background.Go(func() error {
		c.reportProgress(bgCtx)
		return nil
	})

	var metricsSrv *http.Server
	if c.cfg.MetricsAddr != "" && c.metrics != nil {
		metricsSrv = c.serveMetrics()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= c.cfg.NumWorkers; i++ {
		w := c.newWorker(i)
		g.Go(func() error { return w.Run(gctx) })
	}
	runErr := g.Wait()
	stopBackground()
	background.Wait()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			runLog.Warnf("Metrics server shutdown: %v", err)
		}
		cancel()
	}

	flushErr := c.frontier.FlushStatistics()
	if flushErr != nil {
		runLog.Errorf("Final statistics flush failed: %v", flushErr)
	}

	stats := c.frontier.Stats()
	longest := c.frontier.Statistics().LongestPage
	runLog.Info("========================================================================")
	runLog.Info("CRAWL FINISHED")
	runLog.Infof("Duration:      %v", time.Since(start))
	runLog.Infof("Ledger:        %d records, %d pending, %d completed this run", stats.LedgerRecords, stats.Pending, stats.CompletedThisRun)
	runLog.Infof("Journal:       %d filtered URLs", stats.Journaled)
	runLog.Infof("Longest page:  %s (%d tokens)", longest.URL, longest.TokenCount)
	runLog.Info("========================================================================")

	if runErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Join(runErr, flushErr)
}

func (c *Crawler) reportProgress(ctx context.Context) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := c.frontier.Stats()
			c.log.WithFields(logrus.Fields{
				"pending":        s.Pending,
				"pending_hosts":  s.PendingHosts,
				"in_flight":      s.InFlight,
				"ledger_records": s.LedgerRecords,
				"completed":      s.CompletedThisRun,
				"journaled":      s.Journaled,
			}).Info("Crawl Progress")
		}
	}
}

func (c *Crawler) serveMetrics() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.metrics.Handler())
	srv := &http.Server{
		Addr:              c.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		c.log.Infof("Serving metrics on http://%s/metrics", c.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Errorf("Metrics server failed: %v", err)
		}
	}()
	return srv
}

// Close releases the discovered-URL log and the frontier
func (c *Crawler) Close() error {
	return errors.Join(c.urlLog.Close(), c.frontier.Close())
}

// Report opens the saved state under cfg.StateDir without crawling and rewrites the report files
// from it. The ledger and the run metadata are left as they are. It fails with utils.ErrNoResumeState when there is nothing to report on.
func Report(ctx context.Context, cfg *config.AppConfig, baseLogger *logrus.Entry) (frontier.Stats, models.CrawlStatistics, error) {
	logger := baseLogger.WithField("run_id", uuid.NewString())
	fr, err := frontier.New(ctx, cfg, frontier.Options{ReportOnly: true}, logger)
	if err != nil {
		return frontier.Stats{}, models.CrawlStatistics{}, err
	}

	flushErr := fr.FlushStatistics()
	stats := fr.Stats()
	crawlStats := fr.Statistics()
	if err := errors.Join(flushErr, fr.Close()); err != nil {
		return stats, crawlStats, fmt.Errorf("exporting reports: %w", err)
	}
	return stats, crawlStats, nil
}
