package crawler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/polite-crawler/pkg/config"
	"github.com/Sriram-PR/polite-crawler/pkg/fetch"
	"github.com/Sriram-PR/polite-crawler/pkg/frontier"
	"github.com/Sriram-PR/polite-crawler/pkg/metrics"
	"github.com/Sriram-PR/polite-crawler/pkg/models"
	"github.com/Sriram-PR/polite-crawler/pkg/parse"
	"github.com/Sriram-PR/polite-crawler/pkg/storage"
	"github.com/Sriram-PR/polite-crawler/pkg/utils"
)

// Journal reasons recorded by workers
const (
	ReasonPolicy             = "filtered by policy"
	ReasonDuplicateParameter = "duplicate ignoring parameters"
)

// PageFetcher downloads a single URL; failures are described in the Response
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) *models.Response
}

// PageExtractor classifies a fetch outcome and pulls out links and word tokens
type PageExtractor interface {
	Extract(pageURL string, resp *models.Response) models.ScrapeResult
}

// URLPolicy decides whether a URL may be fetched; a non-nil error is the rejection
type URLPolicy interface {
	Verify(rawURL string) error
}

// Worker fetches and processes one URL at a time until the frontier runs dry
type Worker struct {
	id        int
	cfg       *config.AppConfig
	frontier  *frontier.Frontier
	fetcher   PageFetcher
	extractor PageExtractor
	policy    URLPolicy
	canon     *parse.Canonicalizer
	urlLog    *storage.LineLog // Discovered-URL sink
	metrics   *metrics.Metrics
	log       *logrus.Entry

	processed int
}

// Run loops until TakeNext reports no more work, ctx ends, or a durable write fails
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Worker starting")
	w.metrics.WorkerStarted()
	defer w.metrics.WorkerStopped()

	for {
		next, ok, err := w.frontier.TakeNext(ctx)
		if err != nil {
			if errors.Is(err, utils.ErrFrontierInvariant) {
				w.log.WithField("category", utils.CategorizeError(err)).Error(err)
				w.metrics.WorkerError(utils.CategorizeError(err))
				continue
			}
			if ctx.Err() != nil {
				w.log.Warnf("Worker shutting down due to context cancellation: %v", ctx.Err())
				return ctx.Err()
			}
			return err
		}
		if !ok {
			w.log.WithField("processed", w.processed).Info("Frontier is empty. Stopping worker.")
			return nil
		}

		if err := w.process(ctx, next); err != nil {
			if ctx.Err() != nil {
				w.log.Warnf("Worker shutting down due to context cancellation: %v", ctx.Err())
				return ctx.Err()
			}
			category := utils.CategorizeError(err)
			w.metrics.WorkerError(category)
			w.log.WithFields(logrus.Fields{"url": next, "category": category}).Errorf("Worker stopping: %v", err)
			return err
		}
		w.processed++

		if err := sleepCtx(ctx, w.cfg.PolitenessDelay); err != nil {
			w.log.Warnf("Worker shutting down due to context cancellation: %v", err)
			return err
		}
	}
}

// process runs one fetch-process-report cycle for pageURL
func (w *Worker) process(ctx context.Context, pageURL string) (err error) {
	taskLog := w.log.WithField("url", pageURL)

	defer func() {
		if r := recover(); r != nil {
			taskLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered while processing URL")
			w.metrics.WorkerError("Panic")
			reason := fmt.Sprintf("worker panic: %v", r)
			err = errors.Join(w.frontier.RecordFiltered(pageURL, reason), w.frontier.RecordFetchOutcome(pageURL, true))
		}
	}()

	if err := w.policy.Verify(pageURL); err != nil {
		taskLog.WithField("reason", err.Error()).Debug("Dequeued URL rejected by policy")
		w.metrics.Rejection(utils.CategorizeError(err))
		return w.skip(pageURL, ReasonPolicy+" ("+err.Error()+")")
	}

	if w.isParameterDuplicate(pageURL) {
		return w.skip(pageURL, ReasonDuplicateParameter)
	}

	start := time.Now()
	resp := w.fetcher.Fetch(ctx, pageURL)
	w.metrics.Fetch(resp.Status, time.Since(start))
	taskLog.WithFields(logrus.Fields{
		"status":   resp.Status,
		"duration": time.Since(start).String(),
	}).Infof("Downloaded %s, status <%d>, using cache %s.", pageURL, resp.Status, w.cacheServer())

	if resp.Status == fetch.StatusCancelled && ctx.Err() != nil {
		// Not this URL's fault; hand it back so a resumed run fetches it
		return errors.Join(ctx.Err(), w.frontier.RecordFetchOutcome(pageURL, false))
	}

	result := w.extractor.Extract(pageURL, resp)

	if result.Valid {
		if err := w.urlLog.WriteLine(pageURL); err != nil {
			return err
		}
		w.frontier.RecordPageStatistics(pageURL, result.Tokens)
	}
	for _, f := range result.Filtered {
		if f.Cause != nil {
			w.metrics.Rejection(utils.CategorizeError(f.Cause))
		}
		if err := w.frontier.RecordFiltered(f.URL, f.Reason); err != nil {
			return err
		}
	}
	for _, next := range result.NextURLs {
		if err := w.frontier.RecordDiscovered(next); err != nil {
			return err
		}
	}
	return w.frontier.RecordFetchOutcome(pageURL, true)
}

// isParameterDuplicate reports whether pageURL only differs from an already known URL by
// parameters that are ignored for its prefix
func (w *Worker) isParameterDuplicate(pageURL string) bool {
	canonical, u, err := w.canon.Canonicalize(pageURL)
	if err != nil || !w.canon.IgnoresParameters(u) || canonical == pageURL {
		return false
	}
	return w.frontier.HasBeenSeen(pageURL)
}

// skip journals pageURL with reason and completes it without fetching
func (w *Worker) skip(pageURL, reason string) error {
	if err := w.frontier.RecordFiltered(pageURL, reason); err != nil {
		return err
	}
	return w.frontier.RecordFetchOutcome(pageURL, true)
}

func (w *Worker) cacheServer() string {
	if w.cfg.CacheServer == "" {
		return "none"
	}
	return w.cfg.CacheServer
}

// sleepCtx waits for d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
