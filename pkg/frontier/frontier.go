// Package frontier owns all crawl state: the durable URL ledger, the per-host pending queue,
// the filtered-URL journal and the aggregate statistics. Every mutation runs inside one
// exclusive section; waiting for a host cooldown never holds it.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/polite-crawler/pkg/config"
	"github.com/Sriram-PR/polite-crawler/pkg/metrics"
	"github.com/Sriram-PR/polite-crawler/pkg/models"
	"github.com/Sriram-PR/polite-crawler/pkg/parse"
	"github.com/Sriram-PR/polite-crawler/pkg/queue"
	"github.com/Sriram-PR/polite-crawler/pkg/storage"
	"github.com/Sriram-PR/polite-crawler/pkg/utils"
)

// Journal reasons written by the frontier itself
const (
	ReasonOutOfScope = "outside allowed domains"
	ReasonMalformed  = "malformed url"
)

// ErrClosed is returned by TakeNext after Close
var ErrClosed = errors.New("frontier closed")

const (
	minBloomCapacity  = 1 << 20
	bloomFalsePosRate = 0.01
)

// Validator decides whether a stored URL is still worth fetching under the current rules
type Validator interface {
	IsValid(rawURL string) bool
}

// Options configures a Frontier beyond the AppConfig
type Options struct {
	Reset     bool             // Wipe existing state and start from the seeds
	Validator Validator        // Re-validates pending records on resume; nil keeps them all
	Metrics   *metrics.Metrics // Optional
	RunID     string           // Recorded in the run metadata
	// ReportOnly opens existing state for reporting: an empty ledger is not seeded and no run
	// metadata is written. Ignored when Reset is set.
	ReportOnly bool
}

// Stats is a point-in-time view of the frontier used for progress reporting
type Stats struct {
	Pending          int // URLs waiting in the queue
	PendingHosts     int // Hosts with at least one pending URL
	InFlight         int // URLs handed out and not yet reported
	LedgerRecords    int // Records in the durable ledger
	CompletedThisRun int // Completions recorded by this process
	Journaled        int // Distinct journal entries, including earlier runs

	PreviousRun *models.RunMetadata // Last run recorded before this process opened the state
}

// Frontier is safe for concurrent use by any number of workers
type Frontier struct {
	cfg       *config.AppConfig
	log       *logrus.Entry
	canon     *parse.Canonicalizer
	scope     *parse.DomainSet
	validator Validator
	metrics   *metrics.Metrics

	store   storage.CrawlStore
	journal *storage.LineLog

	mu        sync.Mutex
	sched     *queue.HostScheduler
	seen      *bloom.BloomFilter  // Every ledger key; negative answers skip the store lookup
	keys      map[string]string   // Queued or handed-out URL -> ledger key
	inFlight  map[string]int      // Handed-out URL -> outstanding hand-outs
	journaled map[string]struct{} // Mirror of the journal file
	changed   chan struct{}       // Closed and replaced whenever waiting workers may proceed
	closed    bool
	takes     int
	completed int

	reportOnly  bool
	previousRun *models.RunMetadata

	words      map[string]int64
	dirtyWords map[string]struct{}
	subdomains map[string]int64
	dirtySubs  map[string]struct{}
	longest    models.PageStat
	longestNew bool

	flushMu sync.Mutex // Serializes FlushStatistics writers
}

// New builds a Frontier from cfg, either resuming the state under cfg.StateDir or starting fresh.
// Resuming without saved state fails with utils.ErrNoResumeState.
func New(ctx context.Context, cfg *config.AppConfig, opts Options, logger *logrus.Entry) (*Frontier, error) {
	f := &Frontier{
		cfg:        cfg,
		log:        logger.WithField("component", "frontier"),
		canon:      parse.NewCanonicalizer(cfg.ParamIgnoredPrefixes),
		scope:      parse.NewDomainSet(cfg.AllowedDomains),
		validator:  opts.Validator,
		metrics:    opts.Metrics,
		reportOnly: opts.ReportOnly && !opts.Reset,
		sched:      queue.NewHostScheduler(cfg.PolitenessDelay),
		keys:       make(map[string]string),
		inFlight:   make(map[string]int),
		journaled:  make(map[string]struct{}),
		changed:    make(chan struct{}),
		words:      make(map[string]int64),
		dirtyWords: make(map[string]struct{}),
		subdomains: make(map[string]int64),
		dirtySubs:  make(map[string]struct{}),
	}

	if err := f.initialize(ctx, opts); err != nil {
		f.closeResources()
		return nil, err
	}
	return f, nil
}

func (f *Frontier) initialize(ctx context.Context, opts Options) error {
	mode := storage.OpenExisting
	if opts.Reset {
		mode = storage.OpenFresh
	}
	store, err := storage.NewBadgerStore(f.cfg.LedgerDir(), mode, f.log)
	if err != nil {
		if errors.Is(err, utils.ErrNoResumeState) {
			f.log.Errorf("Did not find saved state under %s; run without resume to start from the seeds.", f.cfg.StateDir)
		}
		return err
	}
	f.store = store

	if !opts.Reset {
		prev, err := store.LastRunMetadata()
		if err != nil {
			f.log.Warnf("Failed to read previous run metadata: %v", err)
		} else if prev != nil {
			f.previousRun = prev
			f.log.WithField("previous_run_id", prev.RunID).Infof("Previous run started at %s (resumed: %v)",
				prev.StartedAt.Format(time.RFC3339), prev.Resumed)
		}
	}

	if err := os.MkdirAll(f.cfg.LogDir, 0755); err != nil {
		return fmt.Errorf("%w: creating log directory %s: %w", utils.ErrFilesystem, f.cfg.LogDir, err)
	}

	capacity := uint(minBloomCapacity)
	if n := uint(store.RecordCount()) * 2; n > capacity {
		capacity = n
	}
	f.seen = bloom.NewWithEstimates(capacity, bloomFalsePosRate)

	journalPath := f.cfg.ReportPath(config.FilteredJournalFile)
	if opts.Reset {
		if err := os.WriteFile(f.cfg.ReportPath(config.LongestPageFile), nil, 0644); err != nil {
			return fmt.Errorf("%w: truncating longest page marker: %w", utils.ErrFilesystem, err)
		}
	} else {
		if err := f.loadJournal(journalPath); err != nil {
			return err
		}
		if err := f.loadStatistics(); err != nil {
			return err
		}
	}

	f.journal, err = storage.OpenLineLog(journalPath, opts.Reset)
	if err != nil {
		return err
	}

	if opts.Reset {
		f.seed()
	} else if err := f.rebuildQueue(ctx); err != nil {
		return err
	}

	if !f.reportOnly {
		meta := models.RunMetadata{RunID: opts.RunID, StartedAt: time.Now(), Resumed: !opts.Reset}
		if err := f.store.SaveRunMetadata(meta); err != nil {
			f.log.Warnf("Failed to record run metadata: %v", err)
		}
	}
	f.publishGauges()
	return nil
}

func (f *Frontier) loadJournal(path string) error {
	entries, err := storage.ReadJournal(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		f.journaled[e.URL] = struct{}{}
	}
	f.log.Infof("Loaded %d filtered URLs from journal %s", len(f.journaled), path)
	return nil
}

func (f *Frontier) loadStatistics() error {
	stats, err := f.store.LoadStatistics()
	if err != nil {
		return err
	}
	f.words = stats.WordCounts
	f.subdomains = stats.SubdomainCounts
	f.longest = stats.LongestPage

	if f.longest.URL == "" {
		page, ok, err := storage.ReadLongestPage(f.cfg.ReportPath(config.LongestPageFile))
		if err != nil {
			f.log.Warnf("Ignoring unreadable longest page marker: %v", err)
		} else if ok {
			f.longest = page
			f.longestNew = true
		}
	}
	f.log.Infof("Loaded statistics: %d words, %d subdomains, longest page %s (%d tokens)",
		len(f.words), len(f.subdomains), f.longest.URL, f.longest.TokenCount)
	return nil
}

// rebuildQueue loads every ledger key into the bloom filter and queues records that are still pending
func (f *Frontier) rebuildQueue(ctx context.Context) error {
	f.log.Info("Resume Mode: Scanning ledger for pending URLs...")
	start := time.Now()
	requeued, dropped := 0, 0

	scanned, scanErrors, err := f.store.ScanRecords(ctx, func(key string, rec models.URLRecord) error {
		f.seen.AddString(key)
		if rec.Status() == models.URLCompleted {
			return nil
		}
		u, perr := url.Parse(rec.URL)
		if perr != nil || !f.scope.Contains(u) || (f.validator != nil && !f.validator.IsValid(rec.URL)) {
			dropped++
			f.log.WithField("url", rec.URL).Debug("Resume Scan: pending URL no longer valid, not requeued")
			return nil
		}
		f.pushLocked(key, rec.URL, u)
		requeued++
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: scanning ledger on resume: %w", utils.ErrDatabase, err)
	}

	f.log.Infof("Resume Scan Complete: Found %d urls to be downloaded from %d total urls discovered in %v. Dropped: %d. Errors: %d.",
		requeued, scanned, time.Since(start), dropped, scanErrors)

	if scanned == 0 && !f.reportOnly {
		f.log.Info("Ledger is empty, starting from the seeds.")
		f.seed()
	}
	return nil
}

func (f *Frontier) seed() {
	for _, s := range f.cfg.SeedURLs {
		if err := f.RecordDiscovered(s); err != nil {
			f.log.WithField("url", s).Errorf("Failed to add seed URL: %v", err)
		}
	}
}

// notifyLocked wakes every TakeNext waiter. Caller holds mu.
func (f *Frontier) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *Frontier) publishGauges() {
	if f.metrics == nil {
		return
	}
	f.mu.Lock()
	pending, inFlight := f.sched.Len(), len(f.inFlight)
	f.mu.Unlock()
	f.metrics.SetFrontier(pending, inFlight, f.store.RecordCount())
}

// pushLocked queues a pending URL under its host. Caller holds mu or has exclusive access.
func (f *Frontier) pushLocked(key, rawURL string, u *url.URL) {
	f.keys[rawURL] = key
	f.sched.Push(u.Host, rawURL)
}

// TakeNext hands out the next URL whose host is out of cooldown, waiting as long as necessary.
// ok is false once the queue is empty and no handed-out URL is still being processed.
// A dequeued URL outside the allowed domains is journaled and completed and reported as an
// error wrapping utils.ErrFrontierInvariant; callers should log it and call TakeNext again.
func (f *Frontier) TakeNext(ctx context.Context) (nextURL string, ok bool, err error) {
	var waited time.Duration
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return "", false, ErrClosed
		}

		candidate, _, wait, dispatched := f.sched.Next(time.Now())
		if dispatched {
			f.inFlight[candidate]++
			f.takes++
			flushDue := f.cfg.StatsFlushInterval > 0 && f.takes%f.cfg.StatsFlushInterval == 0

			violation := f.checkScopeLocked(candidate)
			f.mu.Unlock()

			if flushDue {
				if ferr := f.FlushStatistics(); ferr != nil {
					f.log.Errorf("Periodic statistics flush failed: %v", ferr)
				}
			}
			f.metrics.CooldownWait(waited)
			f.publishGauges()
			if violation != nil {
				return "", false, violation
			}
			return candidate, true, nil
		}

		if f.sched.Len() == 0 && len(f.inFlight) == 0 {
			f.mu.Unlock()
			return "", false, nil
		}
		changed := f.changed
		f.mu.Unlock()

		// Nothing eligible yet: sleep until the earliest cooldown ends or state changes
		if wait <= 0 || wait > f.cfg.CooldownPollInterval {
			wait = f.cfg.CooldownPollInterval
		}
		timer := time.NewTimer(wait)
		start := time.Now()
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false, ctx.Err()
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
		waited += time.Since(start)
	}
}

// AwaitHost blocks until the host of rawURL is out of cooldown and then claims it, so requests
// made outside TakeNext (retries, redirect hops) keep the same spacing as dispatched URLs.
func (f *Frontier) AwaitHost(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: no host in '%s'", utils.ErrParsing, rawURL)
	}

	var waited time.Duration
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return ErrClosed
		}
		wait, ok := f.sched.Reserve(u.Host, time.Now())
		changed := f.changed
		f.mu.Unlock()
		if ok {
			f.metrics.CooldownWait(waited)
			return nil
		}

		timer := time.NewTimer(wait)
		start := time.Now()
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
		waited += time.Since(start)
	}
}

// checkScopeLocked enforces the allow-list on a just-dequeued URL. Caller holds mu.
func (f *Frontier) checkScopeLocked(candidate string) error {
	u, err := url.Parse(candidate)
	if err == nil && f.scope.Contains(u) {
		return nil
	}

	entry := f.log.WithFields(logrus.Fields{"url": candidate, "reason": ReasonOutOfScope})
	entry.Error("Dequeued URL outside the allowed domains")
	f.metrics.Anomaly("out_of_scope_dequeue")

	if jerr := f.recordFilteredLocked(candidate, ReasonOutOfScope); jerr != nil {
		entry.Errorf("Failed to journal out-of-scope URL: %v", jerr)
	}
	if cerr := f.completeLocked(candidate); cerr != nil {
		entry.Errorf("Failed to complete out-of-scope URL: %v", cerr)
	}
	f.notifyLocked()
	return fmt.Errorf("%w: dequeued %s %s", utils.ErrFrontierInvariant, candidate, ReasonOutOfScope)
}

// RecordDiscovered adds rawURL to the ledger and the queue if its canonical form is new.
// Re-discovering a known URL is a no-op. URLs outside the allowed domains are journaled instead.
func (f *Frontier) RecordDiscovered(rawURL string) error {
	key, canonical, err := f.canon.Key(rawURL)
	if err != nil {
		f.log.WithField("url", rawURL).Debugf("Not recording undecodable URL: %v", err)
		return f.RecordFiltered(rawURL, ReasonMalformed)
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return fmt.Errorf("%w: reparsing canonical url '%s': %w", utils.ErrParsing, canonical, err)
	}
	if !f.scope.Contains(u) {
		return f.RecordFiltered(canonical, ReasonOutOfScope)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.seen.TestString(key) {
		rec, err := f.store.GetRecord(key)
		if err != nil {
			return err
		}
		if rec.Status() != models.URLUnknown {
			return nil
		}
	}

	created, err := f.store.PutRecord(key, models.URLRecord{URL: canonical, DiscoveredAt: time.Now()})
	if err != nil {
		return err
	}
	f.seen.AddString(key)
	if !created {
		return nil
	}

	f.pushLocked(key, canonical, u)
	f.metrics.URLDiscovered()

	if fam := f.cfg.SubdomainFamily; fam != "" {
		if host := u.Hostname(); parse.IsSubdomainOf(host, fam) {
			f.subdomains[host]++
			f.dirtySubs[host] = struct{}{}
		}
	}
	f.notifyLocked()
	return nil
}

// HasBeenSeen reports whether the canonical form of rawURL is in the ledger, completed or not
func (f *Frontier) HasBeenSeen(rawURL string) bool {
	key, _, err := f.canon.Key(rawURL)
	if err != nil {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.seen.TestString(key) {
		return false
	}
	rec, err := f.store.GetRecord(key)
	if err != nil {
		f.log.WithField("url", rawURL).Errorf("Ledger lookup failed: %v", err)
		return false
	}
	return rec.Status() != models.URLUnknown
}

// RecordFiltered appends (rawURL, reason) to the journal unless rawURL was journaled before
func (f *Frontier) RecordFiltered(rawURL, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recordFilteredLocked(rawURL, reason)
}

func (f *Frontier) recordFilteredLocked(rawURL, reason string) error {
	key := storage.JournalKey(rawURL)
	if _, dup := f.journaled[key]; dup {
		return nil
	}
	if f.journal == nil {
		return ErrClosed
	}
	if err := f.journal.WriteLine(storage.JournalLine(rawURL, reason)); err != nil {
		return err
	}
	f.journaled[key] = struct{}{}
	f.metrics.URLFiltered()
	return nil
}

// RecordFetchOutcome reports that a handed-out URL is finished.
// With completed set the ledger record is marked completed and synced; completing a URL that was
// never discovered is logged as an anomaly and creates the record. With completed unset the URL
// is released without completing it and goes back to the queue.
func (f *Frontier) RecordFetchOutcome(rawURL string, completed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.notifyLocked()

	key := f.releaseLocked(rawURL)

	if !completed {
		return f.requeueLocked(key, rawURL)
	}
	return f.completeKeyLocked(key, rawURL)
}

// releaseLocked drops one outstanding hand-out of rawURL and returns its ledger key
func (f *Frontier) releaseLocked(rawURL string) string {
	key, known := f.keys[rawURL]
	if n := f.inFlight[rawURL]; n > 1 {
		f.inFlight[rawURL] = n - 1
	} else {
		delete(f.inFlight, rawURL)
		delete(f.keys, rawURL)
	}
	if known {
		return key
	}
	k, _, err := f.canon.Key(rawURL)
	if err != nil {
		return utils.CalculateStringSHA256(rawURL)
	}
	return k
}

func (f *Frontier) requeueLocked(key, rawURL string) error {
	rec, err := f.store.GetRecord(key)
	if err != nil {
		return err
	}
	if rec.Status() != models.URLPending || f.closed {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: requeue '%s': %w", utils.ErrParsing, rawURL, err)
	}
	f.pushLocked(key, rawURL, u)
	return nil
}

// completeLocked completes a URL that is already released from the in-flight table
func (f *Frontier) completeLocked(rawURL string) error {
	return f.completeKeyLocked(f.releaseLocked(rawURL), rawURL)
}

func (f *Frontier) completeKeyLocked(key, rawURL string) error {
	rec, err := f.store.GetRecord(key)
	if err != nil {
		return err
	}
	now := time.Now()
	switch rec.Status() {
	case models.URLCompleted:
		return nil
	case models.URLUnknown:
		f.log.WithFields(logrus.Fields{"url": rawURL, "reason": "never discovered"}).
			Error("Completed url, but have not seen it before")
		f.metrics.Anomaly("never_discovered")
		rec = &models.URLRecord{URL: rawURL, DiscoveredAt: now}
	}

	rec.Completed = true
	rec.CompletedAt = now
	if _, err := f.store.PutRecord(key, *rec); err != nil {
		return err
	}
	f.seen.AddString(key)
	f.completed++
	f.metrics.URLCompleted()
	return nil
}

// RecordPageStatistics merges the tokens of one page into the aggregate counts
// and promotes the page to longest page if it has more tokens than the current one.
func (f *Frontier) RecordPageStatistics(pageURL string, tokens []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range tokens {
		f.words[t]++
		f.dirtyWords[t] = struct{}{}
	}
	if len(tokens) > f.longest.TokenCount {
		f.longest = models.PageStat{URL: pageURL, TokenCount: len(tokens)}
		f.longestNew = true
	}
	f.metrics.PageTokens(len(tokens))
}

// FlushStatistics persists changed statistics to the store and rewrites the report files.
// The snapshot is taken under the exclusive section; all I/O happens outside it.
func (f *Frontier) FlushStatistics() error {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	delta := models.CrawlStatistics{
		WordCounts:      make(map[string]int64, len(f.dirtyWords)),
		SubdomainCounts: make(map[string]int64, len(f.dirtySubs)),
	}
	for w := range f.dirtyWords {
		delta.WordCounts[w] = f.words[w]
	}
	for h := range f.dirtySubs {
		delta.SubdomainCounts[h] = f.subdomains[h]
	}
	longestChanged := f.longestNew
	if longestChanged {
		delta.LongestPage = f.longest
	}
	top := storage.TopN(f.words, f.cfg.TopWords)
	subs := storage.SortedByKey(f.subdomains)
	f.dirtyWords = make(map[string]struct{})
	f.dirtySubs = make(map[string]struct{})
	f.longestNew = false
	f.mu.Unlock()

	err := f.writeStatistics(delta, longestChanged, top, subs)
	f.metrics.StatsFlush(err)
	if err != nil {
		// Keep the snapshot dirty so the next flush retries it
		f.mu.Lock()
		for w := range delta.WordCounts {
			f.dirtyWords[w] = struct{}{}
		}
		for h := range delta.SubdomainCounts {
			f.dirtySubs[h] = struct{}{}
		}
		if longestChanged {
			f.longestNew = true
		}
		f.mu.Unlock()
		return err
	}
	f.log.Debugf("Flushed statistics: %d changed words, %d changed subdomains", len(delta.WordCounts), len(delta.SubdomainCounts))
	return nil
}

func (f *Frontier) writeStatistics(delta models.CrawlStatistics, longestChanged bool, top, subs []models.CountEntry) error {
	if err := f.store.SaveStatistics(delta); err != nil {
		return err
	}
	if err := storage.WriteCountReport(f.cfg.ReportPath(config.CommonWordsFile), top); err != nil {
		return err
	}
	if err := storage.WriteCountReport(f.cfg.ReportPath(config.SubdomainsFile), subs); err != nil {
		return err
	}
	if longestChanged {
		return storage.AppendLongestPage(f.cfg.ReportPath(config.LongestPageFile), delta.LongestPage)
	}
	return nil
}

// Statistics returns a copy of the aggregate statistics
func (f *Frontier) Statistics() models.CrawlStatistics {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := models.CrawlStatistics{
		WordCounts:      make(map[string]int64, len(f.words)),
		SubdomainCounts: make(map[string]int64, len(f.subdomains)),
		LongestPage:     f.longest,
	}
	for k, v := range f.words {
		out.WordCounts[k] = v
	}
	for k, v := range f.subdomains {
		out.SubdomainCounts[k] = v
	}
	return out
}

// Stats returns a snapshot of queue and ledger sizes
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	inFlight := 0
	for _, n := range f.inFlight {
		inFlight += n
	}
	return Stats{
		Pending:          f.sched.Len(),
		PendingHosts:     f.sched.PendingHosts(),
		InFlight:         inFlight,
		LedgerRecords:    f.store.RecordCount(),
		CompletedThisRun: f.completed,
		Journaled:        len(f.journaled),
		PreviousRun:      f.previousRun,
	}
}

// Close flushes statistics and releases the journal and the ledger.
// Waiting TakeNext calls return ErrClosed.
func (f *Frontier) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	flushErr := f.FlushStatistics()

	f.mu.Lock()
	f.closed = true
	f.notifyLocked()
	f.mu.Unlock()

	return errors.Join(flushErr, f.closeResources())
}

func (f *Frontier) closeResources() error {
	var errs []error
	if f.journal != nil {
		errs = append(errs, f.journal.Close())
	}
	if f.store != nil {
		errs = append(errs, f.store.Close())
	}
	return errors.Join(errs...)
}

// Store exposes the underlying store for maintenance tasks such as GC
func (f *Frontier) Store() storage.CrawlStore { return f.store }
