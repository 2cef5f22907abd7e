package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/polite-crawler/pkg/log"
	"github.com/Sriram-PR/polite-crawler/pkg/models"
	"github.com/Sriram-PR/polite-crawler/pkg/utils"
)

const (
	urlKeyPrefix       = "url:"  // Ledger records, keyed by canonical URL hash
	wordKeyPrefix      = "word:" // Word frequency counters
	subdomainKeyPrefix = "sub:"  // Privileged-family subdomain counters
	metaKeyPrefix      = "meta:" // Singletons (longest page, run metadata)

	longestPageKey = metaKeyPrefix + "longest_page"
	lastRunKey     = metaKeyPrefix + "last_run"

	manifestFile = "MANIFEST" // Present in every badger directory that has been opened once
)

// OpenMode selects how NewBadgerStore treats an existing directory
type OpenMode int

const (
	OpenFresh    OpenMode = iota // Remove any existing state, then create
	OpenExisting                 // Reuse existing state, fail with utils.ErrNoResumeState if there is none
)

func (m OpenMode) String() string {
	switch m {
	case OpenFresh:
		return "fresh"
	case OpenExisting:
		return "open-existing"
	}
	return "unknown"
}

// BadgerStore implements the CrawlStore interface using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64 // Cached ledger record count for O(1) RecordCount
}

// Exists reports whether dbPath holds a previously opened badger database
func Exists(dbPath string) bool {
	info, err := os.Stat(filepath.Join(dbPath, manifestFile))
	return err == nil && !info.IsDir()
}

// NewBadgerStore opens the ledger database at dbPath according to mode
func NewBadgerStore(dbPath string, mode OpenMode, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger}

	switch mode {
	case OpenFresh:
		logger.Warnf("Fresh start requested. REMOVING existing state directory: %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			return nil, fmt.Errorf("%w: removing state directory %s: %w", utils.ErrFilesystem, dbPath, err)
		}
	case OpenExisting:
		if !Exists(dbPath) {
			return nil, fmt.Errorf("%w: no ledger database at %s", utils.ErrNoResumeState, dbPath)
		}
	}

	logger.Infof("Initializing URL ledger database at: %s (Mode: %s)", dbPath, mode)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithSyncWrites(true).    // Every ledger upsert is durable once Update returns
		WithNumVersionsToKeep(1) // Only keep the latest record state

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	count, err := store.countRecords()
	if err != nil {
		_ = store.db.Close()
		return nil, fmt.Errorf("%w: counting ledger records: %w", utils.ErrDatabase, err)
	}
	store.keyCount.Store(int64(count))
	logger.Infof("URL ledger database initialized with %d records.", count)
	return store, nil
}

// countRecords performs a one-time key-only scan of the ledger prefix
func (s *BadgerStore) countRecords() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(urlKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

func decodeRecord(val []byte) (models.URLRecord, error) {
	var rec models.URLRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return rec, fmt.Errorf("%w: decoding URL record: %w", utils.ErrParsing, err)
	}
	return rec, nil
}

// GetRecord implements the LedgerStore interface
func (s *BadgerStore) GetRecord(key string) (*models.URLRecord, error) {
	var rec *models.URLRecord
	dbKey := []byte(urlKeyPrefix + key)

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(dbKey)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting ledger key '%s': %w", utils.ErrDatabase, key, errGet)
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeRecord(val)
			if err != nil {
				return err
			}
			rec = &decoded
			return nil
		})
	})

	if errView != nil {
		s.log.Errorf("DB View error in GetRecord for key '%s': %v", key, errView)
		return nil, errView
	}
	return rec, nil
}

// PutRecord implements the LedgerStore interface
func (s *BadgerStore) PutRecord(key string, rec models.URLRecord) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("%w: ledger not initialized", utils.ErrDatabase)
	}
	dbKey := []byte(urlKeyPrefix + key)

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		isNew = false
		toStore := rec

		item, errGet := txn.Get(dbKey)
		switch {
		case errors.Is(errGet, badger.ErrKeyNotFound):
			isNew = true
		case errGet != nil:
			return errGet
		default:
			errVal := item.Value(func(val []byte) error {
				existing, err := decodeRecord(val)
				if err != nil {
					s.log.Warnf("Overwriting undecodable ledger value for key '%s': %v", key, err)
					return nil
				}
				// The first canonical form and discovery time stick
				toStore.URL = existing.URL
				if !existing.DiscoveredAt.IsZero() {
					toStore.DiscoveredAt = existing.DiscoveredAt
				}
				if existing.Completed {
					toStore.Completed = true
					toStore.CompletedAt = existing.CompletedAt
				}
				return nil
			})
			if errVal != nil {
				return errVal
			}
		}

		val, errJSON := json.Marshal(toStore)
		if errJSON != nil {
			return fmt.Errorf("%w: encoding URL record: %w", utils.ErrParsing, errJSON)
		}
		return txn.SetEntry(badger.NewEntry(dbKey, val))
	})

	if err != nil {
		s.log.WithField("key", key).Errorf("DB Update error in PutRecord: %v", err)
		return false, fmt.Errorf("%w: failed storing ledger key '%s': %w", utils.ErrDatabase, key, err)
	}
	if isNew {
		s.keyCount.Add(1)
	}
	return isNew, nil
}

// ScanRecords implements the LedgerStore interface
func (s *BadgerStore) ScanRecords(ctx context.Context, fn func(key string, rec models.URLRecord) error) (int, int, error) {
	scanned, scanErrors := 0, 0
	prefix := []byte(urlKeyPrefix)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				s.log.Warnf("Ledger scan interrupted by context cancellation: %v", ctx.Err())
				return ctx.Err()
			default:
			}

			item := it.Item()
			key := string(item.Key()[len(prefix):])

			var rec models.URLRecord
			errVal := item.Value(func(val []byte) error {
				decoded, err := decodeRecord(val)
				if err != nil {
					return err
				}
				rec = decoded
				return nil
			})
			if errVal != nil {
				s.log.Errorf("Ledger Scan: skipping key '%s': %v", key, errVal)
				scanErrors++
				continue
			}

			scanned++
			if err := fn(key, rec); err != nil {
				return err
			}
		}
		return nil
	})

	return scanned, scanErrors, err
}

// RecordCount implements the LedgerStore interface
func (s *BadgerStore) RecordCount() int {
	return int(s.keyCount.Load())
}

// SaveStatistics implements the StatsStore interface
func (s *BadgerStore) SaveStatistics(stats models.CrawlStatistics) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for word, count := range stats.WordCounts {
		if err := wb.Set([]byte(wordKeyPrefix+word), []byte(strconv.FormatInt(count, 10))); err != nil {
			return fmt.Errorf("%w: writing word count '%s': %w", utils.ErrDatabase, word, err)
		}
	}
	for host, count := range stats.SubdomainCounts {
		if err := wb.Set([]byte(subdomainKeyPrefix+host), []byte(strconv.FormatInt(count, 10))); err != nil {
			return fmt.Errorf("%w: writing subdomain count '%s': %w", utils.ErrDatabase, host, err)
		}
	}
	if stats.LongestPage.URL != "" {
		val, err := json.Marshal(stats.LongestPage)
		if err != nil {
			return fmt.Errorf("%w: encoding longest page: %w", utils.ErrParsing, err)
		}
		if err := wb.Set([]byte(longestPageKey), val); err != nil {
			return fmt.Errorf("%w: writing longest page: %w", utils.ErrDatabase, err)
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("%w: flushing statistics batch: %w", utils.ErrDatabase, err)
	}
	s.log.Debugf("Saved statistics: %d words, %d subdomains", len(stats.WordCounts), len(stats.SubdomainCounts))
	return nil
}

// LoadStatistics implements the StatsStore interface
func (s *BadgerStore) LoadStatistics() (models.CrawlStatistics, error) {
	stats := models.CrawlStatistics{
		WordCounts:      make(map[string]int64),
		SubdomainCounts: make(map[string]int64),
	}

	err := s.db.View(func(txn *badger.Txn) error {
		if err := loadCounters(txn, wordKeyPrefix, stats.WordCounts); err != nil {
			return err
		}
		if err := loadCounters(txn, subdomainKeyPrefix, stats.SubdomainCounts); err != nil {
			return err
		}

		item, errGet := txn.Get([]byte(longestPageKey))
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return errGet
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stats.LongestPage)
		})
	})
	if err != nil {
		return stats, fmt.Errorf("%w: loading statistics: %w", utils.ErrDatabase, err)
	}
	return stats, nil
}

func loadCounters(txn *badger.Txn, prefix string, into map[string]int64) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		name := string(item.Key()[len(prefix):])
		err := item.Value(func(val []byte) error {
			n, err := strconv.ParseInt(string(val), 10, 64)
			if err != nil {
				return fmt.Errorf("counter '%s%s': %w", prefix, name, err)
			}
			into[name] = n
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SaveRunMetadata implements the StatsStore interface
func (s *BadgerStore) SaveRunMetadata(meta models.RunMetadata) error {
	val, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: encoding run metadata: %w", utils.ErrParsing, err)
	}
	err = s.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(lastRunKey), val))
	})
	if err != nil {
		return fmt.Errorf("%w: writing run metadata: %w", utils.ErrDatabase, err)
	}
	return nil
}

// LastRunMetadata implements the StatsStore interface
func (s *BadgerStore) LastRunMetadata() (*models.RunMetadata, error) {
	var meta *models.RunMetadata
	err := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get([]byte(lastRunKey))
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return errGet
		}
		return item.Value(func(val []byte) error {
			var m models.RunMetadata
			if err := json.Unmarshal(val, &m); err != nil {
				return err
			}
			meta = &m
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading run metadata: %w", utils.ErrDatabase, err)
	}
	return meta, nil
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				continue
			}

			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for ctx.Err() == nil {
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements the StoreAdmin interface
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing URL ledger database...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing ledger database: %v", err)
			return err
		}
		return nil
	}
	return nil
}
