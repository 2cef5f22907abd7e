package storage

import (
	"context"
	"time"

	"github.com/Sriram-PR/polite-crawler/pkg/models"
)

// LedgerStore is the durable discovered/completed URL ledger
type LedgerStore interface {
	// GetRecord looks up the record stored under key
	// Returns nil and no error when the key is absent
	GetRecord(key string) (*models.URLRecord, error)

	// PutRecord upserts the record for key and syncs it to disk before returning
	// A stored completed record never reverts to pending; created reports whether the key was new
	PutRecord(key string, rec models.URLRecord) (created bool, err error)

	// ScanRecords calls fn for every record in the ledger
	// Undecodable values are skipped and counted in scanErrors
	ScanRecords(ctx context.Context, fn func(key string, rec models.URLRecord) error) (scanned int, scanErrors int, err error)

	// RecordCount returns the number of records in the ledger
	RecordCount() int
}

// StatsStore persists aggregate crawl statistics and run metadata
type StatsStore interface {
	// SaveStatistics writes word counts, subdomain counts and the longest page in one batch
	// Word and subdomain entries are absolute values; keys absent from the maps are left untouched
	SaveStatistics(stats models.CrawlStatistics) error

	// LoadStatistics reads back everything SaveStatistics wrote
	LoadStatistics() (models.CrawlStatistics, error)

	// SaveRunMetadata records the metadata of the current process run
	SaveRunMetadata(meta models.RunMetadata) error

	// LastRunMetadata returns the most recently saved run metadata, if any
	LastRunMetadata() (*models.RunMetadata, error)
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// CrawlStore combines all store interfaces for components that need full access
type CrawlStore interface {
	LedgerStore
	StatsStore
	StoreAdmin
}
