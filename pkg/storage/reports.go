package storage

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Sriram-PR/polite-crawler/pkg/models"
	"github.com/Sriram-PR/polite-crawler/pkg/utils"
)

const fieldSep = ", "

// LineLog is an append-only text file written one line at a time.
// Writes are serialized, so one LineLog may be shared by all workers.
type LineLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenLineLog opens path for appending, truncating it first when truncate is set
func OpenLineLog(path string, truncate bool) (*LineLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: creating directory for '%s': %w", utils.ErrFilesystem, path, err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening '%s': %w", utils.ErrFilesystem, path, err)
	}
	return &LineLog{file: file, path: path}, nil
}

// WriteLine appends line followed by a newline
func (l *LineLog) WriteLine(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("%w: write to closed log '%s'", utils.ErrFilesystem, l.path)
	}
	if _, err := l.file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("%w: writing to '%s': %w", utils.ErrFilesystem, l.path, err)
	}
	return nil
}

// Close syncs and closes the file; later writes fail
func (l *LineLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	if err := errors.Join(syncErr, closeErr); err != nil {
		return fmt.Errorf("%w: closing '%s': %w", utils.ErrFilesystem, l.path, err)
	}
	return nil
}

var journalKeyEscaper = strings.NewReplacer(" ", "%20", "\t", "%09", "\r", "%0D", "\n", "%0A")

// JournalKey is the form a URL takes in the journal. It never contains the field separator or a
// line break, so the key read back from a journal line equals the key that was written.
func JournalKey(url string) string {
	return journalKeyEscaper.Replace(strings.TrimSpace(url))
}

// JournalLine formats one filtered-URL journal entry
func JournalLine(url, reason string) string {
	reason = strings.NewReplacer("\r", " ", "\n", " ").Replace(reason)
	return JournalKey(url) + fieldSep + reason
}

// ReadJournal parses a filtered-URL journal; a missing file yields no entries
func ReadJournal(path string) ([]models.FilteredURL, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: opening journal '%s': %w", utils.ErrFilesystem, path, err)
	}
	defer file.Close()

	var entries []models.FilteredURL
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		url, reason, _ := strings.Cut(line, fieldSep)
		entries = append(entries, models.FilteredURL{URL: JournalKey(url), Reason: reason})
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("%w: reading journal '%s': %w", utils.ErrFilesystem, path, err)
	}
	return entries, nil
}

// TopN returns the n largest counters, ties broken alphabetically
func TopN(counts map[string]int64, n int) []models.CountEntry {
	entries := make([]models.CountEntry, 0, len(counts))
	for k, c := range counts {
		entries = append(entries, models.CountEntry{Key: k, Count: c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Key < entries[j].Key
	})
	if n >= 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// SortedByKey returns all counters ordered by key
func SortedByKey(counts map[string]int64) []models.CountEntry {
	entries := make([]models.CountEntry, 0, len(counts))
	for k, c := range counts {
		entries = append(entries, models.CountEntry{Key: k, Count: c})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// WriteCountReport replaces path with one "key, count" line per entry
func WriteCountReport(path string, entries []models.CountEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: creating directory for '%s': %w", utils.ErrFilesystem, path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file for '%s': %w", utils.ErrFilesystem, path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // No-op after a successful rename

	w := bufio.NewWriter(tmp)
	for _, e := range entries {
		if _, err := w.WriteString(e.Key + fieldSep + strconv.FormatInt(e.Count, 10) + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("%w: writing '%s': %w", utils.ErrFilesystem, tmpName, err)
		}
	}
	if err := errors.Join(w.Flush(), tmp.Sync(), tmp.Close()); err != nil {
		return fmt.Errorf("%w: finishing '%s': %w", utils.ErrFilesystem, tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: replacing '%s': %w", utils.ErrFilesystem, path, err)
	}
	return nil
}

// AppendLongestPage appends a "url, count" marker; the last line of the file is authoritative
func AppendLongestPage(path string, page models.PageStat) error {
	l, err := OpenLineLog(path, false)
	if err != nil {
		return err
	}
	writeErr := l.WriteLine(page.URL + fieldSep + strconv.Itoa(page.TokenCount))
	return errors.Join(writeErr, l.Close())
}

// ReadLongestPage returns the marker on the last non-empty line of path.
// Lines written as "url count" are accepted as well.
func ReadLongestPage(path string) (models.PageStat, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return models.PageStat{}, false, nil
	}
	if err != nil {
		return models.PageStat{}, false, fmt.Errorf("%w: reading '%s': %w", utils.ErrFilesystem, path, err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return models.PageStat{}, false, nil
	}

	var url, count string
	if i := strings.LastIndex(last, fieldSep); i >= 0 {
		url, count = last[:i], last[i+len(fieldSep):]
	} else if i := strings.LastIndexAny(last, " \t"); i >= 0 {
		url, count = last[:i], last[i+1:]
	} else {
		return models.PageStat{}, false, fmt.Errorf("%w: malformed longest page line '%s'", utils.ErrParsing, last)
	}

	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil {
		return models.PageStat{}, false, fmt.Errorf("%w: malformed longest page count '%s': %w", utils.ErrParsing, count, err)
	}
	return models.PageStat{URL: strings.TrimSpace(url), TokenCount: n}, true, nil
}
