package config

import "path/filepath"

// Report file names written under LogDir
const (
	FilteredJournalFile = "filtered_url.txt"
	URLListFile         = "url_list.txt"
	CommonWordsFile     = "common_words.txt"
	SubdomainsFile      = "subdomains.txt"
	LongestPageFile     = "max_len_page.txt"
)

func joinPath(dir, name string) string {
	return filepath.Join(dir, name)
}

// ReportPath returns the path of a report file under LogDir
func (c *AppConfig) ReportPath(name string) string {
	return joinPath(c.LogDir, name)
}
