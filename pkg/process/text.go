package process

import (
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultStopWords are never counted in word statistics
var DefaultStopWords = []string{
	"a", "about", "above", "after", "again", "against", "all", "am", "an", "and", "any", "are",
	"aren't", "as", "at", "be", "because", "been", "before", "being", "below", "between", "both",
	"but", "by", "can't", "cannot", "could", "couldn't", "did", "didn't", "do", "does", "doesn't",
	"doing", "don't", "down", "during", "each", "few", "for", "from", "further", "had", "hadn't",
	"has", "hasn't", "have", "haven't", "having", "he", "he'd", "he'll", "he's", "her", "here",
	"here's", "hers", "herself", "him", "himself", "his", "how", "how's", "i", "i'd", "i'll", "i'm",
	"i've", "if", "in", "into", "is", "isn't", "it", "it's", "its", "itself", "let's", "me", "more",
	"most", "mustn't", "my", "myself", "no", "nor", "not", "of", "off", "on", "once", "only", "or",
	"other", "ought", "our", "ours", "ourselves", "out", "over", "own", "same", "shan't", "she",
	"she'd", "she'll", "she's", "should", "shouldn't", "so", "some", "such", "than", "that",
	"that's", "the", "their", "theirs", "them", "themselves", "then", "there", "there's", "these",
	"they", "they'd", "they'll", "they're", "they've", "this", "those", "through", "to", "too",
	"under", "until", "up", "very", "was", "wasn't", "we", "we'd", "we'll", "we're", "we've",
	"were", "weren't", "what", "what's", "when", "when's", "where", "where's", "which", "while",
	"who", "who's", "whom", "why", "why's", "with", "won't", "would", "wouldn't", "you", "you'd",
	"you'll", "you're", "you've", "your", "yours", "yourself", "yourselves",
}

// StopWordSet merges the built-in stop words with extra ones
func StopWordSet(extra []string) map[string]struct{} {
	set := make(map[string]struct{}, len(DefaultStopWords)+len(extra))
	for _, w := range DefaultStopWords {
		set[w] = struct{}{}
	}
	for _, w := range extra {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

// ExtractText returns the visible text of doc, without script and style contents.
// Block boundaries become whitespace so adjacent words never merge.
func ExtractText(doc *goquery.Document) string {
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	body = body.Clone()
	body.Find("script, style, noscript, template").Remove()

	var sb strings.Builder
	body.Contents().Each(func(_ int, s *goquery.Selection) { collectText(s, &sb) })
	return sb.String()
}

func collectText(s *goquery.Selection, sb *strings.Builder) {
	if goquery.NodeName(s) == "#text" {
		sb.WriteString(s.Text())
		sb.WriteByte(' ')
		return
	}
	s.Contents().Each(func(_ int, c *goquery.Selection) { collectText(c, sb) })
	sb.WriteByte(' ')
}

// Tokenize splits text into lowercase word tokens.
// A token must be made of letters (inner apostrophes allowed) once surrounding punctuation is trimmed,
// at least two characters long, and not a stop word.
func Tokenize(text string, stopWords map[string]struct{}) []string {
	lower := cases.Lower(language.English)
	var tokens []string
	for _, field := range strings.Fields(text) {
		word := strings.TrimFunc(field, func(r rune) bool { return !unicode.IsLetter(r) })
		if len(word) < 2 || !isWord(word) {
			continue
		}
		word = lower.String(word)
		if _, stop := stopWords[word]; stop {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

func isWord(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && r != '\'' {
			return false
		}
	}
	return true
}
