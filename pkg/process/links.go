package process

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/polite-crawler/pkg/parse"
)

// ExtractLinks returns the canonical form of every absolute link in doc, resolved against base,
// in document order and without duplicates.
// Links are not filtered by policy here; the caller decides which ones to follow.
func ExtractLinks(doc *goquery.Document, base *url.URL, canon *parse.Canonicalizer, log *logrus.Entry) []string {
	// A <base href> overrides the page URL for relative links
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	seen := make(map[string]struct{})
	var links []string

	doc.Find("a[href]").Each(func(_ int, element *goquery.Selection) {
		href, _ := element.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}

		linkURL, err := base.Parse(href)
		if err != nil {
			log.Debugf("Skipping invalid link href '%s': %v", href, err)
			return
		}
		// mailto:, javascript: and friends have no host
		if linkURL.Scheme == "" || linkURL.Host == "" {
			return
		}

		canonical, _, err := canon.Canonicalize(linkURL.String())
		if err != nil {
			log.Debugf("Cannot canonicalize link '%s': %v", linkURL, err)
			return
		}
		if _, dup := seen[canonical]; dup {
			return
		}
		seen[canonical] = struct{}{}
		links = append(links, canonical)
	})

	return links
}
