package process

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/polite-crawler/pkg/models"
	"github.com/Sriram-PR/polite-crawler/pkg/parse"
	"github.com/Sriram-PR/polite-crawler/pkg/utils"
)

// Reasons recorded for pages and links the extractor rejects
const (
	ReasonPDF         = "pdf file"
	ReasonJPEG        = "jpg file"
	ReasonTextMatched = "filtered by text matching"
)

var (
	pdfMagic  = []byte("%PDF")
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
)

// Extractor turns a fetch outcome into the links, rejections and word tokens of the page
type Extractor struct {
	policy    *Policy
	canon     *parse.Canonicalizer
	stopWords map[string]struct{}
	log       *logrus.Entry
}

// NewExtractor creates an Extractor
func NewExtractor(policy *Policy, canon *parse.Canonicalizer, stopWords []string, log *logrus.Entry) *Extractor {
	return &Extractor{
		policy:    policy,
		canon:     canon,
		stopWords: StopWordSet(stopWords),
		log:       log,
	}
}

// Extract classifies resp for pageURL.
// Anything other than a 200 text/html page yields Valid=false and a single filtered entry for pageURL.
func (e *Extractor) Extract(pageURL string, resp *models.Response) models.ScrapeResult {
	reject := func(reason string) models.ScrapeResult {
		return models.ScrapeResult{Filtered: []models.FilteredURL{{URL: pageURL, Reason: reason}}}
	}
	unsupported := func(reason string) models.ScrapeResult {
		res := reject(reason)
		res.Filtered[0].Cause = fmt.Errorf("%w: %s", utils.ErrUnsupportedContent, reason)
		return res
	}

	if resp == nil {
		return reject("transport error: no response")
	}
	if resp.Status >= 600 {
		e.log.WithField("url", pageURL).Info(resp.Error)
		return reject(fmt.Sprintf("transport error: status code %d: %s", resp.Status, resp.Error))
	}
	if resp.Status != http.StatusOK {
		return reject(fmt.Sprintf("status code %d", resp.Status))
	}
	if ct := resp.ContentType(); ct != "" && !strings.Contains(strings.ToLower(ct), "text/html") {
		return unsupported("not text/html but " + ct)
	}
	if bytes.HasPrefix(resp.Body, pdfMagic) {
		return unsupported(ReasonPDF)
	}
	if bytes.HasPrefix(resp.Body, jpegMagic) {
		return unsupported(ReasonJPEG)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return reject(fmt.Sprintf("unparseable html: %v", err))
	}

	base, err := url.Parse(resp.URL)
	if err != nil || resp.URL == "" {
		if base, err = url.Parse(pageURL); err != nil {
			return reject("malformed url")
		}
	}

	result := models.ScrapeResult{Valid: true}
	for _, link := range ExtractLinks(doc, base, e.canon, e.log) {
		if err := e.policy.Verify(link); err != nil {
			result.Filtered = append(result.Filtered, models.FilteredURL{
				URL:    link,
				Reason: ReasonTextMatched + " (" + err.Error() + ")",
				Cause:  err,
			})
			continue
		}
		result.NextURLs = append(result.NextURLs, link)
	}
	result.Tokens = Tokenize(ExtractText(doc), e.stopWords)
	return result
}
