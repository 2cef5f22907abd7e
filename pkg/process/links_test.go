package process

import (
	"io"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/polite-crawler/pkg/parse"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func TestExtractLinks(t *testing.T) {
	html := `<html><body>
		<a href="/a">relative</a>
		<a href="b/c/">relative dir</a>
		<a href="https://www.ics.uci.edu/a#section">same as /a</a>
		<a href="HTTPS://WWW.ICS.UCI.EDU:443/x">uppercase and default port</a>
		<a href="mailto:someone@uci.edu">mail</a>
		<a href="javascript:void(0)">js</a>
		<a href="">empty</a>
		<a href="https://swiki.ics.uci.edu/doku.php?id=x&rev=2">wiki</a>
		<a href="https://www.google.com/search?q=uci">external</a>
	</body></html>`

	base, _ := url.Parse("https://www.ics.uci.edu/dir/page")
	canon := parse.NewCanonicalizer([]string{"https://swiki.ics.uci.edu/doku.php"})

	links := ExtractLinks(mustDoc(t, html), base, canon, testLogger())
	assert.Equal(t, []string{
		"https://www.ics.uci.edu/a",
		"https://www.ics.uci.edu/dir/b/c",
		"https://www.ics.uci.edu/x",
		"https://swiki.ics.uci.edu/doku.php",
		"https://www.google.com/search?q=uci",
	}, links)
}

func TestExtractLinks_BaseHref(t *testing.T) {
	html := `<html><head><base href="https://vision.ics.uci.edu/root/"></head>
		<body><a href="page">p</a></body></html>`

	base, _ := url.Parse("https://www.ics.uci.edu/")
	links := ExtractLinks(mustDoc(t, html), base, parse.NewCanonicalizer(nil), testLogger())
	assert.Equal(t, []string{"https://vision.ics.uci.edu/root/page"}, links)
}
