// Package extract turns fetched HTML into the normalized markdown document
// the corpus stores and indexes.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

// Document is the extracted form of one page.
type Document struct {
	Title       string
	Description string
	Language    string
	// Text is markdown rendered from the main content.
	Text string
	// ClientRendered marks HTML that looks like a JavaScript application
	// shell.
	ClientRendered bool
}

// Extractor pulls main content out of HTML. It is safe for concurrent use.
type Extractor struct {
	md       *converter.Converter
	policy   *bluemonday.Policy
	detector *Detector
}

// New builds an Extractor. detector may be nil to skip language detection.
func New(detector *Detector) *Extractor {
	return &Extractor{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		policy:   bluemonday.UGCPolicy(),
		detector: detector,
	}
}

// Extract converts raw HTML fetched from pageURL. An empty Text is not an
// error here; callers decide whether the capture is complete.
func (e *Extractor) Extract(pageURL string, html []byte) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}

	var out Document
	mainHTML := ""
	parsedURL, _ := url.Parse(pageURL)
	if article, err := readability.FromReader(bytes.NewReader(html), parsedURL); err == nil {
		out.Title = clean(article.Title)
		out.Description = clean(article.Excerpt)
		mainHTML = article.Content
	}
	if strings.TrimSpace(mainHTML) == "" {
		mainHTML = bodyHTML(doc)
	}

	out.Text = e.markdown(mainHTML, pageURL)
	if out.Text == "" {
		out.Text = plainText(doc)
	}
	if out.Title == "" {
		out.Title = titleOf(doc)
	}
	if out.Description == "" {
		out.Description = metaContent(doc, "meta[name='description']", "meta[property='og:description']")
	}
	out.Language = e.language(doc, out.Text)
	out.ClientRendered = ClientRendered(html)
	return out, nil
}

func (e *Extractor) markdown(html, pageURL string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	safe := e.policy.Sanitize(html)
	md, err := e.md.ConvertString(safe, converter.WithDomain(pageURL))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(md)
}

func (e *Extractor) language(doc *goquery.Document, text string) string {
	if e.detector != nil {
		if lang := e.detector.Detect(text); lang != "" {
			return lang
		}
	}
	if lang, ok := doc.Find("html").Attr("lang"); ok {
		lang = strings.ToLower(strings.TrimSpace(lang))
		if i := strings.IndexAny(lang, "-_"); i > 0 {
			lang = lang[:i]
		}
		return lang
	}
	return ""
}

func bodyHTML(doc *goquery.Document) string {
	body := doc.Find("body").First().Clone()
	body.Find("script,style,noscript,nav,footer,header,aside,form,iframe").Remove()
	html, err := body.Html()
	if err != nil {
		return ""
	}
	return html
}

func plainText(doc *goquery.Document) string {
	body := doc.Find("body").First().Clone()
	body.Find("script,style,noscript").Remove()
	return clean(body.Text())
}

func titleOf(doc *goquery.Document) string {
	if title := clean(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if title := clean(doc.Find("h1").First().Text()); title != "" {
		return title
	}
	return metaContent(doc, "meta[property='og:title']", "meta[name='title']")
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if v = clean(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
