package fetch

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
	readability "github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

// Cleaned is the reduced form of a fetched page. CleanedText is what the AI
// extractors consume; CleanedHTML keeps structure for selector-based ones.
type Cleaned struct {
	Title       string
	CleanedHTML string
	CleanedText string
	SizeBefore  int
	SizeAfter   int
}

// Cleaner reduces raw listing HTML to its main content.
type Cleaner struct {
	policy      *bluemonday.Policy
	mdConverter *converter.Converter
}

// NewCleaner creates a Cleaner.
func NewCleaner() *Cleaner {
	return &Cleaner{
		policy: bluemonday.UGCPolicy(),
		mdConverter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Clean isolates the main content of a page, strips markup that carries no
// information for extraction, and renders a markdown text form.
//
// Readability failures are not fatal: job boards wrap listings in enough
// boilerplate that readability occasionally rejects the page, in which case
// the sanitized full document is used instead.
func (c *Cleaner) Clean(rawHTML []byte, pageURL string) (*Cleaned, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	out := &Cleaned{SizeBefore: len(rawHTML)}

	content := string(rawHTML)
	article, err := readability.FromReader(bytes.NewReader(rawHTML), u)
	if err == nil && strings.TrimSpace(article.Content) != "" {
		content = article.Content
		out.Title = article.Title
	}

	out.CleanedHTML = c.policy.Sanitize(content)
	out.SizeAfter = len(out.CleanedHTML)

	md, err := c.mdConverter.ConvertString(out.CleanedHTML, converter.WithDomain(pageURL))
	if err == nil && strings.TrimSpace(md) != "" {
		out.CleanedText = strings.TrimSpace(md)
		return out, nil
	}

	// Markdown conversion rejected the fragment; fall back to bare text.
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(out.CleanedHTML))
	if err != nil {
		return nil, fmt.Errorf("parse cleaned html: %w", err)
	}
	out.CleanedText = strings.TrimSpace(collapseWhitespace(doc.Text()))
	return out, nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
