package extractor

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jobsift/scrapeline/scrape/internal/store"
)

// selectorSet maps tracked fields to goquery selectors for one job board.
// Selectors are tried in order; the first non-empty match wins.
type selectorSet map[string][]string

// BoardExtractor extracts fields with CSS selectors known for one job board
// family. It applies when the listing's domain contains any of its domain
// fragments.
type BoardExtractor struct {
	name      string
	domains   []string
	selectors selectorSet
}

func (b *BoardExtractor) Name() string { return b.name }

func (b *BoardExtractor) Applies(domain string) bool {
	d := strings.ToLower(domain)
	for _, frag := range b.domains {
		if strings.Contains(d, frag) {
			return true
		}
	}
	return false
}

func (b *BoardExtractor) Extract(ctx context.Context, in *Input) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(in.CleanedHTML))
	if err != nil {
		return nil, fmt.Errorf("%s: parse html: %w", b.name, err)
	}

	res := &Result{Fields: make(map[string]FieldResult), Method: store.MethodStructured}
	for _, field := range Fields {
		fr := FieldResult{}
		for _, sel := range b.selectors[field] {
			text := strings.TrimSpace(doc.Find(sel).First().Text())
			if text != "" {
				fr = FieldResult{Value: collapseSpace(text), Success: true, Selector: sel}
				break
			}
		}
		res.Fields[field] = fr
	}
	res.Score()
	return res, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NewGreenhouse matches Greenhouse-hosted boards.
func NewGreenhouse() *BoardExtractor {
	return &BoardExtractor{
		name:    "greenhouse",
		domains: []string{"greenhouse.io"},
		selectors: selectorSet{
			FieldTitle:       {"h1.app-title", ".job__title h1", "h1"},
			FieldCompany:     {".company-name", "span.company-name"},
			FieldLocation:    {".location", ".job__location"},
			FieldDescription: {"#content", ".job__description", "#app_body"},
			FieldSalary:      {".pay-range", ".salary"},
		},
	}
}

// NewLever matches Lever-hosted boards.
func NewLever() *BoardExtractor {
	return &BoardExtractor{
		name:    "lever",
		domains: []string{"lever.co"},
		selectors: selectorSet{
			FieldTitle:          {".posting-headline h2", "h2"},
			FieldCompany:        {".main-header-logo img[alt]", ".posting-headline .company"},
			FieldLocation:       {".posting-categories .location", ".sort-by-time.posting-category"},
			FieldDescription:    {".section-wrapper .section:not(.last-section-apply)", ".posting-page"},
			FieldEmploymentType: {".posting-categories .commitment"},
		},
	}
}

// NewWorkday matches Workday-hosted boards.
func NewWorkday() *BoardExtractor {
	return &BoardExtractor{
		name:    "workday",
		domains: []string{"myworkdayjobs.com", "workday.com"},
		selectors: selectorSet{
			FieldTitle:          {`h1[data-automation-id="jobPostingHeader"]`, "h1"},
			FieldCompany:        {`div[data-automation-id="company"]`},
			FieldLocation:       {`div[data-automation-id="locations"] dd`, `div[data-automation-id="location"]`},
			FieldDescription:    {`div[data-automation-id="jobPostingDescription"]`},
			FieldEmploymentType: {`div[data-automation-id="time"] dd`},
		},
	}
}

// Boards returns the built-in board extractors in registration order.
func Boards() []Strategy {
	return []Strategy{NewGreenhouse(), NewLever(), NewWorkday()}
}
