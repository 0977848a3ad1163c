// Package extractor turns cleaned job listing pages into structured fields.
//
// Extraction is a fallback chain: a board-specific selector strategy runs
// first when one matches the listing's domain, then the AI provider chain,
// and Resolve keeps the best weak result as a fallback when nothing clears
// the acceptance threshold.
package extractor

import (
	"context"
	"strings"

	"github.com/jobsift/scrapeline/scrape/internal/store"
)

// Tracked listing fields and their confidence weights. Weights sum to 1;
// a result's confidence is the weight sum of its successfully extracted
// fields.
const (
	FieldTitle          = "title"
	FieldCompany        = "company"
	FieldLocation       = "location"
	FieldDescription    = "description"
	FieldEmploymentType = "employment_type"
	FieldSalary         = "salary"
)

// Fields lists the tracked fields in canonical order.
var Fields = []string{
	FieldTitle, FieldCompany, FieldLocation,
	FieldDescription, FieldEmploymentType, FieldSalary,
}

var fieldWeights = map[string]float64{
	FieldTitle:          0.25,
	FieldCompany:        0.20,
	FieldLocation:       0.10,
	FieldDescription:    0.25,
	FieldEmploymentType: 0.10,
	FieldSalary:         0.10,
}

// Input is the page content a strategy works on.
type Input struct {
	AttemptID   string
	URL         string
	Domain      string
	CleanedHTML string
	CleanedText string
}

// FieldResult is the outcome for one tracked field.
type FieldResult struct {
	Value    string `json:"value,omitempty"`
	Success  bool   `json:"success"`
	Selector string `json:"selector,omitempty"`
}

// Result is the outcome of one extraction pass.
type Result struct {
	Fields     map[string]FieldResult `json:"fields"`
	Confidence float64                `json:"confidence"`
	Method     string                 `json:"method"`
	Provider   string                 `json:"provider,omitempty"`
}

// Score recomputes the result's confidence from its field successes.
func (r *Result) Score() float64 {
	var c float64
	for name, f := range r.Fields {
		if f.Success && strings.TrimSpace(f.Value) != "" {
			c += fieldWeights[name]
		}
	}
	r.Confidence = c
	return c
}

// Extracted returns how many tracked fields were successfully extracted.
func (r *Result) Extracted() int {
	n := 0
	for _, f := range r.Fields {
		if f.Success {
			n++
		}
	}
	return n
}

// Strategy extracts fields from a page. Applies is a cheap domain check;
// Extract may be expensive (network, model calls).
type Strategy interface {
	Name() string
	Applies(domain string) bool
	Extract(ctx context.Context, in *Input) (*Result, error)
}

// Acceptable reports whether the result clears the acceptance threshold.
func (r *Result) Acceptable(threshold float64) bool {
	return r != nil && r.Confidence >= threshold
}

// Resolve picks the outcome of an extraction pass over the results of the
// strategies that ran, in order. The first acceptable result wins as-is;
// otherwise the best weak result with at least one extracted field is kept
// with Method set to "fallback". Nil means nothing usable was extracted.
func Resolve(threshold float64, results ...*Result) *Result {
	var best *Result
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Acceptable(threshold) {
			return r
		}
		if best == nil || r.Confidence > best.Confidence {
			best = r
		}
	}
	if best != nil && best.Extracted() > 0 {
		best.Method = store.MethodFallback
		return best
	}
	return nil
}
