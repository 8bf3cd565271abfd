// Package report summarises an enriched document: per-bucket label counts
// and expense totals per category.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"txn-enricher/internal/txn"

	"github.com/shopspring/decimal"
)

// Output formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// BucketSummary holds the counts for one bucket.
type BucketSummary struct {
	Bucket           string          `json:"bucket"`
	Transactions     int             `json:"transactions"`
	Spontaneous      int             `json:"spontaneous"`
	SpontaneousSpend decimal.Decimal `json:"spontaneous_spend"`
}

// CategoryTotal is the absolute spend of one category.
type CategoryTotal struct {
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
}

// Report is the end-of-run summary.
type Report struct {
	RunID            string          `json:"run_id,omitempty"`
	ModelVersion     string          `json:"model_version,omitempty"`
	GeneratedAt      time.Time       `json:"generated_at"`
	Transactions     int             `json:"transactions"`
	Spontaneous      int             `json:"spontaneous"`
	SpontaneousRatio float64         `json:"spontaneous_ratio"`
	Buckets          []BucketSummary `json:"buckets"`
	// Categories and SpontaneousByCategory are sorted by amount, largest first.
	Categories            []CategoryTotal `json:"categories"`
	SpontaneousByCategory []CategoryTotal `json:"spontaneous_by_category"`
}

// Build aggregates an enriched document. Unlabelled transactions count as
// not spontaneous; a missing amount counts as zero.
func Build(doc *txn.Document, runID, modelVersion string, now time.Time) (*Report, error) {
	r := &Report{
		RunID:                 runID,
		ModelVersion:          modelVersion,
		GeneratedAt:           now,
		Buckets:               []BucketSummary{},
		Categories:            []CategoryTotal{},
		SpontaneousByCategory: []CategoryTotal{},
	}

	totals := make(map[string]decimal.Decimal)
	spontaneous := make(map[string]decimal.Decimal)

	for _, name := range doc.BucketNames() {
		txns, _ := doc.Bucket(name)
		summary := BucketSummary{Bucket: name, Transactions: len(txns)}

		for i, tx := range txns {
			amount, err := tx.Amount()
			if err != nil {
				return nil, fmt.Errorf("bucket %s entry %d: %w", name, i, err)
			}
			spend := amount.Decimal.Abs()
			category, err := tx.Category()
			if err != nil {
				return nil, fmt.Errorf("bucket %s entry %d: %w", name, i, err)
			}
			totals[category] = totals[category].Add(spend)

			if label, ok := tx.Prediction(); ok && label {
				summary.Spontaneous++
				summary.SpontaneousSpend = summary.SpontaneousSpend.Add(spend)
				spontaneous[category] = spontaneous[category].Add(spend)
			}
		}

		r.Transactions += summary.Transactions
		r.Spontaneous += summary.Spontaneous
		r.Buckets = append(r.Buckets, summary)
	}

	if r.Transactions > 0 {
		r.SpontaneousRatio = float64(r.Spontaneous) / float64(r.Transactions)
	}
	r.Categories = sortedTotals(totals)
	r.SpontaneousByCategory = sortedTotals(spontaneous)
	return r, nil
}

func sortedTotals(m map[string]decimal.Decimal) []CategoryTotal {
	out := make([]CategoryTotal, 0, len(m))
	for c, a := range m {
		out = append(out, CategoryTotal{Category: c, Amount: a})
	}
	slices.SortFunc(out, func(a, b CategoryTotal) int {
		if c := b.Amount.Cmp(a.Amount); c != 0 {
			return c
		}
		return strings.Compare(a.Category, b.Category)
	})
	return out
}

// FormatForPath picks JSON for .json paths and text otherwise.
func FormatForPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatText
}

// Encode renders the report in the given format.
func (r *Report) Encode(format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal report: %w", err)
		}
		return append(data, '\n'), nil
	case FormatText:
		var sb strings.Builder
		if err := r.WriteText(&sb); err != nil {
			return nil, err
		}
		return []byte(sb.String()), nil
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

// WriteText writes a human-readable summary.
func (r *Report) WriteText(w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("SPONTANEITY REPORT\n")
	ew.printf("==================\n\n")
	if r.RunID != "" {
		ew.printf("Run ID: %s\n", r.RunID)
	}
	if r.ModelVersion != "" {
		ew.printf("Model Version: %s\n", r.ModelVersion)
	}
	ew.printf("Generated: %s\n\n", r.GeneratedAt.Format("2006-01-02 15:04:05"))

	ew.printf("Total Transactions: %d\n", r.Transactions)
	ew.printf("Predicted Spontaneous: %d (%.2f%%)\n\n", r.Spontaneous, r.SpontaneousRatio*100)

	ew.printf("BY BUCKET\n")
	ew.printf("---------\n")
	for _, b := range r.Buckets {
		ew.printf("%s: %d transactions, %d spontaneous, %s spontaneous spend\n",
			b.Bucket, b.Transactions, b.Spontaneous, b.SpontaneousSpend.StringFixed(2))
	}

	ew.printf("\nSPEND BY CATEGORY\n")
	ew.printf("-----------------\n")
	for _, c := range r.Categories {
		ew.printf("%s: %s\n", c.Category, c.Amount.StringFixed(2))
	}

	if len(r.SpontaneousByCategory) > 0 {
		ew.printf("\nSPONTANEOUS SPEND BY CATEGORY\n")
		ew.printf("-----------------------------\n")
		for _, c := range r.SpontaneousByCategory {
			ew.printf("%s: %s\n", c.Category, c.Amount.StringFixed(2))
		}
	}
	return ew.err
}

// errWriter keeps the first write error and skips later writes.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
