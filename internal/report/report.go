package report

import (
	"encoding/csv"
	"fmt"
	htmltemplate "html/template"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/FranksOps/adscan/internal/registry"
	"github.com/FranksOps/adscan/internal/scan"
	"github.com/goccy/go-json"
)

// Matcher resolves seller ids against the registry.
type Matcher interface {
	Match(ids map[string]struct{}) []registry.Seller
}

// Entry is the report row for one origin.
type Entry struct {
	ScanID         string            `json:"scan_id,omitempty"`
	Origin         string            `json:"origin"`
	Count          int               `json:"count"`
	AdsFound       bool              `json:"ads_found"`
	AppAdsFound    bool              `json:"app_ads_found"`
	AppAdsFallback bool              `json:"app_ads_fallback,omitempty"`
	AdsLines       int               `json:"ads_lines"`
	AppAdsLines    int               `json:"app_ads_lines"`
	SellerIDs      []string          `json:"seller_ids"`
	Sellers        []registry.Seller `json:"sellers"`
	Error          string            `json:"error,omitempty"`
	Duration       time.Duration     `json:"duration_ns"`
}

// Summary aggregates a batch scan.
type Summary struct {
	Brand             string    `json:"brand"`
	RegistryURL       string    `json:"registry_url,omitempty"`
	RegistryFetchedAt time.Time `json:"registry_fetched_at"`
	GeneratedAt       time.Time `json:"generated_at"`

	Origins        int     `json:"origins"`
	WithBrand      int     `json:"with_brand"`
	Errors         int     `json:"errors"`
	BrandLines     int     `json:"brand_lines"`
	MatchedSellers int     `json:"matched_sellers"`
	Entries        []Entry `json:"entries"`
}

// Build turns inspections into a summary. m may be nil when no registry is
// available, in which case no sellers are resolved.
func Build(results []scan.Inspection, m Matcher) Summary {
	s := Summary{Entries: make([]Entry, 0, len(results))}

	for _, r := range results {
		e := Entry{
			ScanID:         r.ScanID,
			Origin:         r.Origin,
			Count:          r.Count,
			AdsFound:       r.Ads.Succeeded,
			AppAdsFound:    r.AppAds.Succeeded,
			AppAdsFallback: r.AppAdsFallback,
			AdsLines:       r.AdsLines,
			AppAdsLines:    r.AppLines,
			SellerIDs:      sortedIDs(r.SellerIDs),
			Duration:       r.Duration,
		}
		if r.Err != nil {
			e.Error = r.Err.Error()
			s.Errors++
		}
		if m != nil {
			e.Sellers = m.Match(r.SellerIDs)
		}

		s.Origins++
		s.BrandLines += e.Count
		s.MatchedSellers += len(e.Sellers)
		if e.Count > 0 {
			s.WithBrand++
		}
		s.Entries = append(s.Entries, e)
	}
	return s
}

func sortedIDs(ids map[string]struct{}) []string {
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	// Numeric order; ids are digits-only so length then lexical works.
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) < len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

// WriteJSON writes the summary as indented JSON.
func WriteJSON(w io.Writer, summary Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("report json: %w", err)
	}
	return nil
}

var csvHeader = []string{
	"origin",
	"count",
	"ads_found",
	"app_ads_found",
	"app_ads_fallback",
	"ads_lines",
	"app_ads_lines",
	"seller_ids",
	"sellers",
	"error",
	"scan_id",
}

// WriteCSV writes one row per origin. Multi-valued columns are joined with ';'.
func WriteCSV(w io.Writer, summary Summary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("report csv: %w", err)
	}

	for _, e := range summary.Entries {
		sellers := make([]string, len(e.Sellers))
		for i, s := range e.Sellers {
			sellers[i] = s.String()
		}
		row := []string{
			e.Origin,
			strconv.Itoa(e.Count),
			strconv.FormatBool(e.AdsFound),
			strconv.FormatBool(e.AppAdsFound),
			strconv.FormatBool(e.AppAdsFallback),
			strconv.Itoa(e.AdsLines),
			strconv.Itoa(e.AppAdsLines),
			strings.Join(e.SellerIDs, ";"),
			strings.Join(sellers, ";"),
			e.Error,
			e.ScanID,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("report csv: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report csv: %w", err)
	}
	return nil
}

const textTmpl = `adscan report
-------------
Brand:         {{.Brand}}
Registry:      {{if .RegistryURL}}{{.RegistryURL}}{{else}}none{{end}}{{if not .RegistryFetchedAt.IsZero}} (fetched {{.RegistryFetchedAt.Format "2006-01-02 15:04:05"}}){{end}}
Generated:     {{.GeneratedAt.Format "2006-01-02 15:04:05"}}
Origins:       {{.Origins}} ({{.WithBrand}} with brand lines, {{.Errors}} errors)
Brand lines:   {{.BrandLines}}
Sellers:       {{.MatchedSellers}} matched
{{range .Entries}}
{{.Origin}}  [{{.Count}}]
{{- if .Error}}
  error: {{.Error}}
{{- else}}
  ads.txt: {{if .AdsFound}}{{.AdsLines}} lines{{else}}missing{{end}}, app-ads.txt: {{if .AppAdsFound}}{{.AppAdsLines}} lines{{if .AppAdsFallback}} (direct){{end}}{{else}}missing{{end}}
{{- range .Sellers}}
  {{.}}
{{- else}}{{if .SellerIDs}}
  unmatched seller ids: {{join .SellerIDs ", "}}{{end}}
{{- end}}
{{- end}}
{{end}}`

// WriteText writes a human-readable report.
func WriteText(w io.Writer, summary Summary) error {
	t, err := template.New("textReport").Funcs(template.FuncMap{"join": strings.Join}).Parse(textTmpl)
	if err != nil {
		return fmt.Errorf("report text: %w", err)
	}
	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("report text: %w", err)
	}
	return nil
}

const htmlTmpl = `<!DOCTYPE html>
<html>
<head>
<title>adscan report</title>
<style>
  body { font-family: sans-serif; margin: 40px; color: #333; }
  h1 { border-bottom: 2px solid #21aeb3; padding-bottom: 10px; }
  .stat-card { display: inline-block; padding: 20px; margin: 10px 10px 10px 0; background: #f4f4f4; border-radius: 5px; min-width: 150px; }
  .stat-val { font-size: 24px; font-weight: bold; }
  table { border-collapse: collapse; margin-top: 10px; }
  th, td { padding: 8px 12px; border: 1px solid #ccc; text-align: left; vertical-align: top; }
  th { background: #eaeaea; }
  .err { color: #b00; }
</style>
</head>
<body>
  <h1>adscan report: {{.Brand}}</h1>
  <p><strong>Generated:</strong> {{.GeneratedAt.Format "2006-01-02 15:04:05"}}
  {{- if .RegistryURL}} &middot; <strong>Registry:</strong> {{.RegistryURL}}{{end}}</p>

  <div class="stat-card"><div>Origins</div><div class="stat-val">{{.Origins}}</div></div>
  <div class="stat-card"><div>With brand</div><div class="stat-val">{{.WithBrand}}</div></div>
  <div class="stat-card"><div>Brand lines</div><div class="stat-val">{{.BrandLines}}</div></div>
  <div class="stat-card"><div>Matched sellers</div><div class="stat-val">{{.MatchedSellers}}</div></div>
  <div class="stat-card"><div>Errors</div><div class="stat-val" style="color: {{if gt .Errors 0}}red{{else}}green{{end}};">{{.Errors}}</div></div>

  <table>
    <tr><th>Origin</th><th>Count</th><th>ads.txt</th><th>app-ads.txt</th><th>Sellers</th></tr>
    {{- range .Entries}}
    <tr>
      <td>{{.Origin}}</td>
      <td>{{.Count}}</td>
      {{- if .Error}}
      <td colspan="3" class="err">{{.Error}}</td>
      {{- else}}
      <td>{{if .AdsFound}}{{.AdsLines}} lines{{else}}missing{{end}}</td>
      <td>{{if .AppAdsFound}}{{.AppAdsLines}} lines{{else}}missing{{end}}</td>
      <td>{{range .Sellers}}{{.}}<br>{{else}}none{{end}}</td>
      {{- end}}
    </tr>
    {{- else}}
    <tr><td colspan="5">None</td></tr>
    {{- end}}
  </table>
</body>
</html>
`

// WriteHTML writes a standalone HTML report. Values are escaped.
func WriteHTML(w io.Writer, summary Summary) error {
	t, err := htmltemplate.New("htmlReport").Parse(htmlTmpl)
	if err != nil {
		return fmt.Errorf("report html: %w", err)
	}
	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("report html: %w", err)
	}
	return nil
}

// Write dispatches on format: text, json, csv or html.
func Write(w io.Writer, format string, summary Summary) error {
	switch strings.ToLower(format) {
	case "", "text":
		return WriteText(w, summary)
	case "json":
		return WriteJSON(w, summary)
	case "csv":
		return WriteCSV(w, summary)
	case "html":
		return WriteHTML(w, summary)
	}
	return fmt.Errorf("report: unknown format %q", format)
}
