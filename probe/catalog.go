package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/ysmood/gson"

	"github.com/use-agent/shopmetrics/models"
	"github.com/use-agent/shopmetrics/timeout"
)

// Metric names of the built-in catalog.
const (
	MetricOrganicTraffic   = "organic_traffic"
	MetricOrganicKeywords  = "organic_keywords"
	MetricPaidTraffic      = "paid_traffic"
	MetricAuthorityScore   = "authority_score"
	MetricBacklinks        = "backlinks"
	MetricReferringDomains = "referring_domains"
	MetricTopCountry       = "top_country"
)

// Field binds one metric to its location on both paths.
type Field struct {
	Name     string `json:"name"`
	RPCPath  string `json:"rpc_path"` // dotted path into the RPC result
	Selector string `json:"selector"` // CSS selector on the rendered page
}

// Spec is the declarative form of a probe.
type Spec struct {
	Name    string  `json:"name"`
	Class   string  `json:"class"`
	Primary bool    `json:"primary,omitempty"`
	Method  string  `json:"method"` // RPC method
	Page    string  `json:"page"`   // page path template: {domain} {date} {db}
	Fields  []Field `json:"fields"`
}

// Catalog is the ordered probe list.
type Catalog []Spec

// DefaultCatalog returns the built-in probe set. Paths and selectors track
// the portal's current markup and are expected to drift; override them with
// LoadCatalog instead of editing code.
func DefaultCatalog() Catalog {
	return Catalog{
		{
			Name: "traffic", Class: timeout.ClassSimple, Primary: true,
			Method: "organic.Summary",
			Page:   "/analytics/overview/?q={domain}&date={date}&db={db}",
			Fields: []Field{
				{Name: MetricOrganicTraffic, RPCPath: "result.0.organicTraffic", Selector: "[data-test=organic-traffic] [data-test=value]"},
			},
		},
		{
			Name: "keywords", Class: timeout.ClassSimple,
			Method: "organic.Summary",
			Page:   "/analytics/overview/?q={domain}&date={date}&db={db}",
			Fields: []Field{
				{Name: MetricOrganicKeywords, RPCPath: "result.0.organicPositions", Selector: "[data-test=organic-keywords] [data-test=value]"},
			},
		},
		{
			Name: "paid", Class: timeout.ClassSimple,
			Method: "adwords.Summary",
			Page:   "/analytics/overview/?q={domain}&date={date}&db={db}",
			Fields: []Field{
				{Name: MetricPaidTraffic, RPCPath: "result.0.adwordsTraffic", Selector: "[data-test=paid-traffic] [data-test=value]"},
			},
		},
		{
			Name: "backlinks", Class: timeout.ClassHeavy,
			Method: "backlinks.Summary",
			Page:   "/analytics/backlinks/?q={domain}&date={date}",
			Fields: []Field{
				{Name: MetricAuthorityScore, RPCPath: "result.authorityScore", Selector: "[data-test=authority-score] [data-test=value]"},
				{Name: MetricBacklinks, RPCPath: "result.backlinks", Selector: "[data-test=backlinks-total] [data-test=value]"},
				{Name: MetricReferringDomains, RPCPath: "result.referringDomains", Selector: "[data-test=referring-domains] [data-test=value]"},
			},
		},
		{
			Name: "geo", Class: timeout.ClassSimple,
			Method: "organic.TrafficDistribution",
			Page:   "/analytics/overview/?q={domain}&date={date}&db={db}",
			Fields: []Field{
				{Name: MetricTopCountry, RPCPath: "result.0.country", Selector: "[data-test=traffic-distribution] tbody tr:first-child td:first-child"},
			},
		},
	}
}

// LoadCatalog reads a JSON catalog from path.
func LoadCatalog(path string) (Catalog, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("probe: read catalog: %w", err)
	}
	var cat Catalog
	if err := json.Unmarshal(body, &cat); err != nil {
		return nil, fmt.Errorf("probe: decode catalog: %w", err)
	}
	return cat, nil
}

// Required returns every metric name in catalog order.
func (c Catalog) Required() []string {
	var out []string
	for _, s := range c {
		for _, f := range s.Fields {
			out = append(out, f.Name)
		}
	}
	return out
}

// Caller is the remote-call path (see package portal).
type Caller interface {
	Call(ctx context.Context, method string, params map[string]any) (gson.JSON, error)
}

// Inspector renders a portal page and returns its HTML (see package session).
type Inspector interface {
	Inspect(ctx context.Context, pageURL string) (string, error)
}

// Env carries what the built probes need at call time.
type Env struct {
	Caller    Caller
	Inspector Inspector
	BaseURL   string
	Database  string
}

// Build compiles the catalog into runnable probes. Selectors are compiled
// up front so a broken override fails at startup.
func (c Catalog) Build(env Env) ([]Probe, error) {
	probes := make([]Probe, 0, len(c))
	seen := map[string]bool{}
	for _, spec := range c {
		if spec.Name == "" || len(spec.Fields) == 0 {
			return nil, fmt.Errorf("probe: catalog entry %q has no name or fields", spec.Name)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("probe: duplicate catalog entry %q", spec.Name)
		}
		seen[spec.Name] = true

		p := Probe{Name: spec.Name, Class: spec.Class, Primary: spec.Primary}
		matchers := make([]cascadia.Selector, len(spec.Fields))
		for i, f := range spec.Fields {
			p.Fields = append(p.Fields, f.Name)
			if f.Selector == "" {
				continue
			}
			sel, err := cascadia.Compile(f.Selector)
			if err != nil {
				return nil, fmt.Errorf("probe: %s.%s selector %q: %w", spec.Name, f.Name, f.Selector, err)
			}
			matchers[i] = sel
		}

		if env.Caller != nil && spec.Method != "" {
			p.Remote = remoteFunc(spec, env)
		}
		if env.Inspector != nil && spec.Page != "" {
			p.DOM = domFunc(spec, matchers, env)
		}
		probes = append(probes, p)
	}
	return probes, nil
}

func remoteFunc(spec Spec, env Env) Func {
	return func(ctx context.Context, item models.WorkItem, dr models.DateRange) (models.Fields, error) {
		res, err := env.Caller.Call(ctx, spec.Method, map[string]any{
			"domain":   item.Domain,
			"date":     dr.Month(),
			"database": env.Database,
		})
		if err != nil {
			return nil, err
		}
		fields := make(models.Fields, len(spec.Fields))
		for _, f := range spec.Fields {
			fields[f.Name] = lookup(res, f.RPCPath)
		}
		return fields, nil
	}
}

func domFunc(spec Spec, matchers []cascadia.Selector, env Env) Func {
	return func(ctx context.Context, item models.WorkItem, dr models.DateRange) (models.Fields, error) {
		html, err := env.Inspector.Inspect(ctx, PageURL(env.BaseURL, spec.Page, item.Domain, dr, env.Database))
		if err != nil {
			return nil, err
		}
		return ExtractFields(html, spec.Fields, matchers)
	}
}

// PageURL expands a page template against the portal base URL.
func PageURL(base, tmpl, domain string, dr models.DateRange, db string) string {
	return strings.TrimRight(base, "/") + strings.NewReplacer(
		"{domain}", domain,
		"{date}", dr.String(),
		"{db}", db,
	).Replace(tmpl)
}

// ExtractFields reads each field's first selector match from html.
// matchers[i] may be nil when the field has no DOM location.
func ExtractFields(html string, fields []Field, matchers []cascadia.Selector) (models.Fields, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("probe: parse page: %w", err)
	}
	out := make(models.Fields, len(fields))
	for i, f := range fields {
		out[f.Name] = models.NotFound
		if i >= len(matchers) || matchers[i] == nil {
			continue
		}
		text := strings.Join(strings.Fields(doc.FindMatcher(matchers[i]).First().Text()), " ")
		if text != "" && text != "n/a" && text != "-" {
			out[f.Name] = text
		}
	}
	return out, nil
}

// lookup resolves a dotted path ("result.0.organicTraffic") in an RPC
// result and renders the value as a string, or NotFound.
func lookup(res gson.JSON, path string) string {
	if path == "" {
		return models.NotFound
	}
	parts := strings.Split(path, ".")
	keys := make([]interface{}, len(parts))
	for i, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			keys[i] = n
		} else {
			keys[i] = p
		}
	}
	v, ok := res.Gets(keys...)
	if !ok || v.Nil() {
		return models.NotFound
	}
	switch val := v.Val().(type) {
	case string:
		if s := strings.TrimSpace(val); s != "" {
			return s
		}
		return models.NotFound
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return models.NotFound
		}
		return string(b)
	}
}
