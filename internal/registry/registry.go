// Package registry holds the static table of known document sources.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

// Strategy names the fetch client a source requires.
type Strategy string

// Fetch strategies.
const (
	StrategyDirect  Strategy = "direct"
	StrategyBrowser Strategy = "browser"
)

// All selects every source or year.
const All = "all"

// DiscoverFunc enumerates the files a source publishes for one fiscal year.
type DiscoverFunc func(ctx context.Context, f acquire.Fetcher, src Source, year int, opts acquire.DiscoverOptions) ([]acquire.FileDescriptor, error)

// Source is one registry entry. It is pure configuration.
type Source struct {
	ID       string
	Label    string
	Strategy Strategy
	// URLTemplates overrides DefaultTemplates for specific fiscal years.
	// Templates may use {year}, {fy} (two digits) and {prev}.
	URLTemplates     map[int][]string
	DefaultTemplates []string
	FirstYear        int
	// LastYear of 0 means the current fiscal year.
	LastYear int
	// MatchYear drops files whose names cite other years but not the target.
	MatchYear bool
	Discover  DiscoverFunc
}

// RequiresBrowser reports whether downloads must go through the browser lane.
func (s Source) RequiresBrowser() bool {
	return s.Strategy == StrategyBrowser
}

// PageURLs expands the listing pages for year.
func (s Source) PageURLs(year int) []string {
	templates := s.DefaultTemplates
	if t, ok := s.URLTemplates[year]; ok {
		templates = t
	}
	out := make([]string, 0, len(templates))
	for _, t := range templates {
		out = append(out, expand(t, year))
	}
	return out
}

// Covers reports whether the source publishes year.
func (s Source) Covers(year int, now time.Time) bool {
	if _, ok := s.URLTemplates[year]; ok {
		return true
	}
	last := s.LastYear
	if last == 0 {
		last = CurrentFiscalYear(now)
	}
	return year >= s.FirstYear && year <= last && len(s.DefaultTemplates) > 0
}

func expand(template string, year int) string {
	r := strings.NewReplacer(
		"{year}", strconv.Itoa(year),
		"{fy}", fmt.Sprintf("%02d", year%100),
		"{prev}", strconv.Itoa(year-1),
	)
	return r.Replace(template)
}

// CurrentFiscalYear returns the state fiscal year containing now. Fiscal
// year N starts on September 1 of calendar year N-1.
func CurrentFiscalYear(now time.Time) int {
	if now.Month() >= time.September {
		return now.Year() + 1
	}
	return now.Year()
}

// Registry indexes sources by id, preserving declaration order.
type Registry struct {
	sources map[string]Source
	order   []string
}

// New validates sources and builds a Registry. Sources without a Discover
// routine use ListingPage.
func New(sources ...Source) (*Registry, error) {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, src := range sources {
		if src.ID == "" || src.ID == All {
			return nil, fmt.Errorf("invalid source id %q", src.ID)
		}
		if _, dup := r.sources[src.ID]; dup {
			return nil, fmt.Errorf("duplicate source id %q", src.ID)
		}
		if src.Strategy != StrategyDirect && src.Strategy != StrategyBrowser {
			return nil, fmt.Errorf("source %s: unknown strategy %q", src.ID, src.Strategy)
		}
		if len(src.DefaultTemplates) == 0 && len(src.URLTemplates) == 0 {
			return nil, fmt.Errorf("source %s: no url templates", src.ID)
		}
		if src.Label == "" {
			src.Label = src.ID
		}
		if src.Discover == nil {
			src.Discover = ListingPage
		}
		r.sources[src.ID] = src
		r.order = append(r.order, src.ID)
	}
	return r, nil
}

// Get returns the source with id.
func (r *Registry) Get(id string) (Source, error) {
	src, ok := r.sources[id]
	if !ok {
		return Source{}, fmt.Errorf("%w: %q", acquire.ErrUnknownSource, id)
	}
	return src, nil
}

// IDs lists source ids in declaration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns every source in declaration order.
func (r *Registry) All() []Source {
	out := make([]Source, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sources[id])
	}
	return out
}

// Resolve maps requested ids to sources in declaration order, whatever order
// they were requested in. An empty list or "all" selects every source; unknown
// ids are a configuration error.
func (r *Registry) Resolve(ids []string) ([]Source, error) {
	if len(ids) == 0 {
		return r.All(), nil
	}
	seen := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		for _, id := range strings.Split(raw, ",") {
			id = strings.ToLower(strings.TrimSpace(id))
			if id == "" {
				continue
			}
			if id == All {
				return r.All(), nil
			}
			if _, err := r.Get(id); err != nil {
				return nil, err
			}
			seen[id] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return r.All(), nil
	}
	var out []Source
	for _, id := range r.order {
		if _, ok := seen[id]; ok {
			out = append(out, r.sources[id])
		}
	}
	return out, nil
}

// Years returns every fiscal year at least one source covers, ascending.
func (r *Registry) Years(now time.Time) []int {
	set := make(map[int]struct{})
	for _, src := range r.sources {
		for y := range src.URLTemplates {
			set[y] = struct{}{}
		}
		if len(src.DefaultTemplates) == 0 || src.FirstYear == 0 {
			continue
		}
		last := src.LastYear
		if last == 0 {
			last = CurrentFiscalYear(now)
		}
		for y := src.FirstYear; y <= last; y++ {
			set[y] = struct{}{}
		}
	}
	out := make([]int, 0, len(set))
	for y := range set {
		out = append(out, y)
	}
	sort.Ints(out)
	return out
}

// ParseYears parses year arguments. "all" expands to Years(now); values may
// be separated by spaces or commas, and "2020-2023" ranges are accepted.
func (r *Registry) ParseYears(args []string, now time.Time) ([]int, error) {
	set := make(map[int]struct{})
	for _, raw := range args {
		for _, tok := range strings.FieldsFunc(raw, func(c rune) bool { return c == ',' || c == ' ' }) {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if tok == All {
				for _, y := range r.Years(now) {
					set[y] = struct{}{}
				}
				continue
			}
			if lo, hi, ok := strings.Cut(tok, "-"); ok {
				from, err1 := parseYear(lo)
				to, err2 := parseYear(hi)
				if err1 != nil || err2 != nil || from > to {
					return nil, fmt.Errorf("invalid year range %q", tok)
				}
				for y := from; y <= to; y++ {
					set[y] = struct{}{}
				}
				continue
			}
			y, err := parseYear(tok)
			if err != nil {
				return nil, err
			}
			set[y] = struct{}{}
		}
	}
	if len(set) == 0 {
		return []int{CurrentFiscalYear(now)}, nil
	}
	out := make([]int, 0, len(set))
	for y := range set {
		out = append(out, y)
	}
	sort.Ints(out)
	return out, nil
}

func parseYear(s string) (int, error) {
	y, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || y < 1900 || y > 2200 {
		return 0, fmt.Errorf("invalid fiscal year %q", s)
	}
	return y, nil
}
