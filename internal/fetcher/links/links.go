// Package links extracts downloadable file links from listing pages.
package links

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

// Set accumulates file descriptors from anchors on one page, dropping
// repeated links and anything filtered by the discover options.
type Set struct {
	opts  acquire.DiscoverOptions
	seen  map[string]struct{}
	files []acquire.FileDescriptor
}

// NewSet builds an empty Set. Empty Extensions means acquire.DefaultExtensions.
func NewSet(opts acquire.DiscoverOptions) *Set {
	if len(opts.Extensions) == 0 {
		opts.Extensions = acquire.DefaultExtensions
	}
	return &Set{opts: opts, seen: make(map[string]struct{})}
}

// Add resolves href against base and records it when it names an allowed
// file type on a host that is not ignored. It reports whether the link was kept.
func (s *Set) Add(base *url.URL, href, text string) bool {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return false
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") {
		return false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return false
	}
	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return false
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	resolved := abs.String()

	ext := acquire.ExtensionOf(resolved)
	if !acquire.HasExtension(ext, s.opts.Extensions) {
		return false
	}
	if acquire.HostIgnored(resolved, s.opts.IgnoredHosts) {
		return false
	}
	key := acquire.PageKey(resolved)
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}

	display := strings.Join(strings.Fields(text), " ")
	filename := acquire.SanitizeFilename(resolved, "")
	if display == "" {
		display = filename
	}
	s.files = append(s.files, acquire.FileDescriptor{
		URL:         resolved,
		DisplayName: display,
		Filename:    filename,
		Extension:   ext,
		Category:    acquire.CategoryFor(ext),
	})
	return true
}

// Files returns the descriptors in document order.
func (s *Set) Files() []acquire.FileDescriptor {
	out := make([]acquire.FileDescriptor, len(s.files))
	copy(out, s.files)
	return out
}

// Extract collects every downloadable anchor in doc. A <base href> element
// overrides pageURL for resolution.
func Extract(pageURL string, doc *goquery.Document, opts acquire.DiscoverOptions) ([]acquire.FileDescriptor, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, &acquire.ParseError{Input: pageURL, Err: err}
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, berr := base.Parse(href); berr == nil {
			base = b
		}
	}
	set := NewSet(opts)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		text := sel.Text()
		if strings.TrimSpace(text) == "" {
			text = sel.AttrOr("title", "")
		}
		set.Add(base, href, text)
	})
	return set.Files(), nil
}

// ExtractHTML parses html and runs Extract over it.
func ExtractHTML(pageURL, html string, opts acquire.DiscoverOptions) ([]acquire.FileDescriptor, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &acquire.ParseError{Input: pageURL, Err: err}
	}
	return Extract(pageURL, doc, opts)
}
