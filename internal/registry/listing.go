package registry

import (
	"context"
	"errors"
	"regexp"
	"strconv"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

var yearPattern = regexp.MustCompile(`(?:^|[^0-9])((?:19|20)[0-9]{2})(?:[^0-9]|$)`)

// ListingPage discovers files by loading each of the source's listing pages
// for year and stamping the results with source metadata. Files found on
// pages that loaded are returned even when another page failed; the error
// then reports the failed pages.
func ListingPage(ctx context.Context, f acquire.Fetcher, src Source, year int, opts acquire.DiscoverOptions) ([]acquire.FileDescriptor, error) {
	pages := src.PageURLs(year)
	var (
		files []acquire.FileDescriptor
		errs  []error
	)
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		found, err := f.Discover(ctx, page, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, fd := range found {
			if src.MatchYear && !mentionsYear(fd, year) {
				continue
			}
			fd.SourceID = src.ID
			fd.SourceLabel = src.Label
			fd.FiscalYear = year
			fd.RequiresBrowser = src.RequiresBrowser()
			files = append(files, fd)
		}
	}
	if len(errs) > 0 {
		return files, &acquire.DiscoveryError{SourceID: src.ID, FiscalYear: year, Err: errors.Join(errs...)}
	}
	return files, nil
}

// mentionsYear keeps files that cite year or cite no year at all.
func mentionsYear(fd acquire.FileDescriptor, year int) bool {
	cited := false
	for _, text := range []string{fd.URL, fd.DisplayName} {
		for _, m := range yearPattern.FindAllStringSubmatch(text, -1) {
			cited = true
			if y, err := strconv.Atoi(m[1]); err == nil && (y == year || y == year-1) {
				return true
			}
		}
	}
	return !cited
}
