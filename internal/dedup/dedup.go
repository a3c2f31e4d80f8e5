// Package dedup drops candidate files that resolve to the same canonical URL.
package dedup

import (
	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

// Duplicate records a dropped descriptor and the source whose copy won.
type Duplicate struct {
	Key     string
	Dropped acquire.FileDescriptor
	Winner  acquire.FileDescriptor
}

// Deduplicate keeps the first descriptor per canonical key in input order.
// With enabled false every descriptor is kept.
func Deduplicate(files []acquire.FileDescriptor, enabled bool) ([]acquire.FileDescriptor, []Duplicate) {
	if !enabled {
		out := make([]acquire.FileDescriptor, len(files))
		copy(out, files)
		return out, nil
	}
	kept := make([]acquire.FileDescriptor, 0, len(files))
	winners := make(map[string]acquire.FileDescriptor, len(files))
	var dropped []Duplicate
	for _, f := range files {
		key := f.CanonicalKey()
		if w, seen := winners[key]; seen {
			dropped = append(dropped, Duplicate{
				Key:     key,
				Dropped: f,
				Winner:  w,
			})
			continue
		}
		winners[key] = f
		kept = append(kept, f)
	}
	return kept, dropped
}
