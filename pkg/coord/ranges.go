package coord

import (
	"slices"

	"github.com/calvinalkan/exmap/pkg/exmap"
)

// sortedUnique returns the ids in ascending order without duplicates.
// Every worker locks in this order, so two workers can not wait on each
// other within one call.
func sortedUnique(ids []uint64) []uint64 {
	out := slices.Clone(ids)
	slices.Sort(out)

	return slices.Compact(out)
}

// coalesce turns ascending unique ids into contiguous descriptors, split so
// that no length exceeds what a slot can encode.
func coalesce(ids []uint64) []exmap.Descriptor {
	var out []exmap.Descriptor

	for _, id := range ids {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Page+last.Len == id && last.Len < exmap.MaxDescriptorLen {
				last.Len++

				continue
			}
		}

		out = append(out, exmap.Descriptor{Page: id, Len: 1})
	}

	return out
}
