package kozeki

import (
	"slices"
	"sort"
	"strings"
)

// CollectionOptionSet resolves the options of a collection by the longest
// configured prefix matching its name.
type CollectionOptionSet struct {
	options               []CollectionOptions
	hideCollectionsInItem bool
}

// NewCollectionOptionSet copies options and orders them longest prefix
// first. Among equal prefixes the first configured wins.
func NewCollectionOptionSet(options []CollectionOptions, hideCollectionsInItem bool) *CollectionOptionSet {
	sorted := slices.Clone(options)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &CollectionOptionSet{options: sorted, hideCollectionsInItem: hideCollectionsInItem}
}

// Resolve returns a copy of the options for the named collection.
func (s *CollectionOptionSet) Resolve(name string) CollectionOptions {
	var resolved CollectionOptions
	for _, o := range s.options {
		if strings.HasPrefix(name, o.Prefix) {
			resolved = o
			resolved.MetaKeys = slices.Clone(o.MetaKeys)
			break
		}
	}
	if resolved.HideCollections == nil && s.hideCollectionsInItem {
		hide := true
		resolved.HideCollections = &hide
	}
	return resolved
}
