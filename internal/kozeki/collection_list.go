package kozeki

import "slices"

// CollectionList is the index of every collection.
type CollectionList struct {
	names []string
}

// NewCollectionList sorts names alphabetically.
func NewCollectionList(names []string) *CollectionList {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	return &CollectionList{names: slices.Compact(sorted)}
}

// Path returns collections.json.
func (l *CollectionList) Path() Path {
	return Path{"collections.json"}
}

type collectionListEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type collectionListDocument struct {
	Kind        string                `json:"kind"`
	Collections []collectionListEntry `json:"collections"`
	Build       map[string]any        `json:"kozeki_build"`
}

// JSON encodes the index stamped with build.
func (l *CollectionList) JSON(build map[string]any) ([]byte, error) {
	doc := collectionListDocument{
		Kind:        "collection_list",
		Collections: make([]collectionListEntry, 0, len(l.names)),
		Build:       buildBlock(build),
	}
	for _, name := range l.names {
		doc.Collections = append(doc.Collections, collectionListEntry{
			Name: name,
			Path: (&Collection{name: name}).PagePath(1).String(),
		})
	}
	return encodeDocument(doc)
}
