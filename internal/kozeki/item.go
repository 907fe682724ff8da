package kozeki

import (
	"encoding/json"
	"fmt"
)

// Item is the rendered artifact of a single source.
type Item struct {
	ID    string
	Meta  map[string]any
	Data  map[string]any
	Build map[string]any
}

type itemDocument struct {
	Kind  string         `json:"kind"`
	ID    string         `json:"id"`
	Meta  map[string]any `json:"meta"`
	Data  map[string]any `json:"data"`
	Build map[string]any `json:"kozeki_build"`
}

// Path returns items/<id>.json.
func (i *Item) Path() Path {
	return itemPath(i.ID)
}

// JSON encodes the item document. When hideCollections is set the
// "collections" key is left out of meta.
func (i *Item) JSON(hideCollections bool) ([]byte, error) {
	meta := i.Meta
	if hideCollections {
		meta = copyMeta(meta)
		delete(meta, "collections")
	}
	if meta == nil {
		meta = map[string]any{}
	}
	data := i.Data
	if data == nil {
		data = map[string]any{}
	}
	return encodeDocument(itemDocument{
		Kind:  "item",
		ID:    i.ID,
		Meta:  meta,
		Data:  data,
		Build: buildBlock(i.Build),
	})
}

// ParseItem decodes an item document written by JSON.
func ParseItem(content []byte) (*Item, error) {
	var doc itemDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("decoding item: %w", err)
	}
	if doc.Kind != "item" {
		return nil, fmt.Errorf("decoding item: unexpected kind %q", doc.Kind)
	}
	return &Item{ID: doc.ID, Meta: doc.Meta, Data: doc.Data, Build: doc.Build}, nil
}
