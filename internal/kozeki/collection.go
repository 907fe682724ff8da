package kozeki

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CollectionOptions controls how a collection is rendered.
type CollectionOptions struct {
	// Prefix selects the collections these options apply to.
	Prefix string

	// MaxItems caps the page size when paginating, otherwise the number of
	// entries rendered. Zero means unlimited.
	MaxItems int
	Paginate bool

	// MetaKeys restricts the meta copied into each entry. Nil keeps everything.
	MetaKeys []string

	// HideCollections drops the "collections" key from entry meta. Nil means unset.
	HideCollections *bool
}

func (o CollectionOptions) paginated() bool {
	return o.Paginate && o.MaxItems > 0
}

func (o CollectionOptions) hideCollections() bool {
	return o.HideCollections != nil && *o.HideCollections
}

// Collection is a named, ordered set of records rendered into pages.
type Collection struct {
	name    string
	records []*Record
	options CollectionOptions
}

// NewCollection sorts records newest first. Ties keep the given order.
func NewCollection(name string, records []*Record, options CollectionOptions) (*Collection, error) {
	if name == "" || strings.Contains(name, PathSeparator) {
		return nil, fmt.Errorf("%w: collection name %q", ErrInvalidPath, name)
	}
	sorted := append([]*Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SortKey() < sorted[j].SortKey()
	})
	return &Collection{name: name, records: sorted, options: options}, nil
}

func (c *Collection) Name() string { return c.name }

// Records returns the records in rendering order.
func (c *Collection) Records() []*Record { return c.records }

// TotalPages returns the number of pages rendered for the current records.
func (c *Collection) TotalPages() int {
	return c.TotalPagesFor(len(c.records))
}

// TotalPagesFor returns the number of pages n records would occupy.
func (c *Collection) TotalPagesFor(n int) int {
	if n <= 0 {
		return 0
	}
	if c.options.paginated() {
		return (n + c.options.MaxItems - 1) / c.options.MaxItems
	}
	return 1
}

// PagePath returns the destination of page n (1-based).
func (c *Collection) PagePath(n int) Path {
	if n <= 1 {
		return Path{"collections", c.name + ".json"}
	}
	return Path{"collections", c.name, "page-" + strconv.Itoa(n) + ".json"}
}

// Pages splits the records into pages.
func (c *Collection) Pages() []*Page {
	if !c.options.paginated() {
		if len(c.records) == 0 {
			return nil
		}
		records := c.records
		if c.options.MaxItems > 0 && len(records) > c.options.MaxItems {
			records = records[:c.options.MaxItems]
		}
		return []*Page{{collection: c, Number: 1, Records: records}}
	}

	total := c.TotalPages()
	pages := make([]*Page, 0, total)
	for n := 1; n <= total; n++ {
		start := (n - 1) * c.options.MaxItems
		end := min(start+c.options.MaxItems, len(c.records))
		pages = append(pages, &Page{collection: c, Number: n, Records: c.records[start:end]})
	}
	return pages
}

// MissingPagePaths returns the paths of pages that existed for countWas
// records but no longer exist for the current records.
func (c *Collection) MissingPagePaths(countWas int) []Path {
	var paths []Path
	for n := c.TotalPages() + 1; n <= c.TotalPagesFor(countWas); n++ {
		paths = append(paths, c.PagePath(n))
	}
	return paths
}

// Page is one page of a collection.
type Page struct {
	collection *Collection
	Number     int
	Records    []*Record
}

type collectionEntry struct {
	ID   string         `json:"id"`
	Path string         `json:"path"`
	Meta map[string]any `json:"meta"`
}

type pageInfo struct {
	Self       int      `json:"self"`
	TotalPages int      `json:"total_pages"`
	First      string   `json:"first"`
	Last       string   `json:"last"`
	Prev       *string  `json:"prev"`
	Next       *string  `json:"next"`
	Pages      []string `json:"pages,omitempty"`
}

type pageDocument struct {
	Kind  string            `json:"kind"`
	Name  string            `json:"name"`
	Items []collectionEntry `json:"items"`
	Page  *pageInfo         `json:"page,omitempty"`
	Build map[string]any    `json:"kozeki_build"`
}

// Path returns the destination of the page.
func (p *Page) Path() Path {
	return p.collection.PagePath(p.Number)
}

// JSON encodes the page document stamped with build.
func (p *Page) JSON(build map[string]any) ([]byte, error) {
	c := p.collection
	doc := pageDocument{
		Kind:  "collection",
		Name:  c.name,
		Items: make([]collectionEntry, 0, len(p.Records)),
		Build: buildBlock(build),
	}
	for _, r := range p.Records {
		doc.Items = append(doc.Items, collectionEntry{
			ID:   r.ID,
			Path: r.ItemPath().String(),
			Meta: c.entryMeta(r.Meta),
		})
	}
	if c.options.paginated() {
		doc.Page = p.info()
	}
	return encodeDocument(doc)
}

func (p *Page) info() *pageInfo {
	c := p.collection
	total := c.TotalPages()
	info := &pageInfo{
		Self:       p.Number,
		TotalPages: total,
		First:      c.PagePath(1).String(),
		Last:       c.PagePath(total).String(),
	}
	if p.Number > 1 {
		prev := c.PagePath(p.Number - 1).String()
		info.Prev = &prev
	}
	if p.Number < total {
		next := c.PagePath(p.Number + 1).String()
		info.Next = &next
	}
	if p.Number == 1 {
		info.Pages = make([]string, 0, total)
		for n := 1; n <= total; n++ {
			info.Pages = append(info.Pages, c.PagePath(n).String())
		}
	}
	return info
}

func (c *Collection) entryMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	if c.options.MetaKeys == nil {
		for k, v := range meta {
			out[k] = v
		}
	} else {
		for _, k := range c.options.MetaKeys {
			if v, ok := meta[k]; ok {
				out[k] = v
			}
		}
	}
	if c.options.hideCollections() {
		delete(out, "collections")
	}
	return out
}
