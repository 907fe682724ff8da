package loader

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"

	"kozeki/internal/kozeki"
)

var markdownExtensions = []string{".md", ".mkd", ".markdown"}

// MarkdownLoader reads Markdown documents with optional YAML front matter
// and renders their body to HTML.
type MarkdownLoader struct {
	md goldmark.Markdown
}

// NewMarkdownLoader creates a loader rendering GitHub flavored Markdown with
// footnotes, definition lists and raw HTML passed through.
func NewMarkdownLoader() *MarkdownLoader {
	return &MarkdownLoader{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				extension.Footnote,
				extension.DefinitionList,
			),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
			goldmark.WithRendererOptions(html.WithUnsafe()),
		),
	}
}

// Claims reports whether the file name has a Markdown extension.
func (l *MarkdownLoader) Claims(path kozeki.Path) bool {
	base := path.Base()
	for _, ext := range markdownExtensions {
		if strings.HasSuffix(base, ext) {
			return true
		}
	}
	return false
}

func (l *MarkdownLoader) TryRead(path kozeki.Path, fsys kozeki.Filesystem) (*kozeki.Source, error) {
	if !l.Claims(path) {
		return nil, nil
	}

	content, mtime, err := fsys.ReadWithMtime(path)
	if err != nil {
		return nil, err
	}

	meta := map[string]any{}
	if raw, _, had := splitFrontMatter(content); had {
		meta, err = parseFrontMatter(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return kozeki.NewSource(path, meta, mtime, content, l)
}

// Build renders the body after the front matter. Heading ids are prefixed
// with "<id>--" so anchors from different items never collide on one page.
func (l *MarkdownLoader) Build(source *kozeki.Source) (map[string]any, error) {
	_, body, _ := splitFrontMatter(source.Content)

	ctx := parser.NewContext(parser.WithIDs(newPrefixedIDs(source.ID() + "--")))
	var buf bytes.Buffer
	if err := l.md.Convert(body, &buf, parser.WithContext(ctx)); err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}
	return map[string]any{"html": buf.String()}, nil
}

// prefixedIDs generates unique heading ids within one document.
type prefixedIDs struct {
	prefix string
	seen   map[string]bool
}

func newPrefixedIDs(prefix string) *prefixedIDs {
	return &prefixedIDs{prefix: prefix, seen: make(map[string]bool)}
}

func (p *prefixedIDs) Generate(value []byte, kind ast.NodeKind) []byte {
	slug := slugify(string(value))
	if slug == "" {
		slug = "id"
		if kind == ast.KindHeading {
			slug = "heading"
		}
	}

	candidate := slug
	for i := 1; p.seen[candidate]; i++ {
		candidate = fmt.Sprintf("%s-%d", slug, i)
	}
	p.seen[candidate] = true
	return []byte(p.prefix + candidate)
}

func (p *prefixedIDs) Put(value []byte) {
	p.seen[strings.TrimPrefix(string(value), p.prefix)] = true
}

// slugify lowercases letters and digits, maps spaces to '-', keeps '-' and
// '_', and drops everything else.
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case r == '-' || r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte('-')
		}
	}
	return b.String()
}

var _ kozeki.Loader = (*MarkdownLoader)(nil)
