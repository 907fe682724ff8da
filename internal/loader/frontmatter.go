package loader

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

const frontMatterDelimiter = "---"

// splitFrontMatter separates a "---" delimited front matter block from the
// body. Whitespace may precede the opening delimiter. When the document has
// no complete block, had is false and body is the full input.
func splitFrontMatter(content []byte) (frontMatter []byte, body []byte, had bool) {
	rest := bytes.TrimLeft(content, " \t\r\n")

	line, after, ok := cutLine(rest)
	if !ok || string(line) != frontMatterDelimiter {
		return nil, content, false
	}

	start := len(rest) - len(after)
	offset := start
	for remaining := after; len(remaining) > 0; {
		line, next, _ := cutLine(remaining)
		if string(line) == frontMatterDelimiter {
			return rest[start:offset], next, true
		}
		offset += len(remaining) - len(next)
		remaining = next
	}
	return nil, content, false
}

// cutLine returns the first line without its terminator and the remainder.
// ok is false when s is empty.
func cutLine(s []byte) (line []byte, rest []byte, ok bool) {
	if len(s) == 0 {
		return nil, nil, false
	}
	line, rest, found := bytes.Cut(s, []byte("\n"))
	if !found {
		rest = nil
	}
	return bytes.TrimSuffix(line, []byte("\r")), rest, true
}

// parseFrontMatter decodes YAML (or JSON, which YAML accepts) into a map.
func parseFrontMatter(raw []byte) (map[string]any, error) {
	meta := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return meta, nil
	}
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parsing front matter: %w", err)
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return meta, nil
}
