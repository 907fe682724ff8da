package kozeki

import (
	"fmt"
	"strings"
)

// PathSeparator joins path segments in the persisted string form.
const PathSeparator = "/"

// Path identifies a document or artifact as an ordered list of segments,
// relative to the root of a Filesystem. No segment may contain the separator.
type Path []string

// NewPath builds a Path from segments and validates it.
func NewPath(segments ...string) (Path, error) {
	p := Path(segments)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ParsePath splits a "/"-joined string into a Path. Empty segments are dropped.
func ParsePath(s string) Path {
	parts := strings.Split(s, PathSeparator)
	p := make(Path, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			p = append(p, part)
		}
	}
	return p
}

// Validate reports ErrInvalidPath when the path is empty or a segment is
// empty or contains the separator.
func (p Path) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, segment := range p {
		if segment == "" || strings.Contains(segment, PathSeparator) {
			return fmt.Errorf("%w: bad segment %q in %v", ErrInvalidPath, segment, []string(p))
		}
	}
	return nil
}

// String returns the "/"-joined form used as the persisted key.
func (p Path) String() string {
	return strings.Join(p, PathSeparator)
}

// Base returns the last segment.
func (p Path) Base() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Equal reports whether both paths have the same segments.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}
