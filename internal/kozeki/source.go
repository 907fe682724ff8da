package kozeki

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Source is a document materialized by a Loader.
type Source struct {
	Path    Path
	Meta    map[string]any
	Mtime   time.Time
	Content []byte
	Loader  Loader

	// Build is the build metadata stamped into the rendered item.
	Build map[string]any
}

// NewSource creates a Source and validates its path and id.
func NewSource(path Path, meta map[string]any, mtime time.Time, content []byte, loader Loader) (*Source, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	s := &Source{
		Path:    path,
		Meta:    meta,
		Mtime:   mtime,
		Content: content,
		Loader:  loader,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the path segments and the id.
func (s *Source) Validate() error {
	if err := s.Path.Validate(); err != nil {
		return err
	}
	if id := s.ID(); id == "" || strings.Contains(id, PathSeparator) {
		return fmt.Errorf("%w: id %q of %s", ErrInvalidPath, id, s.Path)
	}
	return nil
}

// ID returns meta["id"] when set, otherwise an id derived from the path.
func (s *Source) ID() string {
	if v, ok := s.Meta["id"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	sum := sha256.Sum256([]byte(s.Path.String()))
	return "ao_" + hex.EncodeToString(sum[:])
}

// ItemPath returns the destination path of the rendered item.
func (s *Source) ItemPath() Path {
	return itemPath(s.ID())
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02",
}

// Timestamp parses meta["timestamp"]. It returns nil when unset.
func (s *Source) Timestamp() (*time.Time, error) {
	switch v := s.Meta["timestamp"].(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &v, nil
	case string:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return &t, nil
			}
		}
		return nil, fmt.Errorf("parsing timestamp %q of %s", v, s.Path)
	default:
		return nil, fmt.Errorf("unsupported timestamp %v (%T) of %s", v, v, s.Path)
	}
}

// Collections returns the collection names listed in meta["collections"].
func (s *Source) Collections() []string {
	switch v := s.Meta["collections"].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		names := make([]string, 0, len(v))
		for _, name := range v {
			if name != nil {
				names = append(names, fmt.Sprint(name))
			}
		}
		return names
	case string:
		return []string{v}
	default:
		return nil
	}
}

// ToRecord builds the record persisted for this source.
func (s *Source) ToRecord() (*Record, error) {
	ts, err := s.Timestamp()
	if err != nil {
		return nil, err
	}
	return &Record{
		Path:               s.Path,
		ID:                 s.ID(),
		Timestamp:          ts,
		Mtime:              s.Mtime.Truncate(time.Millisecond),
		Meta:               NormalizeMeta(s.Meta),
		Build:              s.Build,
		PendingBuildAction: PendingNone,
	}, nil
}

// BuildItem renders the item through the source's loader.
func (s *Source) BuildItem() (*Item, error) {
	if s.Loader == nil {
		return nil, fmt.Errorf("%w: %s has no loader", ErrUnreadable, s.Path)
	}
	data, err := s.Loader.Build(s)
	if err != nil {
		return nil, fmt.Errorf("rendering %s: %w", s.Path, err)
	}
	return &Item{
		ID:    s.ID(),
		Meta:  NormalizeMeta(s.Meta),
		Data:  data,
		Build: s.Build,
	}, nil
}
