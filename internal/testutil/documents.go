package testutil

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"kozeki/internal/filesystem"
	"kozeki/internal/kozeki"
)

// MarkdownDocument renders a Markdown source with meta as JSON front matter.
func MarkdownDocument(t *testing.T, meta map[string]any, body string) []byte {
	t.Helper()

	front, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("failed to encode front matter: %v", err)
	}
	return []byte("---\n" + string(front) + "\n---\n" + body)
}

// PutMarkdown stores a Markdown source in fsys with the given mtime.
func PutMarkdown(t *testing.T, fsys *filesystem.MemoryFilesystem, path string, mtime time.Time, meta map[string]any, body string) {
	t.Helper()

	if err := fsys.Put(kozeki.ParsePath(path), MarkdownDocument(t, meta, body), mtime); err != nil {
		t.Fatalf("failed to put %s: %v", path, err)
	}
}

// ReadJSON decodes the JSON file at path of fsys.
func ReadJSON(t *testing.T, fsys kozeki.Filesystem, path string) map[string]any {
	t.Helper()

	content, err := fsys.Read(kozeki.ParsePath(path))
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(content, &doc); err != nil {
		t.Fatalf("failed to decode %s: %v", path, err)
	}
	return doc
}

// AssertMissing fails the test when path exists in fsys.
func AssertMissing(t *testing.T, fsys kozeki.Filesystem, path string) {
	t.Helper()

	_, err := fsys.Read(kozeki.ParsePath(path))
	if err == nil {
		t.Errorf("%s exists, want it missing", path)
		return
	}
	if !errors.Is(err, kozeki.ErrNotFound) {
		t.Errorf("reading %s: %v", path, err)
	}
}

// ListPaths returns the "/"-joined paths of every file in fsys.
func ListPaths(t *testing.T, fsys kozeki.Filesystem) []string {
	t.Helper()

	paths, err := fsys.List()
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, p.String())
	}
	return out
}
