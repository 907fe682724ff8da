package loader

import (
	"errors"
	"testing"
	"time"

	"kozeki/internal/filesystem"
	"kozeki/internal/kozeki"
)

// textLoader claims .txt files and renders their content verbatim.
type textLoader struct{}

func (l textLoader) TryRead(path kozeki.Path, fsys kozeki.Filesystem) (*kozeki.Source, error) {
	if len(path.Base()) < 4 || path.Base()[len(path.Base())-4:] != ".txt" {
		return nil, nil
	}
	content, mtime, err := fsys.ReadWithMtime(path)
	if err != nil {
		return nil, err
	}
	return kozeki.NewSource(path, nil, mtime, content, l)
}

func (textLoader) Build(source *kozeki.Source) (map[string]any, error) {
	return map[string]any{"text": string(source.Content)}, nil
}

func TestChain_TryRead(t *testing.T) {
	fsys := filesystem.NewMemoryFilesystem(nil)
	mtime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for path, content := range map[string]string{
		"a.md":  "---\nid: a\n---\nbody",
		"b.txt": "plain",
		"c.bin": "??",
	} {
		if err := fsys.Put(kozeki.Path{path}, []byte(content), mtime); err != nil {
			t.Fatal(err)
		}
	}

	var decorated []string
	chain := NewChain(
		[]kozeki.Loader{NewMarkdownLoader(), textLoader{}},
		func(meta map[string]any, source *kozeki.Source) error {
			decorated = append(decorated, source.Path.String())
			meta["decorated"] = true
			return nil
		},
	)

	md, err := chain.TryRead(kozeki.Path{"a.md"}, fsys)
	if err != nil || md == nil {
		t.Fatalf("TryRead(a.md) = %v, %v", md, err)
	}
	if md.Meta["decorated"] != true {
		t.Errorf("Meta = %v, want decorated", md.Meta)
	}
	if _, ok := md.Loader.(*MarkdownLoader); !ok {
		t.Errorf("Loader = %T, want *MarkdownLoader", md.Loader)
	}

	txt, err := chain.TryRead(kozeki.Path{"b.txt"}, fsys)
	if err != nil || txt == nil {
		t.Fatalf("TryRead(b.txt) = %v, %v", txt, err)
	}
	data, err := chain.Build(txt)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if data["text"] != "plain" {
		t.Errorf("Build() = %v, want text plain", data)
	}

	none, err := chain.TryRead(kozeki.Path{"c.bin"}, fsys)
	if err != nil || none != nil {
		t.Errorf("TryRead(c.bin) = %v, %v; want nil, nil", none, err)
	}

	if len(decorated) != 2 {
		t.Errorf("decorated = %v, want a.md and b.txt", decorated)
	}
}

func TestChain_DecoratorErrors(t *testing.T) {
	fsys := filesystem.NewMemoryFilesystem(nil)
	if err := fsys.Put(kozeki.Path{"a.md"}, []byte("body"), time.Now()); err != nil {
		t.Fatal(err)
	}

	t.Run("decorator failure", func(t *testing.T) {
		boom := errors.New("boom")
		chain := NewChain([]kozeki.Loader{NewMarkdownLoader()}, func(map[string]any, *kozeki.Source) error {
			return boom
		})
		if _, err := chain.TryRead(kozeki.Path{"a.md"}, fsys); !errors.Is(err, boom) {
			t.Errorf("TryRead() error = %v, want boom", err)
		}
	})

	t.Run("decorator assigns invalid id", func(t *testing.T) {
		chain := NewChain([]kozeki.Loader{NewMarkdownLoader()}, func(meta map[string]any, _ *kozeki.Source) error {
			meta["id"] = "a/b"
			return nil
		})
		if _, err := chain.TryRead(kozeki.Path{"a.md"}, fsys); !errors.Is(err, kozeki.ErrInvalidPath) {
			t.Errorf("TryRead() error = %v, want ErrInvalidPath", err)
		}
	})
}

func TestChain_BuildWithoutLoader(t *testing.T) {
	chain := NewChain(nil)
	source, err := kozeki.NewSource(kozeki.Path{"a.md"}, nil, time.Now(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := chain.Build(source); !errors.Is(err, kozeki.ErrUnreadable) {
		t.Errorf("Build() error = %v, want ErrUnreadable", err)
	}
}
