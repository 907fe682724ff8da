// Package loader turns source documents into kozeki Sources.
package loader

import (
	"fmt"

	"kozeki/internal/kozeki"
)

// MetadataDecorator mutates the metadata of a freshly read source in place.
type MetadataDecorator func(meta map[string]any, source *kozeki.Source) error

// Chain tries each loader in order; the first one returning a Source wins.
type Chain struct {
	Loaders    []kozeki.Loader
	Decorators []MetadataDecorator
}

// NewChain creates a Chain over loaders.
func NewChain(loaders []kozeki.Loader, decorators ...MetadataDecorator) *Chain {
	return &Chain{Loaders: loaders, Decorators: decorators}
}

// TryRead returns the first claimed Source with every decorator applied, or
// nil when no loader claims path.
func (c *Chain) TryRead(path kozeki.Path, fsys kozeki.Filesystem) (*kozeki.Source, error) {
	for _, l := range c.Loaders {
		source, err := l.TryRead(path, fsys)
		if err != nil {
			return nil, err
		}
		if source == nil {
			continue
		}

		for _, decorate := range c.Decorators {
			if err := decorate(source.Meta, source); err != nil {
				return nil, fmt.Errorf("decorating %s: %w", path, err)
			}
		}
		// A decorator may have assigned a new id.
		if err := source.Validate(); err != nil {
			return nil, err
		}
		return source, nil
	}
	return nil, nil
}

// Build delegates to the loader that produced the source.
func (c *Chain) Build(source *kozeki.Source) (map[string]any, error) {
	if source.Loader == nil || source.Loader == kozeki.Loader(c) {
		return nil, fmt.Errorf("%w: %s has no loader", kozeki.ErrUnreadable, source.Path)
	}
	return source.Loader.Build(source)
}

var _ kozeki.Loader = (*Chain)(nil)
