package kozeki

// Loader turns files of a Filesystem into Sources and renders their data.
type Loader interface {
	// TryRead returns a Source for path, or nil when the loader does not
	// handle this kind of file.
	TryRead(path Path, fsys Filesystem) (*Source, error)

	// Build renders the data block of the item for a source it produced.
	Build(source *Source) (map[string]any, error)
}
