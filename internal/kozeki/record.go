package kozeki

import "time"

// Record is the persisted summary of a source document.
type Record struct {
	Path      Path
	ID        string
	Timestamp *time.Time
	Mtime     time.Time
	Meta      map[string]any
	Build     map[string]any

	PendingBuildAction PendingAction

	// IDWas holds the id the path carried before the last save, when it changed.
	IDWas string
}

// ItemPath returns the destination path of the record's item.
func (r *Record) ItemPath() Path {
	return itemPath(r.ID)
}

// SortKey orders records newest first. Records without a timestamp get 0.
func (r *Record) SortKey() int64 {
	if r.Timestamp == nil {
		return 0
	}
	return -r.Timestamp.Unix()
}

func itemPath(id string) Path {
	return Path{"items", id + ".json"}
}
