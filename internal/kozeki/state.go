package kozeki

import "time"

// PendingAction marks work a build still has to carry out for a record,
// a collection membership or an item id.
type PendingAction string

const (
	PendingNone              PendingAction = "none"
	PendingUpdate            PendingAction = "update"
	PendingRemove            PendingAction = "remove"
	PendingGarbageCollection PendingAction = "garbage_collection"
)

// State provides persistence for records, collection memberships, the item id
// registry and builds. Every mutation performed by a build phase runs inside
// Transaction so that a failed phase leaves no partial state behind.
type State interface {
	// Build operations

	// CreateBuild registers a new build started at t and returns its id.
	CreateBuild(t time.Time) (int64, error)

	// MarkBuildCompleted flags the build as successfully finished.
	MarkBuildCompleted(id int64) error

	// BuildExists reports whether any build has completed.
	BuildExists() (bool, error)

	// ClearAll removes every record, membership, item id and build.
	ClearAll() error

	// Record operations

	// FindRecordByPath returns the record stored for path, or ErrNotFound.
	FindRecordByPath(path Path) (*Record, error)

	// FindRecord returns the single live record with id. It fails with
	// ErrNotFound when none exists and ErrDuplicatedItemID when several do.
	FindRecord(id string) (*Record, error)

	// ListRecordsByPendingAction returns records marked with action, ordered by path.
	ListRecordsByPendingAction(action PendingAction) ([]*Record, error)

	// ListRecordsByID returns every record with id regardless of action, ordered by path.
	ListRecordsByID(id string) ([]*Record, error)

	// ListRecordPaths returns the path of every record.
	ListRecordPaths() ([]Path, error)

	// SaveRecord upserts the record keyed by path and registers its id.
	// When the path previously carried another id, the old id is scheduled
	// for garbage collection and the returned record has IDWas set.
	SaveRecord(record *Record) (*Record, error)

	// SetRecordPendingAction updates the action of an existing record. Marking
	// a record for removal also schedules its id for garbage collection.
	SetRecordPendingAction(record *Record, action PendingAction) error

	// SetRecordCollectionsPending marks every existing membership of recordID
	// for removal and upserts memberships for names as pending update.
	SetRecordCollectionsPending(recordID string, names []string) error

	// Item id operations

	// ListItemIDsForGarbageCollection returns ids scheduled for garbage collection.
	ListItemIDsForGarbageCollection() ([]string, error)

	// MarkItemIDToRemove flags the id so ProcessMarkers deletes it.
	MarkItemIDToRemove(id string) error

	// Collection operations

	// ListCollectionNamesPending returns names with at least one pending membership.
	ListCollectionNamesPending() ([]string, error)

	// ListCollectionNames returns the names of every collection with a live member.
	ListCollectionNames() ([]string, error)

	// ListCollectionNamesWithPrefix filters ListCollectionNames by prefix.
	// No prefixes means no filtering.
	ListCollectionNamesWithPrefix(prefixes ...string) ([]string, error)

	// ListCollectionRecords returns the live records of a collection ordered by id, then path.
	ListCollectionRecords(name string) ([]*Record, error)

	// CountCollectionRecords counts every membership row of a collection,
	// including rows pending removal. It is taken before rendering to find
	// pages left over from a larger previous build.
	CountCollectionRecords(name string) (int, error)

	// ProcessMarkers resolves every pending action: removed rows are deleted
	// and the rest are reset to none.
	ProcessMarkers() error

	// Transaction runs fn against a State bound to a single transaction.
	// The transaction commits when fn returns nil and rolls back otherwise.
	Transaction(fn func(tx State) error) error
}
