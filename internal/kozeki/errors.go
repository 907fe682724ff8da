package kozeki

import "errors"

var (
	// ErrNotFound is returned when a record, file or object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicatedItemID is returned when more than one live record claims the same id.
	ErrDuplicatedItemID = errors.New("duplicated item id")

	// ErrUnknownEventOp is returned for change events with an unsupported operation.
	ErrUnknownEventOp = errors.New("unknown event op")

	// ErrUnreadable is returned when no loader claims a path that has to be read.
	ErrUnreadable = errors.New("can't read")

	// ErrBuildReused is returned when Perform is called on a build that already ran.
	ErrBuildReused = errors.New("build already performed")

	// ErrInvalidPath is returned for path segments, ids or collection names containing "/".
	ErrInvalidPath = errors.New("invalid path")

	// ErrWatchUnsupported is returned when a filesystem cannot deliver change events.
	ErrWatchUnsupported = errors.New("watch not supported")
)
