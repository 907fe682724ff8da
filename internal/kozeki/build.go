package kozeki

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"
)

// Build phases, as reported to the Observer.
const (
	PhaseEvents      = "events"
	PhaseItems       = "items"
	PhaseGarbage     = "garbage"
	PhaseCollections = "collections"
	PhaseCommit      = "commit"
)

// BuildInfoGenerator contributes keys to the build metadata block.
type BuildInfoGenerator func() (map[string]any, error)

// BuildDeps are the collaborators of a build.
type BuildDeps struct {
	State       State
	Source      Filesystem
	Destination Filesystem
	Loader      Loader

	// Optional; defaults to NopLogger, NopObserver and RealClock.
	Logger   Logger
	Observer Observer
	Clock    Clock
}

// BuildOptions control a single build.
type BuildOptions struct {
	// Incremental reuses the state of the last completed build. Without a
	// completed build the run is full regardless.
	Incremental bool

	// Events drives an incremental build. Nil enumerates the source instead.
	Events []Event

	CollectionOptions            []CollectionOptions
	CollectionListIncludedPrefix []string
	HideCollectionsInItem        bool

	// UseEventTimeAsMtime records the event time instead of the file mtime.
	UseEventTimeAsMtime bool

	// BuildInfo and BuildInfoGenerators enable the "build" metadata block.
	BuildInfo           map[string]any
	BuildInfoGenerators []BuildInfoGenerator

	// MtimeTolerance is how much newer than the recorded mtime an event has
	// to be before a known source is reloaded.
	MtimeTolerance time.Duration
}

// Build turns the source tree into rendered artifacts in five
// transactional phases. A Build runs once.
type Build struct {
	state       State
	source      Filesystem
	destination Filesystem
	loader      Loader
	logger      Logger
	observer    Observer
	clock       Clock

	opts              BuildOptions
	collectionOptions *CollectionOptionSet

	performed    bool
	full         bool
	buildID      int64
	buildData    map[string]any
	loaderCache  map[string]*Source
	updatedFiles []Path
	deletedFiles []Path
}

// NewBuild creates a build from its collaborators and options.
func NewBuild(deps BuildDeps, opts BuildOptions) *Build {
	b := &Build{
		state:             deps.State,
		source:            deps.Source,
		destination:       deps.Destination,
		loader:            deps.Loader,
		logger:            deps.Logger,
		observer:          deps.Observer,
		clock:             deps.Clock,
		opts:              opts,
		collectionOptions: NewCollectionOptionSet(opts.CollectionOptions, opts.HideCollectionsInItem),
		loaderCache:       make(map[string]*Source),
	}
	if b.logger == nil {
		b.logger = NewNopLogger()
	}
	if b.observer == nil {
		b.observer = NopObserver{}
	}
	if b.clock == nil {
		b.clock = RealClock{}
	}
	return b
}

// ID returns the build id assigned during the first phase.
func (b *Build) ID() int64 { return b.buildID }

// Full reports whether the build ran (or will run) as a full build.
func (b *Build) Full() bool { return b.full }

// UpdatedFiles returns the destination paths written, in write order.
func (b *Build) UpdatedFiles() []Path { return b.updatedFiles }

// DeletedFiles returns the destination paths deleted, in delete order.
func (b *Build) DeletedFiles() []Path { return b.deletedFiles }

// Perform runs every phase. An error aborts the failing phase's transaction
// and skips the remaining phases.
func (b *Build) Perform() (err error) {
	if b.performed {
		return ErrBuildReused
	}
	b.performed = true

	exists, err := b.state.BuildExists()
	if err != nil {
		return fmt.Errorf("checking previous builds: %w", err)
	}
	b.full = !(exists && b.opts.Incremental)
	defer func() { b.observer.BuildFinished(b.full, err) }()

	started := b.clock.Now()
	b.logger.Info("build started", "full", b.full, "events", len(b.opts.Events))

	phases := []struct {
		name  string
		run   func(tx State) error
		flush bool
	}{
		{PhaseEvents, b.processEvents, false},
		{PhaseItems, b.processItems, true},
		{PhaseGarbage, b.processGarbage, true},
		{PhaseCollections, b.processCollections, true},
		{PhaseCommit, b.processCommit, true},
	}
	for _, phase := range phases {
		if err := b.runPhase(phase.name, phase.run, phase.flush); err != nil {
			return err
		}
	}

	b.logger.Info("build completed",
		"build_id", b.buildID,
		"written", len(b.updatedFiles),
		"deleted", len(b.deletedFiles),
		"elapsed", b.clock.Now().Sub(started))
	return nil
}

func (b *Build) runPhase(name string, run func(tx State) error, flush bool) error {
	started := b.clock.Now()
	err := b.state.Transaction(func(tx State) error {
		if err := run(tx); err != nil {
			// Writes already queued still land; they are idempotent.
			if flush {
				if ferr := b.destination.Flush(); ferr != nil {
					b.logger.Warn("flush after failed phase", "phase", name, "error", ferr)
				}
			}
			return err
		}
		if flush {
			if err := b.destination.Flush(); err != nil {
				return fmt.Errorf("flushing destination: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		b.logger.Error("build phase failed", "phase", name, "error", err)
		return fmt.Errorf("%s phase: %w", name, err)
	}
	b.logger.Debug("build phase completed", "phase", name)
	b.observer.PhaseCompleted(name, b.clock.Now().Sub(started))
	return nil
}

// processEvents prepares the build and ingests the change events.
func (b *Build) processEvents(tx State) error {
	if b.full {
		if err := tx.ClearAll(); err != nil {
			return fmt.Errorf("clearing state: %w", err)
		}
	}
	id, err := tx.CreateBuild(b.clock.Now())
	if err != nil {
		return fmt.Errorf("creating build: %w", err)
	}
	b.buildID = id

	data, err := b.computeBuildData()
	if err != nil {
		return err
	}
	b.buildData = data

	events, err := b.effectiveEvents(tx)
	if err != nil {
		return err
	}
	for _, event := range events {
		switch event.Op {
		case EventUpdate:
			if err := b.ingestUpdate(tx, event); err != nil {
				return err
			}
		case EventDelete:
			if err := b.ingestDelete(tx, event); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %q for %s", ErrUnknownEventOp, event.Op, event.Path)
		}
	}
	return nil
}

func (b *Build) computeBuildData() (map[string]any, error) {
	if b.opts.BuildInfo == nil && len(b.opts.BuildInfoGenerators) == 0 {
		return map[string]any{}, nil
	}
	data := map[string]any{
		"build": map[string]any{
			"id":      strconv.FormatInt(b.buildID, 10),
			"version": Version,
		},
	}
	maps.Copy(data, NormalizeMeta(b.opts.BuildInfo))
	for _, gen := range b.opts.BuildInfoGenerators {
		extra, err := gen()
		if err != nil {
			return nil, fmt.Errorf("generating build info: %w", err)
		}
		maps.Copy(data, NormalizeMeta(extra))
	}
	return data, nil
}

// effectiveEvents returns the external events, or enumerates the source and
// synthesizes deletes for known paths that are gone.
func (b *Build) effectiveEvents(tx State) ([]Event, error) {
	if !b.full && b.opts.Events != nil {
		return slices.Clone(b.opts.Events), nil
	}

	entries, err := b.source.ListEntries()
	if err != nil {
		return nil, fmt.Errorf("listing source: %w", err)
	}
	events := make([]Event, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		event := Event{Op: EventUpdate, Path: entry.Path}
		// Full builds reload everything, so the mtime is left out.
		if !b.full {
			event.Time = entry.Mtime.Truncate(100 * time.Microsecond)
		}
		seen[entry.Path.String()] = struct{}{}
		events = append(events, event)
	}

	known, err := tx.ListRecordPaths()
	if err != nil {
		return nil, fmt.Errorf("listing known paths: %w", err)
	}
	for _, path := range known {
		if _, ok := seen[path.String()]; !ok {
			events = append(events, Event{Op: EventDelete, Path: path})
		}
	}
	return events, nil
}

func (b *Build) ingestUpdate(tx State, event Event) error {
	if event.HasTime() {
		record, err := tx.FindRecordByPath(event.Path)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return fmt.Errorf("finding record for %s: %w", event.Path, err)
		case !b.isNewer(event.Time, record.Mtime):
			return nil
		default:
			b.logger.Debug("source modified", "path", event.Path.String(), "recorded", record.Mtime, "event", event.Time)
		}
	}

	source, err := b.loadSource(event.Path, event.Time)
	if err != nil {
		return err
	}
	record, err := source.ToRecord()
	if err != nil {
		return err
	}
	saved, err := tx.SaveRecord(record)
	if err != nil {
		return fmt.Errorf("saving record for %s: %w", event.Path, err)
	}
	if err := tx.SetRecordPendingAction(saved, PendingUpdate); err != nil {
		return fmt.Errorf("marking %s for update: %w", event.Path, err)
	}
	if saved.IDWas != "" {
		b.logger.Info("item id changed", "path", event.Path.String(), "from", saved.IDWas, "to", saved.ID)
		b.observer.IDChanged(event.Path, saved.IDWas, saved.ID)
	}
	return nil
}

func (b *Build) ingestDelete(tx State, event Event) error {
	record, err := tx.FindRecordByPath(event.Path)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finding record for %s: %w", event.Path, err)
	}
	if err := tx.SetRecordPendingAction(record, PendingRemove); err != nil {
		return fmt.Errorf("marking %s for removal: %w", event.Path, err)
	}
	return nil
}

// isNewer compares at millisecond precision, which is what the state keeps.
func (b *Build) isNewer(eventTime, recorded time.Time) bool {
	diff := eventTime.Truncate(time.Millisecond).Sub(recorded.Truncate(time.Millisecond))
	return diff > b.opts.MtimeTolerance
}

func (b *Build) loadSource(path Path, eventTime time.Time) (*Source, error) {
	key := path.String()
	if source, ok := b.loaderCache[key]; ok {
		return source, nil
	}

	b.logger.Debug("loading source", "path", key)
	source, err := b.loader.TryRead(path, b.source)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", key, err)
	}
	if source == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreadable, key)
	}
	source.Build = b.buildData
	if b.opts.UseEventTimeAsMtime && !eventTime.IsZero() {
		source.Mtime = eventTime
	}
	b.loaderCache[key] = source
	return source, nil
}

// processItems deletes items of removed records, then renders items of
// updated records.
func (b *Build) processItems(tx State) error {
	removed, err := tx.ListRecordsByPendingAction(PendingRemove)
	if err != nil {
		return fmt.Errorf("listing removed records: %w", err)
	}
	for _, record := range removed {
		sharing, err := tx.ListRecordsByID(record.ID)
		if err != nil {
			return fmt.Errorf("listing records of %s: %w", record.ID, err)
		}
		// The id moved to another path in this build; its item stays.
		if slices.ContainsFunc(sharing, func(r *Record) bool { return r.PendingBuildAction == PendingUpdate }) {
			b.logger.Warn("skip item deletion", "id", record.ID, "source", record.Path.String())
			continue
		}
		b.logger.Info("delete item", "path", record.ItemPath().String(), "source", record.Path.String())
		if err := b.delete(record.ItemPath()); err != nil {
			return err
		}
		if err := tx.SetRecordCollectionsPending(record.ID, nil); err != nil {
			return fmt.Errorf("clearing collections of %s: %w", record.ID, err)
		}
	}

	updated, err := tx.ListRecordsByPendingAction(PendingUpdate)
	if err != nil {
		return fmt.Errorf("listing updated records: %w", err)
	}
	for _, record := range updated {
		// Refuses to render while another live record claims the same id.
		if _, err := tx.FindRecord(record.ID); err != nil {
			return fmt.Errorf("checking id %q of %s: %w", record.ID, record.Path, err)
		}
		source, err := b.loadSource(record.Path, time.Time{})
		if err != nil {
			return err
		}
		item, err := source.BuildItem()
		if err != nil {
			return err
		}
		body, err := item.JSON(b.opts.HideCollectionsInItem)
		if err != nil {
			return err
		}
		b.logger.Info("render item", "path", item.Path().String(), "source", record.Path.String())
		if err := b.write(item.Path(), body); err != nil {
			return err
		}
		if err := tx.SetRecordCollectionsPending(item.ID, source.Collections()); err != nil {
			return fmt.Errorf("updating collections of %s: %w", item.ID, err)
		}
	}
	return nil
}

// processGarbage deletes items whose id is no longer claimed by any record.
func (b *Build) processGarbage(tx State) error {
	ids, err := tx.ListItemIDsForGarbageCollection()
	if err != nil {
		return fmt.Errorf("listing garbage item ids: %w", err)
	}
	for _, id := range ids {
		records, err := tx.ListRecordsByID(id)
		if err != nil {
			return fmt.Errorf("listing records of %s: %w", id, err)
		}
		if len(records) > 0 {
			continue
		}
		path := itemPath(id)
		b.logger.Info("garbage collect item", "path", path.String())
		if err := b.delete(path); err != nil {
			return err
		}
		if err := tx.MarkItemIDToRemove(id); err != nil {
			return fmt.Errorf("marking id %s for removal: %w", id, err)
		}
		if err := tx.SetRecordCollectionsPending(id, nil); err != nil {
			return fmt.Errorf("clearing collections of %s: %w", id, err)
		}
	}
	return nil
}

// processCollections renders every collection with a pending membership
// and the collection index.
func (b *Build) processCollections(tx State) error {
	names, err := tx.ListCollectionNamesPending()
	if err != nil {
		return fmt.Errorf("listing pending collections: %w", err)
	}
	if len(names) == 0 {
		return nil
	}

	for _, name := range names {
		if err := b.renderCollection(tx, name); err != nil {
			return err
		}
	}

	listed, err := tx.ListCollectionNamesWithPrefix(b.opts.CollectionListIncludedPrefix...)
	if err != nil {
		return fmt.Errorf("listing collections: %w", err)
	}
	list := NewCollectionList(listed)
	body, err := list.JSON(b.buildData)
	if err != nil {
		return err
	}
	b.logger.Info("render collection list", "path", list.Path().String(), "collections", len(listed))
	return b.write(list.Path(), body)
}

func (b *Build) renderCollection(tx State, name string) error {
	records, err := tx.ListCollectionRecords(name)
	if err != nil {
		return fmt.Errorf("listing records of collection %s: %w", name, err)
	}
	countWas, err := tx.CountCollectionRecords(name)
	if err != nil {
		return fmt.Errorf("counting records of collection %s: %w", name, err)
	}
	collection, err := NewCollection(name, records, b.collectionOptions.Resolve(name))
	if err != nil {
		return err
	}

	for _, page := range collection.Pages() {
		body, err := page.JSON(b.buildData)
		if err != nil {
			return err
		}
		b.logger.Info("render collection", "path", page.Path().String(), "items", len(page.Records))
		if err := b.write(page.Path(), body); err != nil {
			return err
		}
	}
	for _, path := range collection.MissingPagePaths(countWas) {
		b.logger.Info("delete collection page", "path", path.String())
		if err := b.delete(path); err != nil {
			return err
		}
	}
	return nil
}

// processCommit resolves markers and, on full builds, drops every
// destination file this build did not write.
func (b *Build) processCommit(tx State) error {
	if err := tx.ProcessMarkers(); err != nil {
		return fmt.Errorf("processing markers: %w", err)
	}
	if b.full {
		b.logger.Debug("retaining written files", "count", len(b.updatedFiles))
		deleted, err := b.destination.RetainOnly(b.updatedFiles)
		b.recordDeleted(deleted)
		if err != nil {
			return fmt.Errorf("retaining written files: %w", err)
		}
	}
	if err := tx.MarkBuildCompleted(b.buildID); err != nil {
		return fmt.Errorf("completing build: %w", err)
	}
	return nil
}

func (b *Build) write(path Path, body []byte) error {
	if err := b.destination.Write(path, body); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	b.updatedFiles = append(b.updatedFiles, path)
	b.observer.ArtifactWritten(path)
	return nil
}

func (b *Build) delete(path Path) error {
	if err := b.destination.Delete(path); err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	b.recordDeleted([]Path{path})
	return nil
}

func (b *Build) recordDeleted(paths []Path) {
	for _, p := range paths {
		b.deletedFiles = append(b.deletedFiles, p)
		b.observer.ArtifactDeleted(p)
	}
}
