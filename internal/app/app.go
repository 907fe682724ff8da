package app

import (
	"fmt"
	"io"
	"os"

	"kozeki/internal/config"
	"kozeki/internal/database"
	"kozeki/internal/filesystem"
	"kozeki/internal/kozeki"
	"kozeki/internal/loader"
)

// App is the application layer between the CLI and the build engine.
// It constructs all dependencies from config, runs builds against them, and
// releases the state store, the write queue and the log file on Close.
type App struct {
	cfg         *config.Config
	state       *database.SQLiteState
	source      kozeki.Filesystem
	destination *filesystem.QueuedFilesystem
	loader      kozeki.Loader
	logger      kozeki.Logger
	observer    kozeki.Observer
	clock       kozeki.Clock
	ids         kozeki.IDGenerator
	logFile     *os.File
}

// Option customizes an App.
type Option func(*App)

// WithObserver reports build activity to o.
func WithObserver(o kozeki.Observer) Option {
	return func(a *App) { a.observer = o }
}

// WithLogger replaces the logger built from log_dir and log_level.
func WithLogger(l kozeki.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithClock replaces the real clock.
func WithClock(c kozeki.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithIDGenerator replaces the generator of the log session id.
func WithIDGenerator(g kozeki.IDGenerator) Option {
	return func(a *App) { a.ids = g }
}

// NewApp creates a fully wired App from the given config.
// The caller must call Close when done.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{
		cfg:      cfg,
		observer: kozeki.NopObserver{},
		clock:    kozeki.RealClock{},
		ids:      kozeki.UUIDGenerator{},
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		level, err := parseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		sessionID := a.ids.New()
		logger, logFile, err := newLogger(cfg.ResolvePath(cfg.LogDir), sessionID, level)
		if err != nil {
			return nil, fmt.Errorf("creating logger: %w", err)
		}
		a.logger = &slogAdapter{l: logger}
		a.logFile = logFile
	}

	source, err := filesystem.NewFilesystemFromConfig(cfg, cfg.Source, a.logger)
	if err != nil {
		a.closeLog()
		return nil, fmt.Errorf("creating source filesystem: %w", err)
	}
	destination, err := filesystem.NewFilesystemFromConfig(cfg, cfg.Destination, a.logger)
	if err != nil {
		a.closeLog()
		return nil, fmt.Errorf("creating destination filesystem: %w", err)
	}

	state, err := database.NewStateFromConfig(cfg)
	if err != nil {
		a.closeLog()
		return nil, fmt.Errorf("opening state: %w", err)
	}

	a.state = state
	a.source = source
	a.destination = filesystem.NewQueuedFilesystem(destination, cfg.QueueWorkers)
	a.loader = loader.NewChain([]kozeki.Loader{loader.NewMarkdownLoader()})
	return a, nil
}

// BuildOptions translates the config into options for one build.
func (a *App) BuildOptions(incremental bool, events []kozeki.Event) kozeki.BuildOptions {
	collectionOptions := make([]kozeki.CollectionOptions, 0, len(a.cfg.CollectionOptions))
	for _, co := range a.cfg.CollectionOptions {
		collectionOptions = append(collectionOptions, kozeki.CollectionOptions{
			Prefix:          co.Prefix,
			MaxItems:        co.MaxItems,
			Paginate:        co.Paginate,
			MetaKeys:        co.MetaKeys,
			HideCollections: co.HideCollections,
		})
	}

	return kozeki.BuildOptions{
		Incremental:                  incremental,
		Events:                       events,
		CollectionOptions:            collectionOptions,
		CollectionListIncludedPrefix: a.cfg.CollectionListIncludedPrefix,
		HideCollectionsInItem:        a.cfg.HideCollectionsInItem,
		UseEventTimeAsMtime:          a.cfg.UseEventTimeAsMtime,
		BuildInfo:                    a.cfg.BuildInfo,
		MtimeTolerance:               a.cfg.MtimeTolerance.Duration,
	}
}

// Build runs one build. Nil events with incremental set compares the source
// against the recorded mtimes. The returned Build is never nil, so callers
// can inspect what a failed build touched.
func (a *App) Build(incremental bool, events []kozeki.Event) (*kozeki.Build, error) {
	b := kozeki.NewBuild(kozeki.BuildDeps{
		State:       a.state,
		Source:      a.source,
		Destination: a.destination,
		Loader:      a.loader,
		Logger:      a.logger,
		Observer:    a.observer,
		Clock:       a.clock,
	}, a.BuildOptions(incremental, events))
	return b, b.Perform()
}

// DebugState writes the records, collection memberships and item ids of
// the state store to w.
func (a *App) DebugState(w io.Writer) error {
	return a.state.Dump(w)
}

// Logger returns the logger builds report to.
func (a *App) Logger() kozeki.Logger {
	return a.logger
}

// Close waits for queued destination writes and closes all resources.
func (a *App) Close() error {
	var firstErr error

	if err := a.destination.Close(); err != nil {
		firstErr = fmt.Errorf("flushing destination: %w", err)
	}
	if err := a.state.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing state: %w", err)
	}
	a.closeLog()

	return firstErr
}

func (a *App) closeLog() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}
