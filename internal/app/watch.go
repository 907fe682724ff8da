package app

import (
	"context"
	"fmt"

	"kozeki/internal/kozeki"
)

// Watch subscribes to changes of the source, runs an incremental build, and
// then one incremental build per batch of events until ctx is done. Builds
// run one at a time; a failed build is logged and watching continues.
func (a *App) Watch(ctx context.Context) error {
	watcher, ok := a.source.(kozeki.Watcher)
	if !ok {
		return fmt.Errorf("source %s: %w", a.cfg.Source.Type, kozeki.ErrWatchUnsupported)
	}

	batches := make(chan []kozeki.Event, 16)
	stop, err := watcher.Watch(ctx, func(events []kozeki.Event) {
		select {
		case batches <- events:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("watching source: %w", err)
	}
	defer func() {
		if err := stop(); err != nil {
			a.logger.Warn("stopping watcher", "error", err)
		}
	}()

	a.logger.Info("watch started")
	a.buildAndLog(nil)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("watch stopped")
			return nil
		case events := <-batches:
			a.buildAndLog(events)
		}
	}
}

func (a *App) buildAndLog(events []kozeki.Event) {
	b, err := a.Build(true, events)
	if err != nil {
		a.logger.Error("build failed", "error", err)
		return
	}
	a.logger.Info("build finished",
		"build_id", b.ID(),
		"written", len(b.UpdatedFiles()),
		"deleted", len(b.DeletedFiles()))
}
