package kozeki

import "time"

// Observer receives build progress notifications, typically for metrics.
type Observer interface {
	PhaseCompleted(phase string, d time.Duration)
	ArtifactWritten(path Path)
	ArtifactDeleted(path Path)
	IDChanged(path Path, from, to string)
	BuildFinished(full bool, err error)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) PhaseCompleted(string, time.Duration) {}
func (NopObserver) ArtifactWritten(Path)                 {}
func (NopObserver) ArtifactDeleted(Path)                 {}
func (NopObserver) IDChanged(Path, string, string)       {}
func (NopObserver) BuildFinished(bool, error)            {}
