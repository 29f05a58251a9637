// Package media wraps per-stem audio resources behind a small playback
// interface: load, seek, start, stop, gain, and an event stream.
package media

import (
	"context"
	"errors"
	"time"

	"github.com/audiolibrelab/stemdeck/internal/stem"
)

// ReadyState is the load state of a handle. Loading resolves to exactly one
// of Ready or Errored, both terminal.
type ReadyState string

const (
	StateIdle    ReadyState = "IDLE"
	StateLoading ReadyState = "LOADING"
	StateReady   ReadyState = "READY"
	StateErrored ReadyState = "ERRORED"
)

var (
	ErrLoadTimeout   = errors.New("stem load timed out")
	ErrLoadFailed    = errors.New("stem load failed")
	ErrStartRejected = errors.New("stem start rejected")
	ErrSeekRejected  = errors.New("stem seek rejected")
	ErrHandleClosed  = errors.New("handle closed")
)

// EventKind identifies a handle event.
type EventKind string

const (
	EventLoadStart  EventKind = "loadstart"
	EventProgress   EventKind = "progress"
	EventMetadata   EventKind = "metadata"
	EventReady      EventKind = "ready"
	EventError      EventKind = "error"
	EventTimeUpdate EventKind = "timeupdate"
	EventEnded      EventKind = "ended"
)

// Event is delivered to handle listeners.
type Event struct {
	Kind     EventKind
	Stem     stem.Stem
	Buffered float64       // EventProgress: fraction in [0, 1]
	Duration time.Duration // EventMetadata
	Position time.Duration // EventTimeUpdate, EventEnded
	Err      error         // EventError
}

// Listener receives handle events. Listeners are called from the handle's own
// delivery goroutine, in emission order, never from inside a Handle method.
type Listener func(Event)

// Handle is the playback resource of a single stem.
type Handle interface {
	Stem() stem.Stem
	State() ReadyState

	// Load begins loading and returns immediately. Calls after the first
	// are ignored.
	Load()

	// Duration is zero until metadata is known.
	Duration() time.Duration
	Position() time.Duration
	SetPosition(d time.Duration) error

	Start() error
	Stop()
	Playing() bool

	// SetGain sets the linear output gain in [0, 1].
	SetGain(g float64)
	Gain() float64

	Subscribe(l Listener) (cancel func())

	// Close stops playback, detaches every listener and releases the resource.
	Close() error
}

// Committer is implemented by handles that can report when a position or
// play-state change has actually taken effect.
type Committer interface {
	WaitCommitted(ctx context.Context) error
}

// Opener creates handles for stem resources.
type Opener interface {
	Open(ctx context.Context, s stem.Stem, url string) (Handle, error)
}

// Fetcher retrieves the raw bytes behind a stem URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string, progress func(read, total int64)) ([]byte, error)
}
