package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/audiolibrelab/stemdeck/internal/media"
	"github.com/audiolibrelab/stemdeck/internal/mix"
	"github.com/audiolibrelab/stemdeck/internal/stem"
	"github.com/audiolibrelab/stemdeck/internal/timefmt"
)

// StemStatus describes one stem in a Snapshot.
type StemStatus struct {
	Stem    stem.Stem        `json:"stem"`
	State   media.ReadyState `json:"state"`
	Volume  float64          `json:"volume"`
	Muted   bool             `json:"muted"`
	Primary bool             `json:"primary"`
}

// Snapshot is a consistent view of the transport. While scrubbing,
// CurrentTime follows the pointer only.
type Snapshot struct {
	State       State         `json:"state"`
	CurrentTime time.Duration `json:"current_time"`
	Duration    time.Duration `json:"duration"`
	IsPlaying   bool          `json:"is_playing"`
	IsScrubbing bool          `json:"is_scrubbing"`
	Seeking     bool          `json:"seeking"`
	Stems       []StemStatus  `json:"stems"`
}

func (t *Transport) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Transport) snapshotLocked() Snapshot {
	s := Snapshot{
		State:       t.state,
		CurrentTime: t.current,
		Duration:    t.duration,
		IsPlaying:   t.state == StatePlaying,
		IsScrubbing: t.scrubbing,
		Seeking:     t.seeking,
	}
	for _, st := range t.set.Stems() {
		status := StemStatus{Stem: st, State: media.StateErrored}
		if h, ok := t.handles[st]; ok {
			status.State = h.State()
		}
		lvl := t.mixer.Level(st)
		status.Volume = lvl.Volume
		status.Muted = lvl.Muted
		status.Primary = t.hasPrimary && st == t.primary
		s.Stems = append(s.Stems, status)
	}
	return s
}

// Subscribe registers fn for every published snapshot. Listeners run
// outside the transport lock.
func (t *Transport) Subscribe(fn func(Snapshot)) (cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || fn == nil {
		return func() {}
	}
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

// publishLocked snapshots the state, releases t.mu and notifies listeners.
func (t *Transport) publishLocked() {
	snap := t.snapshotLocked()
	ls := make([]func(Snapshot), 0, len(t.listeners))
	for _, fn := range t.listeners {
		ls = append(ls, fn)
	}
	t.mu.Unlock()

	for _, fn := range ls {
		fn(snap)
	}
}

// SetProgressTrack records the geometry used to map pointer positions.
func (t *Transport) SetProgressTrack(left, width float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.track = timefmt.Track{Left: left, Width: width}
}

// ScrubStart enters scrubbing. The display follows the pointer while the
// stems keep their position until ScrubEnd.
func (t *Transport) ScrubStart(x float64) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.scrubbing = true
	t.current = t.track.TimeAt(x, t.duration)
	t.stopTrailingLocked()
	t.publishLocked()
	return nil
}

func (t *Transport) ScrubMove(x float64) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if !t.scrubbing {
		t.mu.Unlock()
		return nil
	}
	t.current = t.track.TimeAt(x, t.duration)
	t.publishLocked()
	return nil
}

// ScrubEnd leaves scrubbing and performs exactly one seek to the pointer.
func (t *Transport) ScrubEnd(ctx context.Context, x float64) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if !t.scrubbing {
		t.mu.Unlock()
		return nil
	}
	t.scrubbing = false
	op := t.beginSeekLocked(t.track.TimeAt(x, t.duration))
	return t.runSeek(ctx, op)
}

// SetVolume stores a level in [0, 1] for s. Muted stems stay silent.
func (t *Transport) SetVolume(s stem.Stem, level float64) (mix.Level, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return mix.Level{}, ErrClosed
	}
	if !t.set.Has(s) {
		t.mu.Unlock()
		return mix.Level{}, fmt.Errorf("%w: %s", ErrUnknownStem, s)
	}
	lvl := t.mixer.SetVolume(s, level)
	t.applyGainLocked(s)
	t.publishLocked()
	return lvl, nil
}

// ToggleMute flips the mute flag of s, keeping its stored level.
func (t *Transport) ToggleMute(s stem.Stem) (mix.Level, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return mix.Level{}, ErrClosed
	}
	if !t.set.Has(s) {
		t.mu.Unlock()
		return mix.Level{}, fmt.Errorf("%w: %s", ErrUnknownStem, s)
	}
	lvl := t.mixer.ToggleMute(s)
	t.applyGainLocked(s)
	t.publishLocked()
	return lvl, nil
}

func (t *Transport) Level(s stem.Stem) mix.Level {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mixer.Level(s)
}

func (t *Transport) applyGainLocked(s stem.Stem) {
	if h, ok := t.handles[s]; ok {
		h.SetGain(t.mixer.Level(s).Gain())
	}
}

func (t *Transport) onEvent(s stem.Stem, ev media.Event) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	switch ev.Kind {
	case media.EventReady:
		t.applyGainLocked(s)
		// A late stem joins at the play head and waits for the next Play.
		if h := t.handles[s]; !t.seeking && !h.Playing() && timefmt.Abs(h.Position()-t.current) > t.opts.DriftTolerance {
			if err := h.SetPosition(t.current); err != nil {
				slog.Warn("Could not align stem", "stem", s, "target", t.current, "error", err)
			}
		}
		if !t.primaryReadyLocked() || (t.state != StatePlaying && !t.seeking) {
			t.electPrimaryLocked()
		}
		if t.hasPrimary && s == t.primary {
			if d := t.handles[s].Duration(); d > 0 {
				t.duration = d
			}
		}
		if t.state == StateIdle {
			t.state = StateReady
		}
		t.publishLocked()

	case media.EventMetadata:
		if t.hasPrimary && s == t.primary && ev.Duration > 0 {
			t.duration = ev.Duration
			t.publishLocked()
			return
		}
		t.mu.Unlock()

	case media.EventError:
		slog.Warn("Stem error", "stem", s, "error", ev.Err)
		t.errored[s] = true
		if t.hasPrimary && s == t.primary {
			t.electPrimaryLocked()
		}
		t.publishLocked()

	case media.EventTimeUpdate:
		if !t.hasPrimary || s != t.primary || t.scrubbing || t.seeking || t.state != StatePlaying {
			t.mu.Unlock()
			return
		}
		t.timeUpdateLocked(ev.Position)

	case media.EventEnded:
		if !t.hasPrimary || s != t.primary || t.seeking {
			t.mu.Unlock()
			return
		}
		t.gen++
		for _, h := range t.readyLocked() {
			h.Stop()
		}
		t.stopTrailingLocked()
		t.state = StatePaused
		t.current = t.duration
		if t.current == 0 {
			t.current = ev.Position
		}
		slog.Debug("Playback finished", "duration", t.current)
		t.publishLocked()

	default:
		t.mu.Unlock()
	}
}

// timeUpdateLocked publishes natural time at most once per interval, with
// a trailing publish carrying the latest position.
func (t *Transport) timeUpdateLocked(pos time.Duration) {
	now := t.opts.Now()
	elapsed := now.Sub(t.lastPublish)
	if elapsed >= t.opts.TimeUpdateInterval {
		t.current = pos
		t.lastPublish = now
		t.stopTrailingLocked()
		t.publishLocked()
		return
	}

	t.pending = pos
	if t.trailing == nil {
		gen := t.gen
		t.trailing = time.AfterFunc(t.opts.TimeUpdateInterval-elapsed, func() {
			t.flushTrailing(gen)
		})
	}
	t.mu.Unlock()
}

func (t *Transport) flushTrailing(gen uint64) {
	t.mu.Lock()
	t.trailing = nil
	if !t.currentLocked(gen) || t.scrubbing || t.seeking || t.state != StatePlaying {
		t.mu.Unlock()
		return
	}
	t.current = t.pending
	t.lastPublish = t.opts.Now()
	t.publishLocked()
}

func (t *Transport) stopTrailingLocked() {
	if t.trailing != nil {
		t.trailing.Stop()
		t.trailing = nil
	}
}

// Close stops every stem, detaches every listener and releases the
// handles. Operations still in flight become no-ops.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.gen++
	t.stopTrailingLocked()
	handles := make([]media.Handle, 0, len(t.handles))
	for _, st := range t.set.Stems() {
		if h, ok := t.handles[st]; ok {
			handles = append(handles, h)
		}
	}
	unsubs := t.unsubs
	t.unsubs = nil
	t.handles = map[stem.Stem]media.Handle{}
	t.listeners = map[int]func(Snapshot){}
	t.state = StateIdle
	t.mu.Unlock()

	t.cancel()

	for _, h := range handles {
		h.Stop()
	}
	for _, unsub := range unsubs {
		unsub()
	}
	var firstErr error
	for _, h := range handles {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	slog.Debug("Transport closed", "stems", len(handles))
	return firstErr
}
