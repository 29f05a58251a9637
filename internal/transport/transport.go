// Package transport drives a set of stem handles as one synchronized
// performance with a single play head.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/stemdeck/internal/media"
	"github.com/audiolibrelab/stemdeck/internal/mix"
	"github.com/audiolibrelab/stemdeck/internal/preload"
	"github.com/audiolibrelab/stemdeck/internal/stem"
	"github.com/audiolibrelab/stemdeck/internal/timefmt"
)

var (
	ErrClosed      = errors.New("transport closed")
	ErrUnknownStem = errors.New("stem not in set")
	ErrNoHandles   = errors.New("no stem could be started")
)

// State is the play state of a Transport. Scrubbing is tracked separately.
type State string

const (
	StateIdle    State = "IDLE"
	StateReady   State = "READY"
	StatePlaying State = "PLAYING"
	StatePaused  State = "PAUSED"
)

type Transport struct {
	opts Options
	set  stem.Set

	life   context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	handles    map[stem.Stem]media.Handle
	unsubs     []func()
	errored    map[stem.Stem]bool
	primary    stem.Stem
	hasPrimary bool
	mixer      *mix.Mixer

	state      State
	current    time.Duration
	duration   time.Duration
	scrubbing  bool
	track      timefmt.Track
	gen        uint64
	seeking    bool
	seekTarget time.Duration
	closed     bool

	lastPublish time.Time
	pending     time.Duration
	trailing    *time.Timer

	listeners map[int]func(Snapshot)
	nextID    int
}

// New takes ownership of the session's handles.
func New(sess *preload.Session, opts Options) (*Transport, error) {
	handles, err := sess.Handoff()
	if err != nil {
		return nil, fmt.Errorf("failed to take preloaded stems: %w", err)
	}
	return NewWithHandles(sess.Set(), handles, opts), nil
}

// NewWithHandles builds a Transport over handles keyed by stem. Stems of set
// without a handle are treated as errored.
func NewWithHandles(set stem.Set, handles map[stem.Stem]media.Handle, opts Options) *Transport {
	life, cancel := context.WithCancel(context.Background())
	t := &Transport{
		opts:      opts.withDefaults(),
		set:       set,
		life:      life,
		cancel:    cancel,
		handles:   make(map[stem.Stem]media.Handle, len(handles)),
		errored:   make(map[stem.Stem]bool),
		mixer:     mix.New(),
		state:     StateIdle,
		listeners: make(map[int]func(Snapshot)),
	}

	t.mu.Lock()
	for _, st := range set.Stems() {
		h, ok := handles[st]
		if !ok || h == nil {
			t.errored[st] = true
			continue
		}
		if h.State() == media.StateErrored {
			t.errored[st] = true
		}
		t.handles[st] = h
		h.SetGain(t.mixer.Level(st).Gain())

		st := st
		t.unsubs = append(t.unsubs, h.Subscribe(func(ev media.Event) {
			t.onEvent(st, ev)
		}))
	}
	t.electPrimaryLocked()
	if len(t.readyLocked()) > 0 {
		t.state = StateReady
	}
	t.mu.Unlock()

	return t
}

// Play starts every ready stem from the reference position.
func (t *Transport) Play(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.state == StatePlaying && !t.seeking {
		t.mu.Unlock()
		return nil
	}
	ready := t.readyLocked()
	if len(ready) == 0 {
		t.mu.Unlock()
		slog.Debug("Play ignored, no stem is ready")
		return nil
	}

	t.gen++
	gen := t.gen
	if t.seeking {
		t.applySeekLocked(ready)
	}

	ref := ready[0]
	if p, ok := t.handles[t.primary]; ok && t.hasPrimary && p.State() == media.StateReady {
		ref = p
	}
	refPos := ref.Position()

	// A finished performance starts over from the top.
	rewind := t.duration > 0 && refPos >= t.duration
	if rewind {
		refPos = 0
		t.current = 0
	}

	var touched []media.Handle
	for _, h := range ready {
		if !rewind && (h == ref || timefmt.Abs(h.Position()-refPos) <= t.opts.DriftTolerance) {
			continue
		}
		if err := h.SetPosition(refPos); err != nil {
			slog.Warn("Could not sync stem", "stem", h.Stem(), "error", err)
			continue
		}
		touched = append(touched, h)
	}
	t.mu.Unlock()

	if len(touched) > 0 {
		slog.Debug("Synced stems before play", "count", len(touched), "target", refPos)
	}
	werr := t.settle(ctx, t.opts.PlaySettle, ready, touched)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if gen != t.gen {
		t.mu.Unlock()
		return nil
	}
	started := t.startLocked(t.readyLocked())
	if started == 0 {
		t.mu.Unlock()
		return ErrNoHandles
	}
	t.state = StatePlaying
	t.lastPublish = t.opts.Now()
	t.publishLocked()
	return werr
}

// Pause stops every stem at once. It is idempotent.
func (t *Transport) Pause() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.gen++
	ready := t.readyLocked()
	if t.seeking {
		t.applySeekLocked(ready)
	}
	for _, h := range ready {
		h.Stop()
	}
	t.stopTrailingLocked()
	if t.state != StateIdle {
		t.state = StatePaused
	}
	t.publishLocked()
	return nil
}

// Toggle pauses when playing and plays otherwise.
func (t *Transport) Toggle(ctx context.Context) error {
	if t.Snapshot().IsPlaying {
		return t.Pause()
	}
	return t.Play(ctx)
}

// Seek moves the play head to at, clamped to [0, duration]. The displayed
// time changes immediately; stems follow after the settle delays. A seek
// issued while scrubbing is ignored, ScrubEnd owns the play head then.
func (t *Transport) Seek(ctx context.Context, at time.Duration) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.scrubbing {
		t.mu.Unlock()
		return nil
	}
	op := t.beginSeekLocked(at)
	return t.runSeek(ctx, op)
}

// Restart seeks to the beginning.
func (t *Transport) Restart(ctx context.Context) error {
	return t.Seek(ctx, 0)
}

// SeekTo seeks to the time under pointer x on the progress track.
func (t *Transport) SeekTo(ctx context.Context, x float64) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.scrubbing {
		t.mu.Unlock()
		return nil
	}
	op := t.beginSeekLocked(t.track.TimeAt(x, t.duration))
	return t.runSeek(ctx, op)
}

type seekOp struct {
	gen        uint64
	target     time.Duration
	wasPlaying bool
	stopped    []media.Handle
	ready      []media.Handle
}

// beginSeekLocked publishes the target and stops playing stems. It must be
// called with t.mu held and returns with it released.
func (t *Transport) beginSeekLocked(at time.Duration) seekOp {
	target := max(at, 0)
	if t.duration > 0 {
		target = timefmt.Clamp(at, 0, t.duration)
	}
	t.gen++
	op := seekOp{
		gen:        t.gen,
		target:     target,
		wasPlaying: t.state == StatePlaying,
		ready:      t.readyLocked(),
	}

	t.current = target
	t.seeking = true
	t.seekTarget = target
	t.stopTrailingLocked()

	if op.wasPlaying {
		for _, h := range op.ready {
			h.Stop()
			op.stopped = append(op.stopped, h)
		}
	}

	slog.Debug("Seeking", "target", target, "was_playing", op.wasPlaying)
	t.publishLocked()
	return op
}

func (t *Transport) runSeek(ctx context.Context, op seekOp) error {
	if err := t.settle(ctx, t.opts.SeekPauseSettle, op.ready, op.stopped); err != nil {
		return t.finishSeekNow(op, err)
	}

	t.mu.Lock()
	if !t.currentLocked(op.gen) {
		return t.abandonLocked()
	}
	ready := t.readyLocked()
	touched := t.setPositionsLocked(ready, op.target)
	t.mu.Unlock()

	if err := t.settle(ctx, t.opts.SeekCommitSettle, ready, touched); err != nil {
		return t.finishSeekNow(op, err)
	}

	t.mu.Lock()
	if !t.currentLocked(op.gen) {
		return t.abandonLocked()
	}
	return t.completeSeekLocked(op)
}

// finishSeekNow completes a seek whose wait was interrupted by the caller,
// skipping the remaining delays.
func (t *Transport) finishSeekNow(op seekOp, cause error) error {
	t.mu.Lock()
	if !t.currentLocked(op.gen) {
		return t.abandonLocked()
	}
	t.setPositionsLocked(t.readyLocked(), op.target)
	if err := t.completeSeekLocked(op); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (t *Transport) completeSeekLocked(op seekOp) error {
	t.seeking = false
	var err error
	if op.wasPlaying {
		if t.startLocked(t.readyLocked()) == 0 {
			t.state = StatePaused
			err = ErrNoHandles
		}
	}
	t.lastPublish = t.opts.Now()
	t.publishLocked()
	return err
}

// currentLocked reports whether the operation tagged gen is still the
// newest one and the transport is open.
func (t *Transport) currentLocked(gen uint64) bool {
	return !t.closed && gen == t.gen
}

func (t *Transport) abandonLocked() error {
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return nil
}

// applySeekLocked moves every ready stem to the pending seek target and
// ends the seek.
func (t *Transport) applySeekLocked(ready []media.Handle) {
	t.setPositionsLocked(ready, t.seekTarget)
	t.current = t.seekTarget
	t.seeking = false
}

func (t *Transport) setPositionsLocked(ready []media.Handle, at time.Duration) []media.Handle {
	touched := make([]media.Handle, 0, len(ready))
	for _, h := range ready {
		if err := h.SetPosition(at); err != nil {
			slog.Warn("Could not set position", "stem", h.Stem(), "target", at, "error", err)
			continue
		}
		touched = append(touched, h)
	}
	return touched
}

func (t *Transport) startLocked(ready []media.Handle) int {
	started := 0
	for _, h := range ready {
		if err := h.Start(); err != nil {
			slog.Warn("Could not start playback", "stem", h.Stem(), "error", err)
			continue
		}
		started++
	}
	return started
}

// settle waits for stems to apply a change. When every stem exposes a
// commit signal it waits on the touched ones, otherwise it sleeps d.
func (t *Transport) settle(ctx context.Context, d time.Duration, all, touched []media.Handle) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.life, cancel)
	defer stop()

	if len(all) > 0 && allCommitters(all) {
		for _, h := range touched {
			c := h.(media.Committer)
			cctx, ccancel := context.WithTimeout(wctx, t.opts.CommitTimeout)
			err := c.WaitCommitted(cctx)
			ccancel()
			if err != nil && wctx.Err() != nil {
				return t.waitErr(ctx)
			}
		}
		return nil
	}

	if err := t.opts.Sleep(wctx, d); err != nil {
		return t.waitErr(ctx)
	}
	return nil
}

// waitErr distinguishes a caller cancellation from teardown. Teardown is
// reported as nil so the operation can observe the closed flag itself.
func (t *Transport) waitErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func allCommitters(hs []media.Handle) bool {
	for _, h := range hs {
		if _, ok := h.(media.Committer); !ok {
			return false
		}
	}
	return true
}

// readyLocked returns the ready handles in set order.
func (t *Transport) readyLocked() []media.Handle {
	var out []media.Handle
	for _, st := range t.set.Stems() {
		h, ok := t.handles[st]
		if !ok || t.errored[st] {
			continue
		}
		if h.State() == media.StateReady {
			out = append(out, h)
		}
	}
	return out
}

// electPrimaryLocked picks the first ready stem in set order. Until one is
// ready it falls back to the first stem that has not errored.
func (t *Transport) electPrimaryLocked() {
	prev, had := t.primary, t.hasPrimary
	t.hasPrimary = false
	var fallback stem.Stem
	hasFallback := false
	for _, st := range t.set.Stems() {
		h, ok := t.handles[st]
		if !ok || t.errored[st] {
			continue
		}
		if h.State() == media.StateReady {
			t.primary = st
			t.hasPrimary = true
			break
		}
		if !hasFallback {
			fallback, hasFallback = st, true
		}
	}
	if !t.hasPrimary && hasFallback {
		t.primary, t.hasPrimary = fallback, true
	}
	if !t.hasPrimary {
		t.duration = 0
		return
	}
	if had && prev != t.primary {
		slog.Info("Primary stem changed", "from", prev, "to", t.primary)
	}
	if d := t.handles[t.primary].Duration(); d > 0 {
		t.duration = d
	}
}

// primaryReadyLocked reports whether the primary can drive the play head.
func (t *Transport) primaryReadyLocked() bool {
	if !t.hasPrimary {
		return false
	}
	h, ok := t.handles[t.primary]
	return ok && h.State() == media.StateReady
}
