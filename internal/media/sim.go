package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/audiolibrelab/stemdeck/internal/stem"
)

// SimConfig describes how a simulated handle behaves.
type SimConfig struct {
	Duration    time.Duration
	LoadDelay   time.Duration
	LoadErr     error // load resolves to Errored with this cause
	NeverLoad   bool  // load stays in Loading until Release
	RejectStart bool
	RejectSeek  bool
	Committer   bool // expose WaitCommitted
	TickEvery   time.Duration
}

// SimOpener opens clock-driven handles that decode nothing. It backs the
// "simulated" audio backend and the engine tests.
type SimOpener struct {
	Default SimConfig
	PerStem map[stem.Stem]SimConfig
	OpenErr map[stem.Stem]error
	Now     func() time.Time

	mu      sync.Mutex
	handles map[stem.Stem]*SimHandle
}

func (o *SimOpener) Open(ctx context.Context, s stem.Stem, url string) (Handle, error) {
	if err := o.OpenErr[s]; err != nil {
		return nil, fmt.Errorf("open %s: %w", s, err)
	}
	cfg := o.Default
	if c, ok := o.PerStem[s]; ok {
		cfg = c
	}
	h := NewSimHandle(s, url, cfg)
	if o.Now != nil {
		h.now = o.Now
	}

	o.mu.Lock()
	if o.handles == nil {
		o.handles = make(map[stem.Stem]*SimHandle)
	}
	o.handles[s] = h
	o.mu.Unlock()

	if cfg.Committer {
		return committingSimHandle{h}, nil
	}
	return h, nil
}

// Handle returns the most recent handle opened for s.
func (o *SimOpener) Handle(s stem.Stem) *SimHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handles[s]
}

// SimHandle is a Handle whose position advances with the clock while playing.
type SimHandle struct {
	stem stem.Stem
	url  string
	cfg  SimConfig
	now  func() time.Time

	mu        sync.Mutex
	state     ReadyState
	duration  time.Duration
	base      time.Duration
	startedAt time.Time
	playing   bool
	gain      float64
	closed    bool
	loadOnce  sync.Once
	stopLoad  chan struct{}
	release   chan struct{}
	relOnce   sync.Once
	tickStop  chan struct{}

	starts    int
	stops     int
	seeks     []time.Duration
	committed chan struct{}

	events *dispatcher
}

func NewSimHandle(s stem.Stem, url string, cfg SimConfig) *SimHandle {
	return &SimHandle{
		stem:      s,
		url:       url,
		cfg:       cfg,
		now:       time.Now,
		state:     StateIdle,
		gain:      1,
		stopLoad:  make(chan struct{}),
		release:   make(chan struct{}),
		committed: make(chan struct{}, 1),
		events:    newDispatcher(),
	}
}

func (h *SimHandle) Stem() stem.Stem { return h.stem }

// URL returns the resource the handle was opened for.
func (h *SimHandle) URL() string { return h.url }

func (h *SimHandle) State() ReadyState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *SimHandle) Load() {
	h.loadOnce.Do(func() {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		h.state = StateLoading
		h.mu.Unlock()
		go h.load()
	})
}

func (h *SimHandle) load() {
	h.events.emit(Event{Kind: EventLoadStart, Stem: h.stem})
	if h.cfg.NeverLoad {
		select {
		case <-h.release:
		case <-h.stopLoad:
			return
		}
	}
	h.events.emit(Event{Kind: EventProgress, Stem: h.stem, Buffered: 0.5})

	if h.cfg.LoadDelay > 0 {
		timer := time.NewTimer(h.cfg.LoadDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-h.stopLoad:
			return
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if h.cfg.LoadErr != nil {
		h.state = StateErrored
		h.mu.Unlock()
		h.events.emit(Event{Kind: EventError, Stem: h.stem, Err: fmt.Errorf("%w: %w", ErrLoadFailed, h.cfg.LoadErr)})
		return
	}
	h.duration = h.cfg.Duration
	h.state = StateReady
	h.mu.Unlock()

	h.events.emit(Event{Kind: EventProgress, Stem: h.stem, Buffered: 1})
	h.events.emit(Event{Kind: EventMetadata, Stem: h.stem, Duration: h.cfg.Duration})
	h.events.emit(Event{Kind: EventReady, Stem: h.stem})
}

func (h *SimHandle) Duration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.duration
}

func (h *SimHandle) Position() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.positionLocked()
}

func (h *SimHandle) positionLocked() time.Duration {
	pos := h.base
	if h.playing {
		pos += h.now().Sub(h.startedAt)
	}
	if h.duration > 0 && pos > h.duration {
		pos = h.duration
	}
	return pos
}

func (h *SimHandle) SetPosition(d time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	if h.state != StateReady {
		return fmt.Errorf("%w: %s is %s", ErrSeekRejected, h.stem, h.state)
	}
	if h.cfg.RejectSeek {
		return fmt.Errorf("%w: %s", ErrSeekRejected, h.stem)
	}
	h.seeks = append(h.seeks, d)
	h.base = d
	if h.playing {
		h.startedAt = h.now()
	}
	h.signalCommit()
	return nil
}

func (h *SimHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	if h.state != StateReady {
		return fmt.Errorf("%w: %s is %s", ErrStartRejected, h.stem, h.state)
	}
	if h.cfg.RejectStart {
		return fmt.Errorf("%w: %s", ErrStartRejected, h.stem)
	}
	h.starts++
	if !h.playing {
		if h.duration > 0 && h.base >= h.duration {
			h.base = 0
		}
		h.playing = true
		h.startedAt = h.now()
		if h.cfg.TickEvery > 0 {
			h.tickStop = make(chan struct{})
			go h.tick(h.tickStop)
		}
	}
	h.signalCommit()
	return nil
}

func (h *SimHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
	h.stopLocked()
}

func (h *SimHandle) stopLocked() {
	if !h.playing {
		return
	}
	h.base = h.positionLocked()
	h.playing = false
	if h.tickStop != nil {
		close(h.tickStop)
		h.tickStop = nil
	}
}

func (h *SimHandle) tick(stop chan struct{}) {
	ticker := time.NewTicker(h.cfg.TickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.mu.Lock()
			pos := h.positionLocked()
			ended := h.duration > 0 && pos >= h.duration
			if ended {
				h.stopLocked()
			}
			h.mu.Unlock()

			if ended {
				h.events.emit(Event{Kind: EventEnded, Stem: h.stem, Position: pos})
				return
			}
			h.events.emit(Event{Kind: EventTimeUpdate, Stem: h.stem, Position: pos})
		}
	}
}

func (h *SimHandle) Playing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playing
}

func (h *SimHandle) SetGain(g float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gain = g
}

func (h *SimHandle) Gain() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gain
}

func (h *SimHandle) Subscribe(l Listener) func() {
	return h.events.subscribe(l)
}

func (h *SimHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.stopLocked()
	h.closed = true
	close(h.stopLoad)
	h.mu.Unlock()

	h.events.close()
	return nil
}

// Closed reports whether Close has been called.
func (h *SimHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// committingSimHandle exposes the commit signal of a SimHandle.
type committingSimHandle struct {
	*SimHandle
}

// WaitCommitted returns once the last position or play-state change took effect.
func (c committingSimHandle) WaitCommitted(ctx context.Context) error {
	return c.waitCommitted(ctx)
}

func (h *SimHandle) waitCommitted(ctx context.Context) error {
	select {
	case <-h.committed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *SimHandle) signalCommit() {
	select {
	case h.committed <- struct{}{}:
	default:
	}
}

// Counts returns how many times Start, Stop and SetPosition were called.
func (h *SimHandle) Counts() (starts, stops, seeks int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts, h.stops, len(h.seeks)
}

// Seeks returns every accepted SetPosition target in call order.
func (h *SimHandle) Seeks() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]time.Duration, len(h.seeks))
	copy(out, h.seeks)
	return out
}

// Drift moves the position without recording a seek.
func (h *SimHandle) Drift(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.base = d
	if h.playing {
		h.startedAt = h.now()
	}
}

// EmitTimeUpdate queues a TimeUpdate event at pos.
func (h *SimHandle) EmitTimeUpdate(pos time.Duration) {
	h.events.emit(Event{Kind: EventTimeUpdate, Stem: h.stem, Position: pos})
}

// Finish stops playback at the end of the stem and queues an Ended event.
func (h *SimHandle) Finish() {
	h.mu.Lock()
	h.stopLocked()
	h.base = h.duration
	h.mu.Unlock()
	h.events.emit(Event{Kind: EventEnded, Stem: h.stem, Position: h.Duration()})
}

// Release lets a NeverLoad handle finish loading.
func (h *SimHandle) Release() {
	h.relOnce.Do(func() { close(h.release) })
}

// Fail moves a loading handle to Errored and queues an Error event.
func (h *SimHandle) Fail(cause error) {
	h.mu.Lock()
	if h.state == StateReady || h.state == StateErrored {
		h.mu.Unlock()
		return
	}
	h.state = StateErrored
	h.mu.Unlock()
	h.events.emit(Event{Kind: EventError, Stem: h.stem, Err: fmt.Errorf("%w: %w", ErrLoadFailed, cause)})
}
