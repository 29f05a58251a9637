package preload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/stemdeck/internal/media"
	"github.com/audiolibrelab/stemdeck/internal/stem"
)

// Session owns the handles of one preload until they are handed off.
type Session struct {
	id      string
	set     stem.Set
	started time.Time
	cancel  context.CancelFunc

	mu        sync.Mutex
	handles   map[stem.Stem]media.Handle
	results   []Result
	buffered  map[stem.Stem]float64
	summary   Summary
	finished  bool
	handedOff bool
	closed    bool
	done      chan struct{}

	opened       int
	loaded       bool
	playable     chan struct{}
	playableOnce sync.Once
}

// Status is a point-in-time view of a session.
type Status struct {
	ID        string             `json:"session_id"`
	Total     int                `json:"total"`
	Resolved  int                `json:"resolved"`
	Done      bool               `json:"done"`
	HandedOff bool               `json:"handed_off"`
	Results   []Result           `json:"results"`
	Buffered  map[string]float64 `json:"buffered"`
	Summary   *Summary           `json:"summary,omitempty"`
}

func (s *Session) ID() string { return s.id }

func (s *Session) Set() stem.Set { return s.set }

// Done is closed once every stem has resolved.
func (s *Session) Done() <-chan struct{} { return s.done }

// Playable is closed once every stem has been opened and at least one is
// loaded, or when the session finished. Handing off then gives the player
// every handle while slower stems keep loading.
func (s *Session) Playable() <-chan struct{} { return s.playable }

// Wait blocks until every stem resolved or ctx ends.
func (s *Session) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.summary, nil
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

// Summary returns the final summary once available.
func (s *Session) Summary() (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary, s.finished
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ID:        s.id,
		Total:     len(s.results),
		Done:      s.finished,
		HandedOff: s.handedOff,
		Results:   make([]Result, len(s.results)),
		Buffered:  make(map[string]float64, len(s.buffered)),
	}
	copy(st.Results, s.results)
	for _, r := range s.results {
		if r.Outcome != OutcomePending {
			st.Resolved++
		}
	}
	for k, v := range s.buffered {
		st.Buffered[k.String()] = v
	}
	if s.finished {
		summary := s.summary
		st.Summary = &summary
	}
	return st
}

// Handoff transfers ownership of every opened handle to the caller.
// Loads still in flight keep running; the caller sees them become ready
// through the handles' own events. It may be called once.
func (s *Session) Handoff() (map[stem.Stem]media.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionEnd
	}
	if s.handedOff {
		return nil, ErrHandedOff
	}
	s.handedOff = true

	out := make(map[stem.Stem]media.Handle, len(s.handles))
	for k, h := range s.handles {
		out[k] = h
	}
	return out, nil
}

// Close stops pending races and releases any handle not yet handed off.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var release []media.Handle
	if !s.handedOff {
		for _, h := range s.handles {
			release = append(release, h)
		}
	}
	s.mu.Unlock()

	s.cancel()
	for _, h := range release {
		h.Close()
	}
	slog.Debug("Preload session closed", "session_id", s.id, "released", len(release))
	return nil
}

// adopt records an opened handle unless the session is already closed.
func (s *Session) adopt(st stem.Stem, h media.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	s.checkPlayableLocked()
	if s.closed {
		return false
	}
	s.handles[st] = h
	return true
}

// markOpened counts a stem whose handle could not be opened.
func (s *Session) markOpened() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	s.checkPlayableLocked()
}

func (s *Session) checkPlayableLocked() {
	if s.loaded && s.opened >= len(s.results) {
		s.playableOnce.Do(func() { close(s.playable) })
	}
}

func (s *Session) setBuffered(st stem.Stem, f float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f > s.buffered[st] {
		s.buffered[st] = f
	}
}

func (s *Session) resolve(i int, r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[i] = r
	if r.Outcome == OutcomeLoaded {
		s.buffered[r.Stem] = 1
		s.loaded = true
		s.checkPlayableLocked()
	}

	if r.Outcome == OutcomeLoaded {
		slog.Debug("Stem loaded", "session_id", s.id, "stem", r.Stem, "elapsed", r.Elapsed)
	} else {
		slog.Warn("Stem failed to load", "session_id", s.id, "stem", r.Stem, "outcome", r.Outcome, "error", r.Err)
	}
}

func (s *Session) finish() {
	s.mu.Lock()
	summary := Summary{Results: make([]Result, len(s.results))}
	copy(summary.Results, s.results)
	for _, r := range s.results {
		if r.Outcome == OutcomeLoaded {
			summary.SuccessCount++
		} else {
			summary.FailureCount++
		}
	}
	s.summary = summary
	s.finished = true
	s.mu.Unlock()

	s.playableOnce.Do(func() { close(s.playable) })
	close(s.done)
	slog.Info("Preload complete: "+summary.String(), "session_id", s.id, "elapsed", time.Since(s.started))
}
