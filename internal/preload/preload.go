// Package preload loads every stem of a set in parallel and reports a
// per-stem outcome once all of them resolve.
package preload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/audiolibrelab/stemdeck/internal/media"
	"github.com/audiolibrelab/stemdeck/internal/stem"
)

const DefaultWatchdog = 60 * time.Second

var (
	ErrEmptySet   = errors.New("stem set is empty")
	ErrHandedOff  = errors.New("session already handed off")
	ErrSessionEnd = errors.New("session closed")
)

type Outcome string

const (
	OutcomePending  Outcome = "PENDING"
	OutcomeLoaded   Outcome = "LOADED"
	OutcomeFailed   Outcome = "FAILED"
	OutcomeTimedOut Outcome = "TIMED_OUT"
)

// Result is the resolution of one stem's load race.
type Result struct {
	Stem    stem.Stem     `json:"stem"`
	Outcome Outcome       `json:"outcome"`
	Err     error         `json:"-"`
	Reason  string        `json:"reason,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

type Summary struct {
	Results      []Result `json:"results"`
	SuccessCount int      `json:"success_count"`
	FailureCount int      `json:"failure_count"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%d successful, %d failed", s.SuccessCount, s.FailureCount)
}

// Failed returns the results that did not load.
func (s Summary) Failed() []Result {
	var out []Result
	for _, r := range s.Results {
		if r.Outcome != OutcomeLoaded {
			out = append(out, r)
		}
	}
	return out
}

// ProgressFunc receives the buffered fraction of a stem while it loads.
type ProgressFunc func(s stem.Stem, buffered float64)

type Preloader struct {
	opener   media.Opener
	watchdog time.Duration
	progress ProgressFunc
}

type Option func(*Preloader)

func WithWatchdog(d time.Duration) Option {
	return func(p *Preloader) {
		if d > 0 {
			p.watchdog = d
		}
	}
}

func WithProgress(fn ProgressFunc) Option {
	return func(p *Preloader) { p.progress = fn }
}

func New(opener media.Opener, opts ...Option) *Preloader {
	p := &Preloader{opener: opener, watchdog: DefaultWatchdog}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Begin opens and starts loading every stem of set, returning at once.
// ctx bounds the load races; cancelling it resolves pending stems as failed.
func (p *Preloader) Begin(ctx context.Context, set stem.Set) (*Session, error) {
	if set.Empty() {
		return nil, ErrEmptySet
	}

	raceCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:       uuid.NewString(),
		set:      set,
		started:  time.Now(),
		handles:  make(map[stem.Stem]media.Handle, set.Len()),
		results:  make([]Result, set.Len()),
		buffered: make(map[stem.Stem]float64, set.Len()),
		done:     make(chan struct{}),
		playable: make(chan struct{}),
		cancel:   cancel,
	}
	for i, e := range set.Entries() {
		s.results[i] = Result{Stem: e.Stem, Outcome: OutcomePending}
	}

	slog.Info("Preloading stems", "session_id", s.id, "count", set.Len(), "watchdog", p.watchdog)

	var wg conc.WaitGroup
	for i, e := range set.Entries() {
		i, e := i, e
		wg.Go(func() {
			r := p.race(raceCtx, s, e)
			s.resolve(i, r)
		})
	}

	go func() {
		wg.Wait()
		s.finish()
	}()

	return s, nil
}

// race resolves a single stem: ready, error, watchdog or cancellation,
// whichever comes first.
func (p *Preloader) race(ctx context.Context, s *Session, e stem.Entry) Result {
	start := time.Now()
	result := func(o Outcome, err error) Result {
		r := Result{Stem: e.Stem, Outcome: o, Err: err, Elapsed: time.Since(start)}
		if err != nil {
			r.Reason = err.Error()
		}
		return r
	}

	h, err := p.opener.Open(ctx, e.Stem, e.URL)
	if err != nil {
		s.markOpened()
		return result(OutcomeFailed, fmt.Errorf("%w: %w", media.ErrLoadFailed, err))
	}
	if !s.adopt(e.Stem, h) {
		h.Close()
		return result(OutcomeFailed, ErrSessionEnd)
	}

	resolved := make(chan Result, 1)
	var once sync.Once
	settle := func(r Result) {
		once.Do(func() { resolved <- r })
	}

	cancel := h.Subscribe(func(ev media.Event) {
		switch ev.Kind {
		case media.EventProgress:
			s.setBuffered(e.Stem, ev.Buffered)
			if p.progress != nil {
				p.progress(e.Stem, ev.Buffered)
			}
		case media.EventReady:
			settle(result(OutcomeLoaded, nil))
		case media.EventError:
			settle(result(OutcomeFailed, ev.Err))
		}
	})
	defer cancel()

	h.Load()

	watchdog := time.NewTimer(p.watchdog)
	defer watchdog.Stop()

	select {
	case r := <-resolved:
		return r
	case <-watchdog.C:
		return result(OutcomeTimedOut, fmt.Errorf("%w after %s", media.ErrLoadTimeout, p.watchdog))
	case <-ctx.Done():
		return result(OutcomeFailed, ctx.Err())
	}
}
