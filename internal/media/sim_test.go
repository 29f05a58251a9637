package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/stemdeck/internal/stem"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func TestSimHandle_LoadEmitsReadyInOrder(t *testing.T) {
	h := NewSimHandle(stem.Vocals, "mem://vocals", SimConfig{Duration: 3 * time.Minute})
	defer h.Close()

	rec := &recorder{}
	h.Subscribe(rec.listen)
	h.Load()

	require.Eventually(t, func() bool { return len(rec.kinds()) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventKind{EventLoadStart, EventProgress, EventProgress, EventMetadata, EventReady}, rec.kinds())
	assert.Equal(t, StateReady, h.State())
	assert.Equal(t, 3*time.Minute, h.Duration())
}

func TestSimHandle_LoadFailure(t *testing.T) {
	h := NewSimHandle(stem.Bass, "mem://bass", SimConfig{LoadErr: errors.New("404")})
	defer h.Close()

	errs := make(chan error, 1)
	h.Subscribe(func(ev Event) {
		if ev.Kind == EventError {
			errs <- ev.Err
		}
	})
	h.Load()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrLoadFailed)
		assert.ErrorContains(t, err, "404")
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}
	assert.Equal(t, StateErrored, h.State())
	assert.ErrorIs(t, h.Start(), ErrStartRejected)
}

func TestSimHandle_PositionFollowsClock(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	h := NewSimHandle(stem.Drums, "mem://drums", SimConfig{Duration: 10 * time.Second})
	h.now = clock.Now
	defer h.Close()

	h.Load()
	require.Eventually(t, func() bool { return h.State() == StateReady }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.SetPosition(2*time.Second))
	require.NoError(t, h.Start())
	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, 3500*time.Millisecond, h.Position())

	h.Stop()
	clock.Advance(time.Second)
	assert.Equal(t, 3500*time.Millisecond, h.Position())

	require.NoError(t, h.Start())
	clock.Advance(time.Minute)
	assert.Equal(t, 10*time.Second, h.Position(), "position is capped at duration")

	starts, stops, seeks := h.Counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, seeks)
}

func TestSimHandle_CloseDetachesListeners(t *testing.T) {
	h := NewSimHandle(stem.Other, "mem://other", SimConfig{NeverLoad: true})
	rec := &recorder{}
	h.Subscribe(rec.listen)
	h.Load()

	require.Eventually(t, func() bool { return len(rec.kinds()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.Close())
	h.EmitTimeUpdate(time.Second)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []EventKind{EventLoadStart}, rec.kinds())
	assert.True(t, h.Closed())
	assert.ErrorIs(t, h.SetPosition(0), ErrHandleClosed)
}

func TestSimOpener_CommitterIsOptional(t *testing.T) {
	o := &SimOpener{PerStem: map[stem.Stem]SimConfig{stem.Vocals: {Committer: true}}}

	v, err := o.Open(context.Background(), stem.Vocals, "a")
	require.NoError(t, err)
	_, ok := v.(Committer)
	assert.True(t, ok)

	d, err := o.Open(context.Background(), stem.Drums, "b")
	require.NoError(t, err)
	_, ok = d.(Committer)
	assert.False(t, ok)

	assert.Same(t, o.Handle(stem.Drums), d)
}

func TestDispatcher_UnsubscribeStopsDelivery(t *testing.T) {
	d := newDispatcher()
	defer d.close()

	var mu sync.Mutex
	var a, b int
	cancelA := d.subscribe(func(Event) { mu.Lock(); a++; mu.Unlock() })
	d.subscribe(func(Event) { mu.Lock(); b++; mu.Unlock() })

	d.emit(Event{Kind: EventTimeUpdate})
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return b == 1 }, time.Second, time.Millisecond)

	cancelA()
	cancelA()
	d.emit(Event{Kind: EventTimeUpdate})
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return b == 2 }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, a)
}

func TestSimHandle_StartAtEndRewinds(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	h := NewSimHandle(stem.Bass, "mem://bass", SimConfig{Duration: time.Minute})
	h.now = clock.Now
	defer h.Close()
	h.Load()
	require.Eventually(t, func() bool { return h.State() == StateReady }, time.Second, time.Millisecond)

	require.NoError(t, h.Start())
	h.Finish()
	assert.Equal(t, time.Minute, h.Position())

	require.NoError(t, h.Start())
	assert.Equal(t, time.Duration(0), h.Position())
	clock.Advance(5 * time.Second)
	assert.Equal(t, 5*time.Second, h.Position())
}
