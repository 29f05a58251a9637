package play

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/stemdeck/internal/media"
	"github.com/audiolibrelab/stemdeck/internal/stem"
	"github.com/audiolibrelab/stemdeck/internal/transport"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTransport(t *testing.T) (*transport.Transport, *media.SimOpener) {
	t.Helper()
	opener := &media.SimOpener{Default: media.SimConfig{Duration: 3 * time.Minute}}
	set, err := stem.NewSet(
		stem.Entry{Stem: stem.Vocals, URL: "mem://vocals"},
		stem.Entry{Stem: stem.Drums, URL: "mem://drums"},
	)
	require.NoError(t, err)

	handles := map[stem.Stem]media.Handle{}
	for _, e := range set.Entries() {
		h, err := opener.Open(context.Background(), e.Stem, e.URL)
		require.NoError(t, err)
		h.Load()
		handles[e.Stem] = h
	}
	for _, h := range handles {
		h := h
		require.Eventually(t, func() bool { return h.State() == media.StateReady }, time.Second, time.Millisecond)
	}

	opts := transport.DefaultOptions()
	opts.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	tr := transport.NewWithHandles(set, handles, opts)
	t.Cleanup(func() { tr.Close() })
	return tr, opener
}

func TestExec_Commands(t *testing.T) {
	tr, opener := newTransport(t)
	out := &syncBuffer{}
	p := New(tr, strings.NewReader(""), out)
	ctx := context.Background()

	require.NoError(t, p.Exec(ctx, "play"))
	assert.True(t, tr.Snapshot().IsPlaying)

	require.NoError(t, p.Exec(ctx, "seek 1:30"))
	assert.Equal(t, 90*time.Second, tr.Snapshot().CurrentTime)
	assert.Contains(t, opener.Handle(stem.Drums).Seeks(), 90*time.Second)

	require.NoError(t, p.Exec(ctx, "-30"))
	assert.Equal(t, 60*time.Second, tr.Snapshot().CurrentTime)

	require.NoError(t, p.Exec(ctx, "vol drums 70%"))
	assert.InDelta(t, 0.7, tr.Level(stem.Drums).Volume, 1e-9)

	require.NoError(t, p.Exec(ctx, "mute drums"))
	assert.True(t, tr.Level(stem.Drums).Muted)
	assert.Equal(t, 0.0, opener.Handle(stem.Drums).Gain())

	require.NoError(t, p.Exec(ctx, "pause"))
	assert.Equal(t, transport.StatePaused, tr.Snapshot().State)

	require.NoError(t, p.Exec(ctx, "restart"))
	assert.Equal(t, time.Duration(0), tr.Snapshot().CurrentTime)

	assert.Contains(t, out.String(), "[PAUSED] 0:00 / 3:00")
	assert.Contains(t, out.String(), "drums 70% muted")
}

func TestExec_Errors(t *testing.T) {
	tr, _ := newTransport(t)
	p := New(tr, strings.NewReader(""), &syncBuffer{})
	ctx := context.Background()

	assert.ErrorContains(t, p.Exec(ctx, "dance"), "unknown command")
	assert.ErrorContains(t, p.Exec(ctx, "seek"), "usage")
	assert.ErrorContains(t, p.Exec(ctx, "seek soon"), "invalid time")
	assert.ErrorContains(t, p.Exec(ctx, "vol piano 0.5"), "unknown stem")
	assert.ErrorContains(t, p.Exec(ctx, "vol drums 150%"), "out of range")
	assert.ErrorIs(t, p.Exec(ctx, "mute bass"), transport.ErrUnknownStem)
	assert.ErrorIs(t, p.Exec(ctx, "q"), ErrQuit)
	assert.NoError(t, p.Exec(ctx, "   "))
}

func TestRun_ReadsUntilQuit(t *testing.T) {
	tr, _ := newTransport(t)
	out := &syncBuffer{}
	p := New(tr, strings.NewReader("play\nbogus\nquit\nplay\n"), out)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, transport.StatePaused, tr.Snapshot().State, "leaving pauses playback")
	assert.Contains(t, out.String(), "Commands:")
	assert.Contains(t, out.String(), "error: unknown command 'bogus'")
}

func TestRun_ReportsEnd(t *testing.T) {
	tr, opener := newTransport(t)
	out := &syncBuffer{}
	p := New(tr, strings.NewReader("play\n"), out)

	require.NoError(t, tr.Play(context.Background()))
	cancel := tr.Subscribe(p.watchEnd())
	defer cancel()

	opener.Handle(stem.Vocals).Finish()
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Playback completed (3:00)")
	}, time.Second, time.Millisecond)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]float64{"0.7": 0.7, "70%": 0.7, "70": 0.7, "1": 1, "0": 0} {
		got, err := parseLevel(in)
		require.NoError(t, err, in)
		assert.InDelta(t, want, got, 1e-9, in)
	}
	_, err := parseLevel("loud")
	assert.Error(t, err)
}
