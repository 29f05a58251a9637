package preload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/stemdeck/internal/media"
	"github.com/audiolibrelab/stemdeck/internal/stem"
)

func fourStems(t *testing.T) stem.Set {
	t.Helper()
	set, err := stem.NewSet(
		stem.Entry{Stem: stem.Vocals, URL: "mem://vocals.mp3"},
		stem.Entry{Stem: stem.Drums, URL: "mem://drums.mp3"},
		stem.Entry{Stem: stem.Bass, URL: "mem://bass.mp3"},
		stem.Entry{Stem: stem.Other, URL: "mem://other.mp3"},
	)
	require.NoError(t, err)
	return set
}

func waitSummary(t *testing.T, s *Session) Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	summary, err := s.Wait(ctx)
	require.NoError(t, err)
	return summary
}

func TestPreload_PartialFailureDoesNotAbortSiblings(t *testing.T) {
	opener := &media.SimOpener{
		Default: media.SimConfig{Duration: time.Minute, LoadDelay: 5 * time.Millisecond},
		PerStem: map[stem.Stem]media.SimConfig{
			stem.Bass: {LoadErr: errors.New("HTTP 404")},
		},
	}

	sess, err := New(opener).Begin(context.Background(), fourStems(t))
	require.NoError(t, err)
	defer sess.Close()

	summary := waitSummary(t, sess)
	assert.Equal(t, 3, summary.SuccessCount)
	assert.Equal(t, 1, summary.FailureCount)
	assert.Equal(t, "3 successful, 1 failed", summary.String())

	require.Len(t, summary.Results, 4)
	assert.Equal(t, stem.Vocals, summary.Results[0].Stem, "results keep set order")
	assert.Equal(t, OutcomeFailed, summary.Results[2].Outcome)
	assert.ErrorIs(t, summary.Results[2].Err, media.ErrLoadFailed)
	assert.Contains(t, summary.Results[2].Reason, "HTTP 404")

	for _, st := range []stem.Stem{stem.Vocals, stem.Drums, stem.Other} {
		assert.Equal(t, media.StateReady, opener.Handle(st).State(), st.String())
	}
	failed := summary.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, stem.Bass, failed[0].Stem)
}

func TestPreload_WatchdogTimesOut(t *testing.T) {
	opener := &media.SimOpener{
		Default: media.SimConfig{Duration: time.Minute},
		PerStem: map[stem.Stem]media.SimConfig{
			stem.Drums: {NeverLoad: true},
		},
	}

	sess, err := New(opener, WithWatchdog(30*time.Millisecond)).Begin(context.Background(), fourStems(t))
	require.NoError(t, err)
	defer sess.Close()

	summary := waitSummary(t, sess)
	assert.Equal(t, 3, summary.SuccessCount)
	assert.Equal(t, OutcomeTimedOut, summary.Results[1].Outcome)
	assert.ErrorIs(t, summary.Results[1].Err, media.ErrLoadTimeout)
}

func TestPreload_OpenFailureResolvesWithoutHandle(t *testing.T) {
	opener := &media.SimOpener{
		Default: media.SimConfig{Duration: time.Minute},
		OpenErr: map[stem.Stem]error{stem.Other: errors.New("no device")},
	}

	sess, err := New(opener).Begin(context.Background(), fourStems(t))
	require.NoError(t, err)
	defer sess.Close()

	summary := waitSummary(t, sess)
	assert.Equal(t, OutcomeFailed, summary.Results[3].Outcome)

	handles, err := sess.Handoff()
	require.NoError(t, err)
	assert.Len(t, handles, 3)
	assert.NotContains(t, handles, stem.Other)
}

func TestPreload_ProgressCallback(t *testing.T) {
	var mu sync.Mutex
	seen := map[stem.Stem]float64{}

	opener := &media.SimOpener{Default: media.SimConfig{Duration: time.Minute}}
	sess, err := New(opener, WithProgress(func(s stem.Stem, f float64) {
		mu.Lock()
		defer mu.Unlock()
		if f > seen[s] {
			seen[s] = f
		}
	})).Begin(context.Background(), fourStems(t))
	require.NoError(t, err)
	defer sess.Close()

	waitSummary(t, sess)
	status := sess.Status()
	assert.True(t, status.Done)
	assert.Equal(t, 4, status.Resolved)
	assert.Equal(t, 1.0, status.Buffered["vocals"])

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, seen)
}

func TestPreload_CancelledContextFailsPending(t *testing.T) {
	opener := &media.SimOpener{Default: media.SimConfig{NeverLoad: true}}

	ctx, cancel := context.WithCancel(context.Background())
	sess, err := New(opener).Begin(ctx, fourStems(t))
	require.NoError(t, err)
	defer sess.Close()

	cancel()
	summary := waitSummary(t, sess)
	assert.Equal(t, 0, summary.SuccessCount)
	assert.Equal(t, 4, summary.FailureCount)
	assert.ErrorIs(t, summary.Results[0].Err, context.Canceled)
}

func TestSession_HandoffOwnership(t *testing.T) {
	opener := &media.SimOpener{Default: media.SimConfig{Duration: time.Minute}}
	sess, err := New(opener).Begin(context.Background(), fourStems(t))
	require.NoError(t, err)
	waitSummary(t, sess)

	handles, err := sess.Handoff()
	require.NoError(t, err)
	assert.Len(t, handles, 4)

	_, err = sess.Handoff()
	assert.ErrorIs(t, err, ErrHandedOff)

	require.NoError(t, sess.Close())
	assert.False(t, opener.Handle(stem.Vocals).Closed(), "handed off handles belong to the new owner")
}

func TestSession_CloseReleasesHandles(t *testing.T) {
	opener := &media.SimOpener{Default: media.SimConfig{Duration: time.Minute}}
	sess, err := New(opener).Begin(context.Background(), fourStems(t))
	require.NoError(t, err)
	waitSummary(t, sess)

	require.NoError(t, sess.Close())
	for _, st := range stem.All {
		assert.True(t, opener.Handle(st).Closed(), st.String())
	}

	_, err = sess.Handoff()
	assert.ErrorIs(t, err, ErrSessionEnd)
}

func TestBegin_EmptySet(t *testing.T) {
	_, err := New(&media.SimOpener{}).Begin(context.Background(), stem.Set{})
	assert.ErrorIs(t, err, ErrEmptySet)
}

func TestSession_PlayableBeforeSlowStemResolves(t *testing.T) {
	opener := &media.SimOpener{
		Default: media.SimConfig{Duration: time.Minute},
		PerStem: map[stem.Stem]media.SimConfig{
			stem.Vocals: {NeverLoad: true},
		},
		OpenErr: map[stem.Stem]error{stem.Other: errors.New("no device")},
	}

	sess, err := New(opener).Begin(context.Background(), fourStems(t))
	require.NoError(t, err)
	defer sess.Close()

	select {
	case <-sess.Playable():
	case <-time.After(2 * time.Second):
		t.Fatal("session never became playable")
	}
	_, finished := sess.Summary()
	assert.False(t, finished, "vocals is still loading")

	handles, err := sess.Handoff()
	require.NoError(t, err)
	assert.Len(t, handles, 3, "every opened stem is handed over")
	assert.Equal(t, media.StateLoading, handles[stem.Vocals].State())
}

func TestSession_PlayableWhenNothingLoads(t *testing.T) {
	opener := &media.SimOpener{Default: media.SimConfig{LoadErr: errors.New("HTTP 500")}}

	sess, err := New(opener).Begin(context.Background(), fourStems(t))
	require.NoError(t, err)
	defer sess.Close()

	summary := waitSummary(t, sess)
	assert.Equal(t, 0, summary.SuccessCount)
	select {
	case <-sess.Playable():
	default:
		t.Fatal("a finished session is playable")
	}
}
