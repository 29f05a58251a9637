package media

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentWAV(t *testing.T, rate beep.SampleRate, d time.Duration) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "silence.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	format := beep.Format{SampleRate: rate, NumChannels: 1, Precision: 2}
	require.NoError(t, wav.Encode(f, beep.Take(rate.N(d), beep.Silence(-1)), format))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestDecode_WAV(t *testing.T) {
	data := silentWAV(t, 8000, 2*time.Second)

	s, format, err := decode(data, "https://stems.example.com/session/vocals.wav?sig=abc")
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, beep.SampleRate(8000), format.SampleRate)
	assert.Equal(t, 2*time.Second, format.SampleRate.D(s.Len()))
}

func TestDecode_GarbageFails(t *testing.T) {
	_, _, err := decode([]byte("RIFFnope"), "blob")
	assert.ErrorContains(t, err, "failed to decode blob")
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, "mp3", detectFormat(nil, "https://x/bass.MP3"))
	assert.Equal(t, "flac", detectFormat(nil, "/tmp/drums.flac"))
	assert.Equal(t, "wav", detectFormat([]byte("RIFF...."), "https://x/blob"))
	assert.Equal(t, "flac", detectFormat([]byte("fLaC...."), "https://x/blob"))
	assert.Equal(t, "mp3", detectFormat([]byte("ID3"), "https://x/blob"))
}

func TestTrackStreamer_PadsAndReportsEndOnce(t *testing.T) {
	data := silentWAV(t, 8000, 10*time.Millisecond)
	src, _, err := decode(data, "a.wav")
	require.NoError(t, err)
	defer src.Close()

	ended := make(chan struct{}, 4)
	track := &trackStreamer{src: src, onEnd: func() { ended <- struct{}{} }}

	buf := make([][2]float64, 512)
	for i := 0; i < 3; i++ {
		n, ok := track.Stream(buf)
		assert.True(t, ok)
		assert.Equal(t, len(buf), n)
	}

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("end not reported")
	}
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, ended, 0, "end reported more than once")

	track.closed = true
	n, ok := track.Stream(buf)
	assert.False(t, ok)
	assert.Zero(t, n)
}

func TestTrackStreamer_RewindAfterEnd(t *testing.T) {
	data := silentWAV(t, 8000, 10*time.Millisecond)
	src, _, err := decode(data, "a.wav")
	require.NoError(t, err)
	defer src.Close()

	ended := make(chan struct{}, 4)
	track := &trackStreamer{src: src, onEnd: func() { ended <- struct{}{} }}
	buf := make([][2]float64, 512)

	require.NoError(t, track.rewind())
	assert.Zero(t, src.Position(), "nothing to rewind before the end")

	track.Stream(buf)
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("end not reported")
	}
	require.Equal(t, src.Len(), src.Position())

	require.NoError(t, track.rewind())
	assert.Zero(t, src.Position())
	assert.False(t, track.ended)

	track.Stream(buf)
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("second pass did not report its end")
	}
}
