package separation

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/stemdeck/internal/stem"
)

const analyzeResponse = `{
  "separation": {
    "tracks": {"drums": "https://x/s1/drums.mp3", "bass": "https://x/s1/bass.mp3", "vocals": "https://x/s1/vocals.mp3"},
    "session_id": "s1",
    "available_stems": ["drums", "bass", "vocals"]
  },
  "kicks": [0.5, 1.0],
  "snares": [0.75],
  "all_drums": [{"time": 0.5, "type": "kick"}, {"time": 0.75, "type": "snare"}, {"time": 1.0, "type": "kick"}],
  "drums_by_type": {"kick": [0.5, 1.0], "snare": [0.75]},
  "timing_analysis": {"tempo_analysis": {"final_bpm": 120.4, "detection_method": "librosa"}}
}`

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "song.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3fake"), 0644))
	return path
}

func TestAnalyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/analyze", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		file, header, err := r.FormFile("audio")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "song.mp3", header.Filename)
		assert.Equal(t, "ID3fake", string(data))

		io.WriteString(w, analyzeResponse)
	}))
	defer srv.Close()

	a, err := NewClient(srv.URL+"/", time.Second).Analyze(context.Background(), writeAudio(t))
	require.NoError(t, err)

	require.NotNil(t, a.Separation)
	assert.Equal(t, "s1", a.Separation.SessionID)
	assert.Equal(t, []stem.Stem{stem.Drums, stem.Bass, stem.Vocals}, a.Separation.Tracks.Stems())
	assert.Equal(t, 120.4, a.BPM())
	assert.Equal(t, 3, a.DrumCount())
	assert.Equal(t, []float64{0.75}, a.DrumsByType["snare"])
}

func TestAnalyze_ErrorDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"detail": "unsupported format"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Analyze(context.Background(), writeAudio(t))
	assert.ErrorContains(t, err, "HTTP 422: unsupported format")
}

func TestAnalyze_ErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error": "separation crashed"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Analyze(context.Background(), writeAudio(t))
	assert.ErrorContains(t, err, "separation crashed")
}

func TestAnalyze_NoSeparation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"kicks": [], "timing_analysis": {"kick_stats": {"bpm_estimate": 98}}}`)
	}))
	defer srv.Close()

	a, err := NewClient(srv.URL, time.Second).Analyze(context.Background(), writeAudio(t))
	assert.ErrorIs(t, err, ErrNoSeparation)
	require.NotNil(t, a)
	assert.Equal(t, 98.0, a.BPM())
}

func TestAnalyze_MissingFile(t *testing.T) {
	_, err := NewClient("http://localhost:1", time.Second).Analyze(context.Background(), "/nonexistent.mp3")
	assert.ErrorContains(t, err, "failed to open audio file")
}

func TestCleanup(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	require.NoError(t, c.Cleanup(context.Background(), "abc-123"))
	assert.Equal(t, "/api/cleanup/abc-123", gotPath)

	require.NoError(t, c.Cleanup(context.Background(), ""), "no session is a no-op")
}
