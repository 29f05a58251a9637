package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/stemdeck/internal/config"
	"github.com/audiolibrelab/stemdeck/internal/media"
	"github.com/audiolibrelab/stemdeck/internal/separation"
	"github.com/audiolibrelab/stemdeck/internal/service"
	"github.com/audiolibrelab/stemdeck/internal/stem"
	"github.com/audiolibrelab/stemdeck/internal/transport"
)

type memSource map[string]string

func (m memSource) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	data, ok := m[url]
	if !ok {
		return nil, 0, errors.New("HTTP 404")
	}
	return io.NopCloser(strings.NewReader(data)), int64(len(data)), nil
}

type stubSeparator struct {
	tracks stem.Set
}

func (s stubSeparator) Analyze(ctx context.Context, audioPath string) (*separation.Analysis, error) {
	return &separation.Analysis{
		Separation: &separation.Separation{Tracks: s.tracks, SessionID: "sep-9"},
		TotalDrums: 12,
	}, nil
}

func (s stubSeparator) Cleanup(ctx context.Context, sessionID string) error { return nil }

type fixture struct {
	srv    *httptest.Server
	svc    *service.StemDeckService
	opener *media.SimOpener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()

	tracks, err := stem.NewSet(
		stem.Entry{Stem: stem.Vocals, URL: "mem://vocals"},
		stem.Entry{Stem: stem.Drums, URL: "mem://drums"},
	)
	require.NoError(t, err)

	opener := &media.SimOpener{Default: media.SimConfig{Duration: 3 * time.Minute}}
	opts := transport.DefaultOptions()
	opts.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	svc := service.New(&cfg, "",
		service.WithOpener(opener),
		service.WithSeparator(stubSeparator{tracks: tracks}),
		service.WithSource(memSource{"mem://vocals": "vocal-bytes", "mem://drums": "drum-bytes"}),
		service.WithTransportOptions(opts))

	srv := httptest.NewServer(New(svc, "", "0").Handler())
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
	})
	return &fixture{srv: srv, svc: svc, opener: opener}
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) get(t *testing.T, path string, v interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func (f *fixture) load(t *testing.T) {
	t.Helper()
	resp, out := f.post(t, "/api/load", `{"stems":{"vocals":"mem://vocals","drums":"mem://drums"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, out["success"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.svc.WaitReady(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := f.svc.Status().Transport
		if snap == nil || !snap.Stems[0].Primary {
			return false
		}
		for _, st := range snap.Stems {
			if st.State != media.StateReady {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond, "every stem is ready")
}

func TestCommandsWithoutStems(t *testing.T) {
	f := newFixture(t)

	resp, out := f.post(t, "/play", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "no stems loaded")

	var status StatusResponse
	f.get(t, "/status", &status)
	assert.False(t, status.Loaded)
	assert.Equal(t, "No stems loaded", status.Message)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/play", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, _ = f.post(t, "/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestPlaySeekScrubFlow(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	resp, out := f.post(t, "/play", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["is_playing"])

	resp, out = f.post(t, "/seek", `{"time": 90}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(90*time.Second), out["current_time"])
	assert.Contains(t, f.opener.Handle(stem.Drums).Seeks(), 90*time.Second)

	resp, _ = f.post(t, "/track", `{"left": 0, "width": 180}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out = f.post(t, "/scrub/start", `{"x": 45}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["is_scrubbing"])
	assert.Equal(t, float64(45*time.Second), out["current_time"])

	seeksBefore := len(f.opener.Handle(stem.Vocals).Seeks())
	f.post(t, "/scrub/move", `{"x": 50}`)
	resp, out = f.post(t, "/scrub/end", `{"x": 60}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out["is_scrubbing"])
	assert.Equal(t, float64(60*time.Second), out["current_time"])
	assert.Len(t, f.opener.Handle(stem.Vocals).Seeks(), seeksBefore+1, "exactly one seek per scrub")

	resp, _ = f.post(t, "/seek", `{"time": -1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out = f.post(t, "/pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PAUSED", out["state"])
}

func TestVolumeAndMute(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	resp, _ := f.post(t, "/volume", `{"stem":"drums","level":0.7}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.post(t, "/mute", `{"stem":"drums"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.0, f.opener.Handle(stem.Drums).Gain())
	f.post(t, "/mute", `{"stem":"drums"}`)
	assert.InDelta(t, 0.7, f.opener.Handle(stem.Drums).Gain(), 1e-9)

	resp, _ = f.post(t, "/volume", `{"stem":"piano","level":0.5}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.post(t, "/volume", `{"stem":"bass","level":0.5}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.post(t, "/volume", `{"stem":"drums","level":2}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.post(t, "/mute", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var stems StemsResponse
	f.get(t, "/api/stems", &stems)
	require.Equal(t, 2, stems.TotalCount)
	assert.Equal(t, "vocals", stems.Stems[0].Stem)
	assert.True(t, stems.Stems[0].Primary)
	assert.Equal(t, "drums", stems.Stems[1].Stem)
	assert.InDelta(t, 0.7, stems.Stems[1].Volume, 1e-9)
	assert.Equal(t, media.StateReady, stems.Stems[1].State)
	assert.Equal(t, "/api/stems/download/drums", stems.Stems[1].DownloadURL)
	assert.Equal(t, "track_drums.mp3", stems.Stems[1].FileName)
}

func TestStemDownload(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	resp, err := http.Get(f.srv.URL + "/api/stems/download/vocals")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "vocal-bytes", string(body))
	assert.Equal(t, `attachment; filename="track_vocals.mp3"`, resp.Header.Get("Content-Disposition"))

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/stems/download/bass", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/stems/download/piano", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/stems/download/..%5Cetc", nil).StatusCode)
}

func TestDownloadAll(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	resp, out := f.post(t, "/api/download", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(2), out["saved"])
}

func TestLoadValidation(t *testing.T) {
	f := newFixture(t)

	resp, out := f.post(t, "/api/load", `{"stems":{"vocals":"a","piano":"b"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "unknown stem")

	resp, _ = f.post(t, "/api/load", `{"stems":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.post(t, "/api/load", `{"stems":{"vocals":"a","vocals":"b"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPreloadAndReset(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/api/preload", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	f.load(t)
	var preload map[string]interface{}
	f.get(t, "/api/preload", &preload)
	assert.Equal(t, true, preload["done"])
	assert.Equal(t, float64(2), preload["total"])

	resp, out := f.post(t, "/api/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["success"])
	assert.True(t, f.opener.Handle(stem.Vocals).Closed())

	var stems StemsResponse
	f.get(t, "/api/stems", &stems)
	assert.Equal(t, 0, stems.TotalCount)
}

func TestSeparateUpload(t *testing.T) {
	f := newFixture(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", "Song.wav")
	require.NoError(t, err)
	part.Write([]byte("RIFF"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.srv.URL+"/api/separate", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.Equal(t, true, out["success"])
	assert.NotEmpty(t, out["session_id"])

	var status StatusResponse
	f.get(t, "/status", &status)
	assert.Equal(t, "sep-9", status.SeparationID)
	assert.Equal(t, "Song", status.Name)
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: snapshot\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: {"))
	assert.Contains(t, line, `"state":"READY"`)
}

func TestProfilesWithoutConfigFile(t *testing.T) {
	f := newFixture(t)
	var out map[string]interface{}
	f.get(t, "/config/profiles", &out)
	assert.Equal(t, []interface{}{}, out["profiles"])
}
