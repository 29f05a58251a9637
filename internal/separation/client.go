// Package separation talks to the remote source-separation and drum
// analysis service.
package separation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/audiolibrelab/stemdeck/internal/stem"
)

const DefaultTimeout = 5 * time.Minute

var ErrNoSeparation = errors.New("response has no separation result")

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Separation is the stem part of an analysis response.
type Separation struct {
	Tracks         stem.Set `json:"tracks"`
	SessionID      string   `json:"session_id"`
	AvailableStems []string `json:"available_stems"`
}

type TempoAnalysis struct {
	FinalBPM        float64  `json:"final_bpm"`
	DetectionMethod string   `json:"detection_method"`
	LibrosaBPM      *float64 `json:"librosa_bpm,omitempty"`
	TempoConfidence *float64 `json:"tempo_confidence,omitempty"`
	KickBasedBPM    float64  `json:"kick_based_bpm,omitempty"`
}

type KickStats struct {
	BPMEstimate float64 `json:"bpm_estimate"`
	AvgInterval float64 `json:"avg_interval"`
}

type TimingAnalysis struct {
	TempoAnalysis *TempoAnalysis `json:"tempo_analysis,omitempty"`
	KickStats     *KickStats     `json:"kick_stats,omitempty"`
}

// Analysis is the full response of the analyze endpoint. Times are seconds.
type Analysis struct {
	Separation     *Separation          `json:"separation,omitempty"`
	Kicks          []float64            `json:"kicks"`
	Snares         []float64            `json:"snares"`
	AllDrums       []json.RawMessage    `json:"all_drums"`
	DrumsByType    map[string][]float64 `json:"drums_by_type"`
	TotalDrums     int                  `json:"total_drums"`
	TimingAnalysis TimingAnalysis       `json:"timing_analysis"`
	Error          string               `json:"error,omitempty"`
}

// BPM returns the detected tempo, falling back to the kick interval estimate.
func (a *Analysis) BPM() float64 {
	if t := a.TimingAnalysis.TempoAnalysis; t != nil && t.FinalBPM > 0 {
		return t.FinalBPM
	}
	if k := a.TimingAnalysis.KickStats; k != nil {
		return k.BPMEstimate
	}
	return 0
}

// DrumCount returns total_drums, or the number of detected hits when absent.
func (a *Analysis) DrumCount() int {
	if a.TotalDrums > 0 {
		return a.TotalDrums
	}
	return len(a.AllDrums)
}

type errorResponse struct {
	Detail string `json:"detail"`
	Error  string `json:"error"`
}

// Analyze uploads the audio file as multipart field "audio".
func (c *Client) Analyze(ctx context.Context, audioPath string) (*Analysis, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to read audio file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/analyze", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	slog.Info("Uploading audio for separation", "file", audioPath, "bytes", body.Len(), "endpoint", req.URL.String())
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read analysis response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && (e.Detail != "" || e.Error != "") {
			msg := e.Detail
			if msg == "" {
				msg = e.Error
			}
			return nil, fmt.Errorf("analysis failed: HTTP %d: %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("analysis failed: HTTP %d", resp.StatusCode)
	}

	var a Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("invalid analysis response: %w", err)
	}
	if a.Error != "" {
		return nil, fmt.Errorf("analysis failed: %s", a.Error)
	}
	if a.Separation == nil || a.Separation.Tracks.Empty() {
		return &a, ErrNoSeparation
	}

	slog.Info("Separation complete",
		"session_id", a.Separation.SessionID,
		"stems", a.Separation.Tracks.Len(),
		"bpm", a.BPM(),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return &a, nil
}

// Cleanup asks the service to drop the files of a separation session.
func (c *Client) Cleanup(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	endpoint := c.baseURL + "/api/cleanup/" + url.PathEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cleanup request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("cleanup failed: HTTP %d", resp.StatusCode)
	}
	slog.Debug("Separation session cleaned up", "session_id", sessionID)
	return nil
}
