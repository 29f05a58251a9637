package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/stemdeck/internal/config"
	"github.com/audiolibrelab/stemdeck/internal/media"
	"github.com/audiolibrelab/stemdeck/internal/preload"
	"github.com/audiolibrelab/stemdeck/internal/service"
	"github.com/audiolibrelab/stemdeck/internal/stem"
	"github.com/audiolibrelab/stemdeck/internal/timefmt"
	"github.com/audiolibrelab/stemdeck/internal/transport"
)

// maxUploadSize bounds a multipart upload to the separate endpoint.
const maxUploadSize = 200 << 20

// Server represents the web server for controlling stem playback
type Server struct {
	service    service.Service
	configFile string
	port       string

	profileMu     sync.RWMutex
	activeProfile string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	service.Status
	Message       string `json:"message,omitempty"`
	ActiveProfile string `json:"active_profile"`
}

// StemInfo describes one stem for the UI
type StemInfo struct {
	Stem        string           `json:"stem"`
	Title       string           `json:"title"`
	URL         string           `json:"url"`
	State       media.ReadyState `json:"state,omitempty"`
	Volume      float64          `json:"volume"`
	Muted       bool             `json:"muted"`
	Primary     bool             `json:"primary"`
	FileName    string           `json:"file_name"`
	DownloadURL string           `json:"download_url"`
}

// StemsResponse represents the JSON response for the stems endpoint
type StemsResponse struct {
	Stems      []StemInfo `json:"stems"`
	TotalCount int        `json:"total_count"`
}

// LoadRequest replaces the current stem set
type LoadRequest struct {
	Stems stem.Set `json:"stems"`
}

type SeekRequest struct {
	Time float64 `json:"time"`
}

type TrackRequest struct {
	Left  float64 `json:"left"`
	Width float64 `json:"width"`
}

type ScrubRequest struct {
	X float64 `json:"x"`
}

type VolumeRequest struct {
	Stem  string  `json:"stem"`
	Level float64 `json:"level"`
}

type MuteRequest struct {
	Stem string `json:"stem"`
}

// New creates a new web server instance
func New(svc service.Service, configFile string, port string) *Server {
	return &Server{
		service:       svc,
		configFile:    configFile,
		port:          port,
		activeProfile: svc.GetConfig().Profile,
	}
}

// Handler returns the routes of the control API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)

	// Transport commands
	mux.HandleFunc("/play", s.handlePlay)
	mux.HandleFunc("/pause", s.handlePause)
	mux.HandleFunc("/toggle", s.handleToggle)
	mux.HandleFunc("/restart", s.handleRestart)
	mux.HandleFunc("/seek", s.handleSeek)
	mux.HandleFunc("/track", s.handleTrack)
	mux.HandleFunc("/scrub/start", s.handleScrub)
	mux.HandleFunc("/scrub/move", s.handleScrub)
	mux.HandleFunc("/scrub/end", s.handleScrub)
	mux.HandleFunc("/volume", s.handleVolume)
	mux.HandleFunc("/mute", s.handleMute)

	// Stem set lifecycle
	mux.HandleFunc("/api/stems", s.handleStems)
	mux.HandleFunc("/api/stems/download/", s.handleStemDownload)
	mux.HandleFunc("/api/download", s.handleDownloadAll)
	mux.HandleFunc("/api/load", s.handleLoad)
	mux.HandleFunc("/api/separate", s.handleSeparate)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/preload", s.handlePreload)

	// Configuration
	mux.HandleFunc("/config/profiles", s.handleProfiles)
	mux.HandleFunc("/config/select", s.handleSelectProfile)
	return mux
}

// Start serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	localIP := getLocalIP()
	slog.Info("Starting stemdeck web server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	}
}

// handleIndex serves a minimal page listing the API
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	io.WriteString(w, indexHTML)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>stemdeck</title></head>
<body>
<h1>stemdeck</h1>
<p>Control API: <code>GET /status</code>, <code>GET /events</code>, <code>POST /play</code>, <code>POST /pause</code>,
<code>POST /seek</code>, <code>POST /volume</code>, <code>POST /mute</code>, <code>GET /api/stems</code>,
<code>POST /api/load</code>, <code>POST /api/separate</code>, <code>POST /api/reset</code>.</p>
</body>
</html>`

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	status := s.service.Status()
	writeJSON(w, StatusResponse{
		Status:        status,
		Message:       statusMessage(status),
		ActiveProfile: s.profile(),
	})
}

// handleEvents streams transport snapshots as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	tr, ok := s.transport(w)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendErrorResponse(w, http.StatusInternalServerError, "Streaming not supported", "operation", "events")
		return
	}

	snaps := make(chan transport.Snapshot, 16)
	cancel := tr.Subscribe(func(snap transport.Snapshot) {
		select {
		case snaps <- snap:
		default:
		}
	})
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(snap transport.Snapshot) bool {
		data, err := json.Marshal(snap)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(tr.Snapshot()) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case snap := <-snaps:
			if !send(snap) {
				return
			}
		}
	}
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "play", func(tr *transport.Transport) error { return tr.Play(r.Context()) })
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "pause", func(tr *transport.Transport) error { return tr.Pause() })
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "toggle", func(tr *transport.Transport) error { return tr.Toggle(r.Context()) })
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "restart", func(tr *transport.Transport) error { return tr.Restart(r.Context()) })
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req SeekRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Time < 0 {
		s.sendErrorResponse(w, http.StatusBadRequest, "time must not be negative", "operation", "seek")
		return
	}
	s.command(w, r, "seek", func(tr *transport.Transport) error {
		return tr.Seek(r.Context(), timefmt.Seconds(req.Time))
	})
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req TrackRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Width <= 0 {
		s.sendErrorResponse(w, http.StatusBadRequest, "width must be positive", "operation", "track")
		return
	}
	s.command(w, r, "track", func(tr *transport.Transport) error {
		tr.SetProgressTrack(req.Left, req.Width)
		return nil
	})
}

func (s *Server) handleScrub(w http.ResponseWriter, r *http.Request) {
	var req ScrubRequest
	if !s.decode(w, r, &req) {
		return
	}
	phase := strings.TrimPrefix(r.URL.Path, "/scrub/")
	s.command(w, r, "scrub_"+phase, func(tr *transport.Transport) error {
		switch phase {
		case "start":
			return tr.ScrubStart(req.X)
		case "move":
			return tr.ScrubMove(req.X)
		default:
			return tr.ScrubEnd(r.Context(), req.X)
		}
	})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req VolumeRequest
	if !s.decode(w, r, &req) {
		return
	}
	st, err := stem.Parse(req.Stem)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "volume")
		return
	}
	if req.Level < 0 || req.Level > 1 {
		s.sendErrorResponse(w, http.StatusBadRequest, "level must be between 0 and 1", "stem", st, "operation", "volume")
		return
	}
	s.command(w, r, "volume", func(tr *transport.Transport) error {
		_, err := tr.SetVolume(st, req.Level)
		return err
	})
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req MuteRequest
	if !s.decode(w, r, &req) {
		return
	}
	st, err := stem.Parse(req.Stem)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "mute")
		return
	}
	s.command(w, r, "mute", func(tr *transport.Transport) error {
		_, err := tr.ToggleMute(st)
		return err
	})
}

// command runs op against the current transport and answers with the
// resulting snapshot.
func (s *Server) command(w http.ResponseWriter, r *http.Request, name string, op func(*transport.Transport) error) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	tr, ok := s.transport(w)
	if !ok {
		return
	}

	slog.Debug("Transport command", "command", name)
	if err := op(tr); err != nil {
		s.sendErrorResponse(w, errorStatus(err), fmt.Sprintf("%s failed: %v", name, err), "operation", name)
		return
	}
	writeJSON(w, tr.Snapshot())
}

func (s *Server) transport(w http.ResponseWriter) (*transport.Transport, bool) {
	tr, err := s.service.Transport()
	if err != nil {
		s.sendErrorResponse(w, errorStatus(err), err.Error(), "operation", "transport")
		return nil, false
	}
	return tr, true
}

func (s *Server) handleStems(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	set := s.service.Stems()
	byStem := map[stem.Stem]transport.StemStatus{}
	if tr, err := s.service.Transport(); err == nil {
		for _, st := range tr.Snapshot().Stems {
			byStem[st.Stem] = st
		}
	}

	resp := StemsResponse{Stems: []StemInfo{}}
	for _, e := range set.Entries() {
		info := StemInfo{
			Stem:        e.Stem.String(),
			Title:       e.Stem.Title(),
			URL:         e.URL,
			Volume:      1,
			FileName:    s.service.DownloadName(e.Stem),
			DownloadURL: "/api/stems/download/" + e.Stem.String(),
		}
		if st, ok := byStem[e.Stem]; ok {
			info.State = st.State
			info.Volume = st.Volume
			info.Muted = st.Muted
			info.Primary = st.Primary
		}
		resp.Stems = append(resp.Stems, info)
	}
	resp.TotalCount = len(resp.Stems)
	writeJSON(w, resp)
}

// handleStemDownload passes the raw bytes of one stem through as an attachment
func (s *Server) handleStemDownload(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/stems/download/")
	if name == "" {
		http.Error(w, "Stem required", http.StatusBadRequest)
		return
	}
	// Validate name (prevent path traversal)
	if strings.Contains(name, "..") || strings.Contains(name, "/") || strings.Contains(name, "\\") {
		http.Error(w, "Invalid stem", http.StatusBadRequest)
		return
	}
	st, err := stem.Parse(name)
	if err != nil {
		http.Error(w, "Unknown stem", http.StatusNotFound)
		return
	}
	if !s.service.Stems().Has(st) {
		http.Error(w, "Stem not loaded", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", s.service.DownloadName(st)))

	n, err := s.service.StreamStem(r.Context(), w, st)
	if err != nil {
		if n == 0 {
			w.Header().Del("Content-Disposition")
			s.sendErrorResponse(w, http.StatusBadGateway, fmt.Sprintf("Failed to fetch %s: %v", st, err), "stem", st, "operation", "download")
			return
		}
		slog.Error("Error serving stem download", "stem", st, "bytes", n, "error", err)
	}
}

// handleDownloadAll saves every stem into the output directory
func (s *Server) handleDownloadAll(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	results, err := s.service.DownloadAll(r.Context())
	if err != nil {
		s.sendErrorResponse(w, errorStatus(err), err.Error(), "operation", "download_all")
		return
	}

	type entry struct {
		Stem  stem.Stem `json:"stem"`
		Path  string    `json:"path,omitempty"`
		Bytes int64     `json:"bytes"`
		Error string    `json:"error,omitempty"`
	}
	out := make([]entry, 0, len(results))
	saved := 0
	for _, res := range results {
		e := entry{Stem: res.Stem, Path: res.Path, Bytes: res.Bytes}
		if res.Err != nil {
			e.Error = res.Err.Error()
		} else {
			saved++
		}
		out = append(out, e)
	}
	writeJSON(w, map[string]interface{}{
		"success": saved == len(results),
		"saved":   saved,
		"failed":  len(results) - saved,
		"results": out,
	})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Stems.Empty() {
		s.sendErrorResponse(w, http.StatusBadRequest, "At least one stem is required", "operation", "load")
		return
	}

	sess, err := s.service.Load(r.Context(), req.Stems)
	if err != nil {
		s.sendErrorResponse(w, errorStatus(err), fmt.Sprintf("Failed to load stems: %v", err), "operation", "load")
		return
	}

	slog.Info("Server: stems loaded", "session_id", sess.ID(), "count", req.Stems.Len())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":    true,
		"session_id": sess.ID(),
		"stems":      req.Stems,
	})
}

// handleSeparate uploads an audio file to the separation service and loads
// the resulting stems.
func (s *Server) handleSeparate(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse upload", "error", err, "operation", "separate")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Field 'audio' is required", "operation", "separate")
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if filename == "." || filename == string(filepath.Separator) || strings.Contains(filename, "..") {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid filename", "operation", "separate")
		return
	}

	dir, err := os.MkdirTemp("", "stemdeck-upload-*")
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, "Failed to store upload", "error", err, "operation", "separate")
		return
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, filename)
	out, err := os.Create(path)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, "Failed to store upload", "error", err, "operation", "separate")
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		s.sendErrorResponse(w, http.StatusInternalServerError, "Failed to store upload", "error", err, "operation", "separate")
		return
	}
	out.Close()

	analysis, err := s.service.Separate(r.Context(), path)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadGateway, fmt.Sprintf("Separation failed: %v", err), "file", filename, "operation", "separate")
		return
	}
	sess, err := s.service.Load(r.Context(), analysis.Separation.Tracks)
	if err != nil {
		s.sendErrorResponse(w, errorStatus(err), fmt.Sprintf("Failed to load stems: %v", err), "operation", "separate")
		return
	}

	writeJSON(w, map[string]interface{}{
		"success":    true,
		"session_id": sess.ID(),
		"analysis":   analysis,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.service.Reset(r.Context()); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Reset failed: %v", err), "operation", "reset")
		return
	}
	writeJSON(w, map[string]interface{}{
		"success": true,
		"message": "Player reset",
	})
}

func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	status := s.service.Status()
	if status.Preload == nil {
		s.sendErrorResponse(w, http.StatusConflict, service.ErrNothingLoaded.Error(), "operation", "preload")
		return
	}
	writeJSON(w, status.Preload)
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	profiles, err := config.Profiles(s.configFile)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, err.Error(), "operation", "profiles")
		return
	}
	if profiles == nil {
		profiles = []string{}
	}
	writeJSON(w, map[string]interface{}{
		"profiles":       profiles,
		"active_profile": s.profile(),
	})
}

func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "profile_selection")
		return
	}

	profile := r.FormValue("profile")
	slog.Debug("Profile selection request", "profile", profile)

	if err := s.service.LoadProfile(profile); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "profile", profile, "operation", "profile_selection")
		return
	}

	s.profileMu.Lock()
	s.activeProfile = s.service.GetConfig().Profile
	s.profileMu.Unlock()

	slog.Info("Profile changed", "profile", profile)
	writeJSON(w, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Profile changed to %s", profile),
		"profile": profile,
	})
}

func (s *Server) profile() string {
	s.profileMu.RLock()
	defer s.profileMu.RUnlock()
	return s.activeProfile
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if !requireMethod(w, r, http.MethodPost) {
		return false
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err), "path", r.URL.Path)
		return false
	}
	return true
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
	return false
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// errorStatus maps engine errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, transport.ErrUnknownStem):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNothingLoaded),
		errors.Is(err, service.ErrNotReady),
		errors.Is(err, transport.ErrClosed),
		errors.Is(err, transport.ErrNoHandles):
		return http.StatusConflict
	case errors.Is(err, preload.ErrEmptySet):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func statusMessage(st service.Status) string {
	switch {
	case st.LastError != "":
		return st.LastError
	case !st.Loaded:
		return "No stems loaded"
	case !st.Ready:
		if st.Preload != nil {
			return fmt.Sprintf("Preloading %d/%d stems", st.Preload.Resolved, st.Preload.Total)
		}
		return "Preloading stems"
	case st.Transport != nil && st.Transport.IsPlaying:
		return fmt.Sprintf("Playing %s / %s", timefmt.Clock(st.Transport.CurrentTime), timefmt.Clock(st.Transport.Duration))
	default:
		return "Ready"
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
