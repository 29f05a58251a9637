package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/audiolibrelab/stemdeck/internal/config"
	"github.com/audiolibrelab/stemdeck/internal/download"
	"github.com/audiolibrelab/stemdeck/internal/fetch"
	"github.com/audiolibrelab/stemdeck/internal/media"
	"github.com/audiolibrelab/stemdeck/internal/preload"
	"github.com/audiolibrelab/stemdeck/internal/separation"
	"github.com/audiolibrelab/stemdeck/internal/stem"
	"github.com/audiolibrelab/stemdeck/internal/transport"
)

var (
	ErrNothingLoaded = errors.New("no stems loaded")
	ErrNotReady      = errors.New("stems are still preloading")
	ErrClosed        = errors.New("service closed")
)

// Service represents the core stemdeck service interface
type Service interface {
	// Separation operations
	Separate(ctx context.Context, audioPath string) (*separation.Analysis, error)
	Analysis() *separation.Analysis

	// Stem set lifecycle
	SetStems(set stem.Set) error
	Load(ctx context.Context, set stem.Set) (*preload.Session, error)
	WaitReady(ctx context.Context) (*transport.Transport, error)
	Transport() (*transport.Transport, error)
	Stems() stem.Set
	Reset(ctx context.Context) error

	// Download operations
	Download(ctx context.Context, s stem.Stem) (string, error)
	DownloadAll(ctx context.Context) ([]download.Result, error)
	StreamStem(ctx context.Context, w io.Writer, s stem.Stem) (int64, error)
	DownloadName(s stem.Stem) string

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	// Information operations
	Status() Status
	GetLastError() string

	Close() error
}

// Separator is the part of the separation client the service needs.
type Separator interface {
	Analyze(ctx context.Context, audioPath string) (*separation.Analysis, error)
	Cleanup(ctx context.Context, sessionID string) error
}

// Status is the combined view served by the status endpoint.
type Status struct {
	Loaded       bool                `json:"loaded"`
	Ready        bool                `json:"ready"`
	Name         string              `json:"name"`
	Stems        stem.Set            `json:"stems"`
	SeparationID string              `json:"separation_session_id,omitempty"`
	Preload      *preload.Status     `json:"preload,omitempty"`
	Transport    *transport.Snapshot `json:"transport,omitempty"`
	LastError    string              `json:"last_error,omitempty"`
}

type Option func(*StemDeckService)

// WithOpener replaces the media backend chosen from configuration.
func WithOpener(o media.Opener) Option {
	return func(s *StemDeckService) { s.openerOverride = o }
}

func WithSeparator(sep Separator) Option {
	return func(s *StemDeckService) { s.separatorOverride = sep }
}

// WithSource replaces the byte source used for downloads.
func WithSource(src download.Source) Option {
	return func(s *StemDeckService) { s.sourceOverride = src }
}

func WithPreloadProgress(fn preload.ProgressFunc) Option {
	return func(s *StemDeckService) { s.preloadProgress = fn }
}

func WithDownloadProgress(fn download.ProgressFunc) Option {
	return func(s *StemDeckService) { s.downloadProgress = fn }
}

// WithTransportOptions overrides the transport timings taken from configuration.
func WithTransportOptions(opts transport.Options) Option {
	return func(s *StemDeckService) { s.transportOverride = &opts }
}

// StemDeckService is the main service implementation
type StemDeckService struct {
	cfg        *config.Config
	configFile string

	openerOverride    media.Opener
	separatorOverride Separator
	sourceOverride    download.Source
	transportOverride *transport.Options
	preloadProgress   preload.ProgressFunc
	downloadProgress  download.ProgressFunc

	fetcher   *fetch.Client
	opener    media.Opener
	separator Separator
	source    download.Source

	life   context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	closed       bool
	name         string
	set          stem.Set
	session      *preload.Session
	transport    *transport.Transport
	ready        chan struct{}
	analysis     *separation.Analysis
	separationID string

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new stemdeck service instance
func New(cfg *config.Config, configFile string, opts ...Option) *StemDeckService {
	life, cancel := context.WithCancel(context.Background())
	s := &StemDeckService{
		cfg:        cfg,
		configFile: configFile,
		life:       life,
		cancel:     cancel,
		name:       cfg.Output.OriginalName,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.build()
	return s
}

// build wires the collaborators for the current configuration.
func (s *StemDeckService) build() {
	if s.fetcher != nil {
		s.fetcher.Close()
	}
	s.fetcher = fetch.New(fetch.WithGoogleCredentialsFile(s.cfg.Storage.GoogleCredentialsFile))

	s.opener = s.openerOverride
	if s.opener == nil {
		s.opener = media.NewOpener(s.cfg, s.fetcher)
	}
	s.separator = s.separatorOverride
	if s.separator == nil {
		s.separator = separation.NewClient(s.cfg.Separation.BaseURL, s.cfg.Separation.Timeout)
	}
	s.source = s.sourceOverride
	if s.source == nil {
		s.source = s.fetcher
	}
}

func (s *StemDeckService) transportOptions() transport.Options {
	if s.transportOverride != nil {
		return *s.transportOverride
	}
	return transport.OptionsFromConfig(s.cfg.Transport)
}

// Separate uploads audioPath to the separation service. The returned stems
// replace the current set; call Load with them to start preloading.
func (s *StemDeckService) Separate(ctx context.Context, audioPath string) (*separation.Analysis, error) {
	slog.Debug("Service.Separate called", "file", audioPath)
	s.clearLastError()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	sep := s.separator
	previous := s.separationID
	s.mu.Unlock()

	analysis, err := sep.Analyze(ctx, audioPath)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to separate '%s': %v", filepath.Base(audioPath), err))
		return analysis, err
	}

	s.mu.Lock()
	oldTransport, oldSession := s.detachLocked()
	s.analysis = analysis
	s.separationID = analysis.Separation.SessionID
	s.set = analysis.Separation.Tracks
	s.name = strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	s.mu.Unlock()

	teardown(oldTransport, oldSession)

	if previous != "" && previous != analysis.Separation.SessionID {
		s.cleanup(ctx, sep, previous)
	}

	slog.Info("Separation finished",
		"file", filepath.Base(audioPath),
		"stems", analysis.Separation.Tracks.Len(),
		"separation_session", analysis.Separation.SessionID,
		"bpm", analysis.BPM(),
		"drums", analysis.DrumCount())
	return analysis, nil
}

func (s *StemDeckService) Analysis() *separation.Analysis {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analysis
}

// SetStems replaces the current stem set without preloading it. Any
// player of the previous set is torn down.
func (s *StemDeckService) SetStems(set stem.Set) error {
	if set.Empty() {
		return preload.ErrEmptySet
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	oldTransport, oldSession := s.detachLocked()
	s.set = set
	s.mu.Unlock()

	teardown(oldTransport, oldSession)
	return nil
}

// Load replaces the current stem set and starts preloading it. The previous
// transport and preload session are torn down first. The transport becomes
// available once every stem was opened and one is loaded, see WaitReady.
func (s *StemDeckService) Load(ctx context.Context, set stem.Set) (*preload.Session, error) {
	if set.Empty() {
		return nil, preload.ErrEmptySet
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.clearLastError()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	oldTransport, oldSession := s.detachLocked()

	p := preload.New(s.opener,
		preload.WithWatchdog(s.cfg.Preload.Watchdog),
		preload.WithProgress(s.preloadProgress))
	sess, err := p.Begin(s.life, set)
	if err != nil {
		s.mu.Unlock()
		teardown(oldTransport, oldSession)
		s.setLastError(fmt.Sprintf("Failed to preload stems: %v", err))
		return nil, err
	}
	ready := make(chan struct{})
	s.set = set
	s.session = sess
	s.ready = ready
	opts := s.transportOptions()
	s.mu.Unlock()

	teardown(oldTransport, oldSession)
	go s.attach(sess, ready, opts)
	return sess, nil
}

// attach hands the session's handles to a new transport as soon as one stem
// is playable, unless the set was replaced in the meantime. Stems still
// loading join the player when they become ready. The failures of the
// finished preload are recorded afterwards.
func (s *StemDeckService) attach(sess *preload.Session, ready chan struct{}, opts transport.Options) {
	select {
	case <-sess.Playable():
	case <-s.life.Done():
		close(ready)
		return
	}

	s.mu.Lock()
	if s.session == sess {
		tr, err := transport.New(sess, opts)
		if err != nil {
			slog.Warn("Preloaded stems could not be handed to the player", "session_id", sess.ID(), "error", err)
		} else {
			s.transport = tr
			slog.Info("Player ready", "session_id", sess.ID())
		}
	}
	s.mu.Unlock()
	close(ready)

	summary, err := sess.Wait(s.life)
	if err != nil || summary.FailureCount == 0 {
		return
	}
	var reasons []string
	for _, r := range summary.Failed() {
		reasons = append(reasons, fmt.Sprintf("%s: %s", r.Stem, r.Reason))
	}

	s.mu.Lock()
	current := s.session == sess
	s.mu.Unlock()
	if current {
		s.setLastError(fmt.Sprintf("Preload finished with failures: %s", strings.Join(reasons, "; ")))
	}
}

// WaitReady blocks until the current preload is playable and returns its transport.
func (s *StemDeckService) WaitReady(ctx context.Context) (*transport.Transport, error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if ready == nil {
		return nil, ErrNothingLoaded
	}

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Transport()
}

// Transport returns the player of the current set.
func (s *StemDeckService) Transport() (*transport.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, ErrNothingLoaded
	}
	if s.transport == nil {
		return nil, ErrNotReady
	}
	return s.transport, nil
}

func (s *StemDeckService) Stems() stem.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Reset tears down the player and preload, then asks the separation
// service to drop the files of the last separation.
func (s *StemDeckService) Reset(ctx context.Context) error {
	s.mu.Lock()
	oldTransport, oldSession := s.detachLocked()
	id := s.separationID
	sep := s.separator
	s.separationID = ""
	s.analysis = nil
	s.set = stem.Set{}
	s.name = s.cfg.Output.OriginalName
	s.mu.Unlock()

	teardown(oldTransport, oldSession)
	s.cleanup(ctx, sep, id)
	s.clearLastError()
	slog.Debug("Service reset")
	return nil
}

func (s *StemDeckService) cleanup(ctx context.Context, sep Separator, id string) {
	if id == "" {
		return
	}
	if err := sep.Cleanup(ctx, id); err != nil {
		slog.Warn("Separation cleanup failed", "separation_session", id, "error", err)
	}
}

// detachLocked forgets the current transport and session. The caller tears
// them down after releasing s.mu.
func (s *StemDeckService) detachLocked() (*transport.Transport, *preload.Session) {
	tr, sess := s.transport, s.session
	s.transport = nil
	s.session = nil
	s.ready = nil
	return tr, sess
}

func teardown(tr *transport.Transport, sess *preload.Session) {
	if tr != nil {
		if err := tr.Close(); err != nil {
			slog.Warn("Failed to close player", "error", err)
		}
	}
	if sess != nil {
		sess.Close()
	}
}

func (s *StemDeckService) downloader() (*download.Downloader, stem.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set.Empty() {
		return nil, stem.Set{}, ErrNothingLoaded
	}
	d := download.New(s.source, s.cfg.Output.Directory, s.name,
		download.WithProgress(s.downloadProgress))
	return d, s.set, nil
}

// Download saves one stem of the current set into the output directory.
func (s *StemDeckService) Download(ctx context.Context, st stem.Stem) (string, error) {
	d, set, err := s.downloader()
	if err != nil {
		return "", err
	}
	url, ok := set.URL(st)
	if !ok {
		return "", fmt.Errorf("%w: %s", transport.ErrUnknownStem, st)
	}
	path, err := d.One(ctx, st, url)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to download %s: %v", st, err))
	}
	return path, err
}

// DownloadAll saves every stem of the current set. Failures are reported
// per stem.
func (s *StemDeckService) DownloadAll(ctx context.Context) ([]download.Result, error) {
	d, set, err := s.downloader()
	if err != nil {
		return nil, err
	}
	results := d.All(ctx, set)

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	if len(errs) > 0 {
		s.setLastError(fmt.Sprintf("Failed to download %d stem(s): %v", len(errs), errors.Join(errs...)))
	}
	return results, nil
}

// StreamStem copies the raw bytes of a stem to w.
func (s *StemDeckService) StreamStem(ctx context.Context, w io.Writer, st stem.Stem) (int64, error) {
	d, set, err := s.downloader()
	if err != nil {
		return 0, err
	}
	url, ok := set.URL(st)
	if !ok {
		return 0, fmt.Errorf("%w: %s", transport.ErrUnknownStem, st)
	}
	return d.Stream(ctx, w, url)
}

// DownloadName returns the file name a stem is saved under.
func (s *StemDeckService) DownloadName(st stem.Stem) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return download.FileName(s.name, st)
}

// LoadProfile loads a new configuration profile. The current set is
// dropped since the media backend may change.
func (s *StemDeckService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	if err := s.Reset(context.Background()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = newCfg
	s.name = newCfg.Output.OriginalName
	s.build()
	return nil
}

// GetConfig returns the current configuration
func (s *StemDeckService) GetConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *StemDeckService) Status() Status {
	s.mu.Lock()
	st := Status{
		Loaded:       s.session != nil,
		Ready:        s.transport != nil,
		Name:         s.name,
		Stems:        s.set,
		SeparationID: s.separationID,
	}
	sess, tr := s.session, s.transport
	s.mu.Unlock()

	if sess != nil {
		ps := sess.Status()
		st.Preload = &ps
	}
	if tr != nil {
		snap := tr.Snapshot()
		st.Transport = &snap
	}
	st.LastError = s.GetLastError()
	return st
}

// Close tears everything down. The separation service is cleaned up too.
func (s *StemDeckService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Reset(context.Background())
	s.cancel()
	s.fetcher.Close()
	return err
}

// GetLastError returns the last error message (thread-safe)
func (s *StemDeckService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *StemDeckService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *StemDeckService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
