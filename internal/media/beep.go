package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/wav"

	"github.com/audiolibrelab/stemdeck/internal/mix"
	"github.com/audiolibrelab/stemdeck/internal/stem"
)

const resampleQuality = 4

var (
	speakerOnce  sync.Once
	speakerErr   error
	outputMixer  *beep.Mixer
	outputFormat beep.SampleRate
)

// initSpeaker opens the audio device once and keeps a mixer playing on it.
func initSpeaker(rate beep.SampleRate, buffer time.Duration) (*beep.Mixer, beep.SampleRate, error) {
	speakerOnce.Do(func() {
		if err := speaker.Init(rate, rate.N(buffer)); err != nil {
			speakerErr = fmt.Errorf("failed to initialize audio output: %w", err)
			return
		}
		outputMixer = &beep.Mixer{}
		outputMixer.Add(beep.Silence(-1))
		outputFormat = rate
		speaker.Play(outputMixer)
		slog.Debug("Audio output initialized", "sample_rate", int(rate), "buffer", buffer)
	})
	return outputMixer, outputFormat, speakerErr
}

// BeepOpener decodes stems with gopxl/beep and plays them through the
// system speaker. All handles share one mixer so they start in the same
// audio buffer.
type BeepOpener struct {
	Fetcher    Fetcher
	SampleRate int
	Buffer     time.Duration
	TickEvery  time.Duration
}

func (o *BeepOpener) Open(ctx context.Context, s stem.Stem, url string) (Handle, error) {
	if o.Fetcher == nil {
		return nil, fmt.Errorf("open %s: no fetcher configured", s)
	}
	mixer, rate, err := initSpeaker(beep.SampleRate(o.SampleRate), o.Buffer)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s, err)
	}

	tick := o.TickEvery
	if tick <= 0 {
		tick = 250 * time.Millisecond
	}

	loadCtx, cancel := context.WithCancel(context.Background())
	return &beepHandle{
		stem:    s,
		url:     url,
		fetcher: o.Fetcher,
		mixer:   mixer,
		rate:    rate,
		tick:    tick,
		state:   StateIdle,
		gain:    1,
		loadCtx: loadCtx,
		cancel:  cancel,
		events:  newDispatcher(),
	}, nil
}

type beepHandle struct {
	stem    stem.Stem
	url     string
	fetcher Fetcher
	mixer   *beep.Mixer
	rate    beep.SampleRate
	tick    time.Duration

	mu       sync.Mutex
	state    ReadyState
	gain     float64
	playing  bool
	closed   bool
	loadOnce sync.Once
	loadCtx  context.Context
	cancel   context.CancelFunc
	tickStop chan struct{}

	// guarded by speaker.Lock once added to the mixer
	src    beep.StreamSeekCloser
	format beep.Format
	track  *trackStreamer
	volume *effects.Volume
	ctrl   *beep.Ctrl

	events *dispatcher
}

func (h *beepHandle) Stem() stem.Stem { return h.stem }

func (h *beepHandle) State() ReadyState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *beepHandle) Load() {
	h.loadOnce.Do(func() {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		h.state = StateLoading
		h.mu.Unlock()
		go h.load()
	})
}

func (h *beepHandle) load() {
	h.events.emit(Event{Kind: EventLoadStart, Stem: h.stem})

	data, err := h.fetcher.Fetch(h.loadCtx, h.url, func(read, total int64) {
		if total > 0 {
			h.events.emit(Event{Kind: EventProgress, Stem: h.stem, Buffered: float64(read) / float64(total)})
		}
	})
	if err != nil {
		h.fail(err)
		return
	}

	src, format, err := decode(data, h.url)
	if err != nil {
		h.fail(err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		src.Close()
		return
	}

	h.src = src
	h.format = format
	h.track = &trackStreamer{src: src, onEnd: h.ended}

	var s beep.Streamer = h.track
	if format.SampleRate != h.rate {
		s = beep.Resample(resampleQuality, format.SampleRate, h.rate, s)
	}
	exp, silent := mix.BeepVolume(h.gain)
	h.volume = &effects.Volume{Streamer: s, Base: 2, Volume: exp, Silent: silent}
	h.ctrl = &beep.Ctrl{Streamer: h.volume, Paused: true}
	h.state = StateReady
	duration := format.SampleRate.D(src.Len())
	h.mu.Unlock()

	speaker.Lock()
	h.mixer.Add(h.ctrl)
	speaker.Unlock()

	h.events.emit(Event{Kind: EventProgress, Stem: h.stem, Buffered: 1})
	h.events.emit(Event{Kind: EventMetadata, Stem: h.stem, Duration: duration})
	h.events.emit(Event{Kind: EventReady, Stem: h.stem})
}

func (h *beepHandle) fail(cause error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.state = StateErrored
	h.mu.Unlock()
	h.events.emit(Event{Kind: EventError, Stem: h.stem, Err: fmt.Errorf("%w: %w", ErrLoadFailed, cause)})
}

func (h *beepHandle) Duration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.src == nil {
		return 0
	}
	return h.format.SampleRate.D(h.src.Len())
}

func (h *beepHandle) Position() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.src == nil {
		return 0
	}
	speaker.Lock()
	pos := h.src.Position()
	speaker.Unlock()
	return h.format.SampleRate.D(pos)
}

func (h *beepHandle) SetPosition(d time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	if h.state != StateReady {
		return fmt.Errorf("%w: %s is %s", ErrSeekRejected, h.stem, h.state)
	}

	n := h.format.SampleRate.N(d)
	if n < 0 {
		n = 0
	}
	if n > h.src.Len() {
		n = h.src.Len()
	}

	speaker.Lock()
	err := h.src.Seek(n)
	h.track.ended = false
	speaker.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSeekRejected, h.stem, err)
	}
	return nil
}

func (h *beepHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	if h.state != StateReady {
		return fmt.Errorf("%w: %s is %s", ErrStartRejected, h.stem, h.state)
	}
	if h.playing {
		return nil
	}

	speaker.Lock()
	err := h.track.rewind()
	if err == nil {
		h.ctrl.Paused = false
	}
	speaker.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStartRejected, h.stem, err)
	}

	h.playing = true
	h.tickStop = make(chan struct{})
	go h.ticker(h.tickStop)
	return nil
}

func (h *beepHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *beepHandle) stopLocked() {
	if !h.playing {
		return
	}
	speaker.Lock()
	h.ctrl.Paused = true
	speaker.Unlock()

	h.playing = false
	close(h.tickStop)
	h.tickStop = nil
}

func (h *beepHandle) ticker(stop chan struct{}) {
	t := time.NewTicker(h.tick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			h.events.emit(Event{Kind: EventTimeUpdate, Stem: h.stem, Position: h.Position()})
		}
	}
}

// ended runs on its own goroutine after the source ran out.
func (h *beepHandle) ended() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.stopLocked()
	duration := h.format.SampleRate.D(h.src.Len())
	h.mu.Unlock()

	h.events.emit(Event{Kind: EventEnded, Stem: h.stem, Position: duration})
}

func (h *beepHandle) Playing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playing
}

func (h *beepHandle) SetGain(g float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gain = mix.ClampVolume(g)
	if h.volume == nil {
		return
	}
	exp, silent := mix.BeepVolume(h.gain)
	speaker.Lock()
	h.volume.Volume = exp
	h.volume.Silent = silent
	speaker.Unlock()
}

func (h *beepHandle) Gain() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gain
}

func (h *beepHandle) Subscribe(l Listener) func() {
	return h.events.subscribe(l)
}

func (h *beepHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.stopLocked()
	h.closed = true
	h.cancel()

	var err error
	if h.src != nil {
		speaker.Lock()
		h.track.closed = true
		speaker.Unlock()
		err = h.src.Close()
	}
	h.mu.Unlock()

	h.events.close()
	return err
}

// trackStreamer pads the end of a source with silence so the mixer keeps
// it, and reports the end once per pass.
type trackStreamer struct {
	src    beep.StreamSeeker
	onEnd  func()
	ended  bool
	closed bool
}

func (t *trackStreamer) Stream(samples [][2]float64) (int, bool) {
	if t.closed {
		return 0, false
	}
	n, ok := t.src.Stream(samples)
	if n < len(samples) {
		for i := n; i < len(samples); i++ {
			samples[i] = [2]float64{}
		}
		if !ok || t.src.Position() >= t.src.Len() {
			if !t.ended {
				t.ended = true
				if t.onEnd != nil {
					go t.onEnd()
				}
			}
		}
	}
	return len(samples), true
}

// rewind moves a finished pass back to the start so the next pass reports
// its end again. Callers hold the speaker lock.
func (t *trackStreamer) rewind() error {
	if !t.ended && t.src.Position() < t.src.Len() {
		return nil
	}
	t.ended = false
	return t.src.Seek(0)
}

func (t *trackStreamer) Err() error {
	return t.src.Err()
}

// decode picks a decoder from the URL extension, falling back to the
// leading bytes of the payload.
func decode(data []byte, rawURL string) (beep.StreamSeekCloser, beep.Format, error) {
	var (
		s      beep.StreamSeekCloser
		format beep.Format
		err    error
	)

	switch detectFormat(data, rawURL) {
	case "wav":
		s, format, err = wav.Decode(bytes.NewReader(data))
	case "flac":
		s, format, err = flac.Decode(bytes.NewReader(data))
	default:
		s, format, err = mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	}
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("failed to decode %s: %w", rawURL, err)
	}
	return s, format, nil
}

func detectFormat(data []byte, rawURL string) string {
	name := rawURL
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".wav", ".wave":
		return "wav"
	case ".flac":
		return "flac"
	case ".mp3":
		return "mp3"
	}

	switch {
	case bytes.HasPrefix(data, []byte("RIFF")):
		return "wav"
	case bytes.HasPrefix(data, []byte("fLaC")):
		return "flac"
	default:
		return "mp3"
	}
}
