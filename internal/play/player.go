// Package play drives a transport from line commands typed in a terminal.
package play

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/stemdeck/internal/media"
	"github.com/audiolibrelab/stemdeck/internal/mix"
	"github.com/audiolibrelab/stemdeck/internal/stem"
	"github.com/audiolibrelab/stemdeck/internal/timefmt"
	"github.com/audiolibrelab/stemdeck/internal/transport"
)

// ErrQuit is returned by Exec when the user asked to leave.
var ErrQuit = errors.New("quit")

// Controller is the part of a transport the player drives.
type Controller interface {
	Play(ctx context.Context) error
	Pause() error
	Toggle(ctx context.Context) error
	Seek(ctx context.Context, at time.Duration) error
	Restart(ctx context.Context) error
	SetVolume(s stem.Stem, level float64) (mix.Level, error)
	ToggleMute(s stem.Stem) (mix.Level, error)
	Snapshot() transport.Snapshot
	Subscribe(fn func(transport.Snapshot)) (cancel func())
}

type Player struct {
	tr  Controller
	in  io.Reader
	out io.Writer
	mu  sync.Mutex
}

func New(tr Controller, in io.Reader, out io.Writer) *Player {
	return &Player{tr: tr, in: in, out: out}
}

const helpText = `Commands:
  play | p              start playback
  pause                 pause playback
  toggle | t            play or pause
  seek <time>           jump to a position (1:30, 90, 1m30s)
  +<sec> | -<sec>       jump forward or back
  restart | r           jump to the start
  vol <stem> <level>    set a stem volume, 0..1 or 0..100%
  mute <stem>           mute or unmute a stem
  status | s            show the play head and the stems
  help | h              show this help
  quit | q              stop and leave`

// Run reads commands until quit, end of input or ctx ends.
func (p *Player) Run(ctx context.Context) error {
	cancel := p.tr.Subscribe(p.watchEnd())
	defer cancel()

	p.printf("%s\n", helpText)
	p.printf("%s\n", p.statusLine(p.tr.Snapshot()))

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(p.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			p.tr.Pause()
			return nil
		case line, ok := <-lines:
			if !ok {
				p.tr.Pause()
				return nil
			}
			err := p.Exec(ctx, line)
			if errors.Is(err, ErrQuit) {
				p.tr.Pause()
				return nil
			}
			if err != nil {
				p.printf("error: %v\n", err)
			}
		}
	}
}

// watchEnd prints once every time playback reaches the end.
func (p *Player) watchEnd() func(transport.Snapshot) {
	var (
		mu    sync.Mutex
		ended bool
	)
	return func(s transport.Snapshot) {
		atEnd := s.State == transport.StatePaused && s.Duration > 0 && s.CurrentTime >= s.Duration
		mu.Lock()
		report := atEnd && !ended
		ended = atEnd
		mu.Unlock()
		if report {
			p.printf("Playback completed (%s)\n", timefmt.Clock(s.Duration))
		}
	}
}

// Exec runs a single command line.
func (p *Player) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "play", "p":
		if err := p.tr.Play(ctx); err != nil {
			return err
		}
	case "pause":
		if err := p.tr.Pause(); err != nil {
			return err
		}
	case "toggle", "t":
		if err := p.tr.Toggle(ctx); err != nil {
			return err
		}
	case "seek":
		if len(args) != 1 {
			return fmt.Errorf("usage: seek <time>")
		}
		at, err := timefmt.Parse(args[0])
		if err != nil {
			return err
		}
		if err := p.tr.Seek(ctx, at); err != nil {
			return err
		}
	case "restart", "r":
		if err := p.tr.Restart(ctx); err != nil {
			return err
		}
	case "vol", "volume":
		if len(args) != 2 {
			return fmt.Errorf("usage: vol <stem> <level>")
		}
		s, err := stem.Parse(args[0])
		if err != nil {
			return err
		}
		level, err := parseLevel(args[1])
		if err != nil {
			return err
		}
		if _, err := p.tr.SetVolume(s, level); err != nil {
			return err
		}
	case "mute":
		if len(args) != 1 {
			return fmt.Errorf("usage: mute <stem>")
		}
		s, err := stem.Parse(args[0])
		if err != nil {
			return err
		}
		if _, err := p.tr.ToggleMute(s); err != nil {
			return err
		}
	case "status", "s":
	case "help", "h", "?":
		p.printf("%s\n", helpText)
		return nil
	case "quit", "q", "exit":
		return ErrQuit
	default:
		if strings.HasPrefix(cmd, "+") || strings.HasPrefix(cmd, "-") {
			if err := p.jump(ctx, cmd); err != nil {
				return err
			}
			break
		}
		return fmt.Errorf("unknown command '%s' (type help)", cmd)
	}

	p.printf("%s\n", p.statusLine(p.tr.Snapshot()))
	return nil
}

func (p *Player) jump(ctx context.Context, arg string) error {
	d, err := timefmt.Parse(arg[1:])
	if err != nil {
		return err
	}
	if arg[0] == '-' {
		d = -d
	}
	return p.tr.Seek(ctx, p.tr.Snapshot().CurrentTime+d)
}

// parseLevel accepts 0..1 or a percentage such as 70%.
func parseLevel(s string) (float64, error) {
	pct := strings.HasSuffix(s, "%")
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid volume '%s'", s)
	}
	if pct || v > 1 {
		v /= 100
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("volume '%s' out of range", s)
	}
	return v, nil
}

func (p *Player) statusLine(s transport.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s / %s", s.State, timefmt.Clock(s.CurrentTime), timefmt.Clock(s.Duration))
	for _, st := range s.Stems {
		fmt.Fprintf(&b, "  %s %d%%", st.Stem, int(st.Volume*100+0.5))
		if st.Muted {
			b.WriteString(" muted")
		}
		if st.State != media.StateReady {
			fmt.Fprintf(&b, " (%s)", strings.ToLower(string(st.State)))
		}
	}
	return b.String()
}

func (p *Player) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}
