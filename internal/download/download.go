// Package download saves the raw bytes of each stem next to each other as
// <name>_<stem>.mp3.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/audiolibrelab/stemdeck/internal/stem"
)

// Source opens the bytes behind a stem URL and reports their size, -1 when unknown.
type Source interface {
	Open(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// ProgressFunc reports bytes written for a stem. total is -1 when unknown.
type ProgressFunc func(s stem.Stem, written, total int64)

type Result struct {
	Stem  stem.Stem `json:"stem"`
	Path  string    `json:"path,omitempty"`
	Bytes int64     `json:"bytes"`
	Err   error     `json:"-"`
	index int
}

type Downloader struct {
	src         Source
	dir         string
	name        string
	maxParallel int
	progress    ProgressFunc
}

type Option func(*Downloader)

func WithMaxParallel(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.maxParallel = n
		}
	}
}

func WithProgress(fn ProgressFunc) Option {
	return func(d *Downloader) { d.progress = fn }
}

func New(src Source, dir, originalName string, opts ...Option) *Downloader {
	d := &Downloader{
		src:         src,
		dir:         dir,
		name:        cleanFileName(originalName),
		maxParallel: stem.Count,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FileName returns the saved name of a stem: <name>_<stem>.mp3.
func FileName(name string, s stem.Stem) string {
	return fmt.Sprintf("%s_%s.mp3", cleanFileName(name), s)
}

// One downloads a single stem into the output directory.
func (d *Downloader) One(ctx context.Context, s stem.Stem, url string) (string, error) {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	r := d.save(ctx, s, url)
	return r.Path, r.Err
}

// All downloads every stem of set independently. A failure of one stem does
// not stop the others. Results follow set order.
func (d *Downloader) All(ctx context.Context, set stem.Set) []Result {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		out := make([]Result, 0, set.Len())
		for _, e := range set.Entries() {
			out = append(out, Result{Stem: e.Stem, Err: fmt.Errorf("failed to create output directory: %w", err)})
		}
		return out
	}

	p := pool.NewWithResults[Result]().WithMaxGoroutines(d.maxParallel)
	for i, e := range set.Entries() {
		i, e := i, e
		p.Go(func() Result {
			r := d.save(ctx, e.Stem, e.URL)
			r.index = i
			return r
		})
	}
	results := p.Wait()
	sort.Slice(results, func(a, b int) bool { return results[a].index < results[b].index })

	ok := 0
	for _, r := range results {
		if r.Err == nil {
			ok++
		}
	}
	slog.Info("Stem downloads finished", "saved", ok, "failed", len(results)-ok, "directory", d.dir)
	return results
}

// Stream copies a stem's bytes to w, for serving downloads over HTTP.
func (d *Downloader) Stream(ctx context.Context, w io.Writer, url string) (int64, error) {
	rc, _, err := d.src.Open(ctx, url)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return io.Copy(w, rc)
}

// Name returns the cleaned original name used for saved files.
func (d *Downloader) Name() string { return d.name }

func (d *Downloader) save(ctx context.Context, s stem.Stem, url string) Result {
	res := Result{Stem: s}

	rc, total, err := d.src.Open(ctx, url)
	if err != nil {
		res.Err = fmt.Errorf("download %s: %w", s, err)
		slog.Warn("Stem download failed", "stem", s, "error", err)
		return res
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(d.dir, "."+s.String()+"-*.part")
	if err != nil {
		res.Err = fmt.Errorf("download %s: %w", s, err)
		return res
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	if d.progress != nil {
		w = &progressWriter{w: tmp, stem: s, total: total, fn: d.progress}
	}
	n, err := io.Copy(w, rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		res.Err = fmt.Errorf("download %s: %w", s, err)
		slog.Warn("Stem download failed", "stem", s, "error", err)
		return res
	}

	path := filepath.Join(d.dir, fmt.Sprintf("%s_%s.mp3", d.name, s))
	if err := os.Rename(tmp.Name(), path); err != nil {
		res.Err = fmt.Errorf("download %s: %w", s, err)
		return res
	}

	res.Path = path
	res.Bytes = n
	slog.Debug("Stem saved", "stem", s, "file", path, "bytes", n)
	return res
}

type progressWriter struct {
	w       io.Writer
	stem    stem.Stem
	written int64
	total   int64
	fn      ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	p.fn(p.stem, p.written, p.total)
	return n, err
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9 _.-]`)

// cleanFileName drops characters that do not belong in a file name and
// replaces spaces with underscores.
func cleanFileName(name string) string {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	cleaned := unsafeChars.ReplaceAllString(name, "")
	cleaned = strings.ReplaceAll(strings.TrimSpace(cleaned), " ", "_")
	if cleaned == "" {
		return "track"
	}
	return cleaned
}
