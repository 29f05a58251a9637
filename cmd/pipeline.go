package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/audiolibrelab/stemdeck/internal/play"
	"github.com/audiolibrelab/stemdeck/internal/preload"
	"github.com/audiolibrelab/stemdeck/internal/separation"
	"github.com/audiolibrelab/stemdeck/internal/service"
	"github.com/audiolibrelab/stemdeck/internal/stem"
	"github.com/audiolibrelab/stemdeck/internal/timefmt"
	"github.com/audiolibrelab/stemdeck/internal/transport"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const validStepsHelp = "valid: s=separate, l=preload, p=play, d=download"

// pipelineState carries what earlier steps produced to later ones.
type pipelineState struct {
	input string
	set   stem.Set
	tr    *transport.Transport
}

// runner bundles the service with the progress bars of its callbacks.
type runner struct {
	svc      *service.StemDeckService
	preload  *preloadBar
	download *downloadBar
}

func newRunner() *runner {
	r := &runner{preload: &preloadBar{}, download: &downloadBar{}}
	r.svc = newService(
		service.WithPreloadProgress(r.preload.update),
		service.WithDownloadProgress(r.download.update),
	)
	return r
}

func (r *runner) Close() error {
	return r.svc.Close()
}

func (r *runner) separate(ctx context.Context, input string) (stem.Set, error) {
	fmt.Printf("Separating: %s\n", input)
	analysis, err := r.svc.Separate(ctx, input)
	if err != nil {
		return stem.Set{}, err
	}
	printAnalysis(analysis, 0)
	return analysis.Separation.Tracks, nil
}

// preloadStems loads every stem and returns the player once all resolved.
func (r *runner) preloadStems(ctx context.Context, set stem.Set) (*transport.Transport, error) {
	r.preload.start(set)
	sess, err := r.svc.Load(ctx, set)
	if err != nil {
		return nil, err
	}

	summary, err := sess.Wait(ctx)
	r.preload.finish()
	if err != nil {
		return nil, err
	}

	fmt.Printf("Preload: %s\n", summary)
	for _, res := range summary.Results {
		if res.Outcome != preload.OutcomeLoaded {
			fmt.Printf("  %s: %s (%s)\n", res.Stem, res.Outcome, res.Reason)
		}
	}
	if summary.SuccessCount == 0 {
		return nil, fmt.Errorf("no stem could be loaded")
	}
	return r.svc.WaitReady(ctx)
}

func (r *runner) play(ctx context.Context, c *cobra.Command, tr *transport.Transport) error {
	if err := applyMix(c, tr); err != nil {
		return err
	}
	return play.New(tr, os.Stdin, os.Stdout).Run(ctx)
}

func (r *runner) downloadStems(ctx context.Context, set stem.Set, only []stem.Stem) error {
	if r.svc.Stems().Empty() {
		if err := r.svc.SetStems(set); err != nil {
			return err
		}
	}

	if len(only) > 0 {
		for _, s := range only {
			path, err := r.svc.Download(ctx, s)
			if err != nil {
				return err
			}
			fmt.Printf("Saved %s: %s\n", s, path)
		}
		return nil
	}

	r.download.start(fmt.Sprintf("Downloading %d stems", set.Len()))
	results, err := r.svc.DownloadAll(ctx)
	r.download.finish()
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			fmt.Printf("  %s: failed: %v\n", res.Stem, res.Err)
			continue
		}
		fmt.Printf("  %s: %s\n", res.Stem, res.Path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(results))
	}
	return nil
}

// runSteps executes steps in order, starting from st.
func runSteps(ctx context.Context, c *cobra.Command, r *runner, st *pipelineState, steps []rune) error {
	if len(steps) > 0 && steps[0] != 's' && st.set.Empty() {
		set, err := readManifest(st.input)
		if err != nil {
			return err
		}
		st.set = set
	}

	for i, step := range steps {
		fmt.Printf("Pipeline: executing step %d/%d: '%c'...\n", i+1, len(steps), step)

		switch step {
		case 's':
			set, err := r.separate(ctx, st.input)
			if err != nil {
				return fmt.Errorf("pipeline separate failed: %w", err)
			}
			st.set = set
			st.tr = nil
			fmt.Println("Pipeline: separation completed")

		case 'l':
			tr, err := r.preloadStems(ctx, st.set)
			if err != nil {
				return fmt.Errorf("pipeline preload failed: %w", err)
			}
			st.tr = tr
			fmt.Println("Pipeline: preload completed")

		case 'p':
			if st.tr == nil {
				tr, err := r.preloadStems(ctx, st.set)
				if err != nil {
					return fmt.Errorf("pipeline preload failed: %w", err)
				}
				st.tr = tr
			}
			if err := r.play(ctx, c, st.tr); err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}
			fmt.Println("Pipeline: playback finished")

		case 'd':
			if err := r.downloadStems(ctx, st.set, nil); err != nil {
				return fmt.Errorf("pipeline download failed: %w", err)
			}
			fmt.Println("Pipeline: download completed")

		default:
			return fmt.Errorf("unknown pipeline step: '%c' (%s)", step, validStepsHelp)
		}
	}

	return nil
}

// continuePipeline runs what follows startStep in the --pipeline flag.
func continuePipeline(ctx context.Context, c *cobra.Command, r *runner, st *pipelineState, startStep rune) error {
	if pipeline == "" {
		return nil
	}

	steps := []rune(strings.ToLower(pipeline))

	// Find the starting position in the pipeline
	startIndex := -1
	for i, step := range steps {
		if step == startStep {
			startIndex = i
			break
		}
	}

	if startIndex == -1 {
		return fmt.Errorf("step '%c' not found in pipeline '%s'", startStep, pipeline)
	}

	return runSteps(ctx, c, r, st, steps[startIndex+1:])
}

func validatePipeline() error {
	if pipeline == "" {
		return nil
	}

	validSteps := map[rune]bool{
		's': true, // separate
		'l': true, // preload
		'p': true, // play
		'd': true, // download
	}

	steps := []rune(strings.ToLower(pipeline))
	for _, step := range steps {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (%s)", step, validStepsHelp)
		}
	}

	return nil
}

// readManifest reads a stem set from a JSON file. Both a bare
// {"vocals": "<url>", ...} object and a saved analysis are accepted.
func readManifest(path string) (stem.Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return stem.Set{}, fmt.Errorf("failed to read stem manifest: %w", err)
	}

	var analysis separation.Analysis
	if err := json.Unmarshal(data, &analysis); err == nil && analysis.Separation != nil {
		return analysis.Separation.Tracks, nil
	}

	var set stem.Set
	if err := json.Unmarshal(data, &set); err != nil {
		return stem.Set{}, fmt.Errorf("invalid stem manifest %s: %w", path, err)
	}
	if set.Empty() {
		return stem.Set{}, fmt.Errorf("stem manifest %s lists no stems", path)
	}
	return set, nil
}

func printAnalysis(a *separation.Analysis, kicks int) {
	fmt.Printf("Stems: %s\n", strings.Join(stemNames(a.Separation.Tracks), ", "))
	if bpm := a.BPM(); bpm > 0 {
		method := ""
		if t := a.TimingAnalysis.TempoAnalysis; t != nil && t.DetectionMethod != "" {
			method = " (" + t.DetectionMethod + ")"
		}
		fmt.Printf("Tempo: %.1f BPM%s\n", bpm, method)
	}
	fmt.Printf("Drum hits: %d (kicks %d, snares %d)\n", a.DrumCount(), len(a.Kicks), len(a.Snares))

	for i, k := range a.Kicks {
		if i >= kicks {
			break
		}
		fmt.Printf("  kick %d: %s\n", i+1, timefmt.Precise(timefmt.Seconds(k)))
	}
}

func stemNames(set stem.Set) []string {
	var names []string
	for _, s := range set.Stems() {
		names = append(names, s.String())
	}
	return names
}

// preloadBar shows the summed buffered fraction of every stem.
type preloadBar struct {
	mu       sync.Mutex
	bar      *progressbar.ProgressBar
	buffered map[stem.Stem]float64
}

func (p *preloadBar) start(set stem.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffered = make(map[stem.Stem]float64, set.Len())
	p.bar = progressbar.NewOptions(
		set.Len()*100,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetDescription(fmt.Sprintf("Preloading %d stems...", set.Len())),
	)
}

func (p *preloadBar) update(s stem.Stem, buffered float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		return
	}
	p.buffered[s] = buffered
	total := 0.0
	for _, f := range p.buffered {
		total += f
	}
	p.bar.Set(int(total * 100))
}

func (p *preloadBar) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		p.bar.Finish()
		fmt.Fprintln(os.Stderr)
		p.bar = nil
	}
}

// downloadBar counts bytes written across every stem.
type downloadBar struct {
	mu      sync.Mutex
	bar     *progressbar.ProgressBar
	written map[stem.Stem]int64
}

func (d *downloadBar) start(description string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written = make(map[stem.Stem]int64)
	d.bar = progressbar.NewOptions64(
		-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetDescription(description),
	)
}

func (d *downloadBar) update(s stem.Stem, written, total int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bar == nil {
		return
	}
	delta := written - d.written[s]
	d.written[s] = written
	d.bar.Add64(delta)
}

func (d *downloadBar) finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bar != nil {
		d.bar.Finish()
		fmt.Fprintln(os.Stderr)
		d.bar = nil
	}
}
