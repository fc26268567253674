package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/facewatch/internal/frame"
	"github.com/andresmejia3/facewatch/internal/media"
	"github.com/andresmejia3/facewatch/internal/pipeline"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// replayOptions holds the flags of the replay command.
type replayOptions struct {
	InputPath  string
	OutputPath string
	Pace       bool
	FPS        float64
}

var replayOpts replayOptions

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run a recorded video through the live recognition pipeline",
	Long: "Decodes a video file with ffmpeg and feeds its frames through the same cache and " +
		"background recognition as the live camera. Annotated frames can be written out as MJPEG.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateReplayFlags(&replayOpts); err != nil {
			utils.ShowError("Invalid replay flags", err, nil)
			return err
		}
		return runReplay(cmd.Context(), replayOpts)
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayOpts.InputPath, "input", "i", "", "Path to video")
	replayCmd.Flags().StringVarP(&replayOpts.OutputPath, "output", "o", "", "Write annotated frames to this file as MJPEG")
	replayCmd.Flags().BoolVar(&replayOpts.Pace, "pace", false, "Feed frames at --fps instead of as fast as ffmpeg decodes them")
	replayCmd.Flags().Float64Var(&replayOpts.FPS, "fps", 25, "Frame rate used with --pace")

	replayCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(replayCmd)
}

// validateReplayFlags ensures all CLI arguments are valid before starting heavy processes.
func validateReplayFlags(opts *replayOptions) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return errors.New("input path is a directory, expected a video file")
	}
	if opts.OutputPath != "" {
		if filepath.Clean(opts.OutputPath) == filepath.Clean(opts.InputPath) {
			return errors.New("output path must differ from the input")
		}
		dir := filepath.Dir(opts.OutputPath)
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			return fmt.Errorf("output directory %q does not exist", dir)
		}
	}
	if opts.Pace && opts.FPS <= 0 {
		return fmt.Errorf("fps must be > 0, got %v", opts.FPS)
	}
	return nil
}

// runReplay orchestrates the replay: detector, pipeline, ffmpeg decoding and progress tracking.
func runReplay(ctx context.Context, opts replayOptions) error {
	log := logger

	sourceID, err := utils.SourceID(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to fingerprint video", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📼 Replaying Video ID: %s\n", sourceID[:12])
	fmt.Fprintf(os.Stderr, "⚙️  Starting %d recognition workers (%s detector)...\n", cfg.Recognition.Workers, cfg.Recognition.Detector)

	det, err := newDetector(ctx, cfg.Recognition, log)
	if err != nil {
		utils.ShowError("Failed to start face detector", err, nil)
		return err
	}
	defer det.Close()

	seen := newSightings()
	p := newPipeline(newRecognizer(det, Repo, cfg.Recognition, log), cfg, log, pipeline.WithResultHook(seen.Observe))

	total := utils.GetTotalFrames(ctx, opts.InputPath)
	if total <= 0 {
		// Unknown total renders as a spinner
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 Replaying"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	var out *bufio.Writer
	if opts.OutputPath != "" {
		f, err := os.Create(opts.OutputPath)
		if err != nil {
			p.Close()
			utils.ShowError("Failed to create output file", err, nil)
			return err
		}
		defer f.Close()
		out = bufio.NewWriter(f)
	}

	ffmpeg := utils.NewFFmpegCmd(ctx, opts.InputPath)
	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		p.Close()
		utils.ShowError("Failed to create FFmpeg stdout pipe", err, nil)
		return err
	}
	if err := ffmpeg.Start(); err != nil {
		p.Close()
		utils.ShowError("Failed to start FFmpeg", err, nil)
		return err
	}

	var src pipeline.Source = media.NewJPEGStream(ffmpegOut, media.DecodeImage)
	src = &progressSource{Source: src, bar: bar}
	if opts.Pace {
		src = &pacedSource{Source: src, interval: time.Duration(float64(time.Second) / opts.FPS)}
	}

	start := time.Now()
	streamErr := p.Stream(ctx, src, func(f frame.Frame) error {
		if out == nil {
			return nil
		}
		jpeg, err := media.EncodeJPEG(f)
		if err != nil {
			log.Warn().Err(err).Str("stage", "encode").Msg("dropping frame")
			return nil
		}
		_, err = out.Write(jpeg)
		return err
	})

	// Queued jobs are abandoned; runs already underway finish before the summary
	p.Close()
	bar.Finish()

	waitErr := ffmpeg.Wait()
	if streamErr == nil && waitErr != nil {
		if stderrBuf.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
		}
		streamErr = fmt.Errorf("ffmpeg: %w", waitErr)
	}
	if out != nil {
		if err := out.Flush(); err != nil && streamErr == nil {
			streamErr = fmt.Errorf("write output: %w", err)
		}
	}

	if streamErr != nil && ctx.Err() == nil {
		utils.ShowError("Replay failed", streamErr, nil)
		return streamErr
	}

	printReplaySummary(os.Stderr, p.Stats(), seen, time.Since(start))
	if opts.OutputPath != "" {
		fmt.Fprintf(os.Stderr, "🖼️  Annotated stream written to %s\n", opts.OutputPath)
	}
	return nil
}

// progressSource advances the bar for every frame read.
type progressSource struct {
	pipeline.Source
	bar *progressbar.ProgressBar
}

func (s *progressSource) Read(ctx context.Context) (frame.Frame, error) {
	f, err := s.Source.Read(ctx)
	if err == nil {
		s.bar.Add(1)
	}
	return f, err
}

// pacedSource releases at most one frame per interval, like a camera would.
type pacedSource struct {
	pipeline.Source
	interval time.Duration
	next     time.Time
}

func (s *pacedSource) Read(ctx context.Context) (frame.Frame, error) {
	if wait := time.Until(s.next); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return frame.Frame{}, ctx.Err()
		case <-timer.C:
		}
	}
	s.next = time.Now().Add(s.interval)
	return s.Source.Read(ctx)
}

// sightings tallies identified faces across recognition runs.
type sightings struct {
	mu     sync.Mutex
	names  map[string]string
	counts map[string]int
	faces  int
}

func newSightings() *sightings {
	return &sightings{names: make(map[string]string), counts: make(map[string]int)}
}

// Observe is a pipeline result hook. It is called from the recognition workers.
func (s *sightings) Observe(ev pipeline.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faces += len(ev.Result)
	for _, m := range ev.Result.Identified() {
		s.names[m.IdentityID] = m.DisplayName
		s.counts[m.IdentityID]++
	}
}

func printReplaySummary(w io.Writer, stats pipeline.Stats, seen *sightings, elapsed time.Duration) {
	seen.mu.Lock()
	defer seen.mu.Unlock()

	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 REPLAY SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")

	ids := make([]string, 0, len(seen.counts))
	for id := range seen.counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if seen.counts[ids[i]] != seen.counts[ids[j]] {
			return seen.counts[ids[i]] > seen.counts[ids[j]]
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		fmt.Fprintf(w, "👤 %s (%s): recognized in %d runs\n", seen.names[id], id, seen.counts[id])
	}
	if len(ids) == 0 {
		fmt.Fprintf(w, "No enrolled identities recognized.\n")
	}

	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🎞️  Frames:            %d in %s\n", stats.Frames, fmtTime(elapsed.Seconds()))
	fmt.Fprintf(w, "♻️  Cache hits:        %d\n", stats.Hits)
	fmt.Fprintf(w, "🧠 Recognition runs:  %d (%d dropped)\n", stats.Runs, stats.Dropped)
	fmt.Fprintf(w, "👁️  Face detections:   %d\n", seen.faces)
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
