package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/frame"
	"github.com/andresmejia3/facewatch/internal/pipeline"
	"github.com/andresmejia3/facewatch/internal/recognize"
	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type fakeDetector struct {
	detections []types.Detection
	err        error
}

func (f *fakeDetector) DetectAndEncode(ctx context.Context, fr frame.Frame) ([]types.Detection, error) {
	return f.detections, f.err
}

func descriptor(axis int) types.Descriptor {
	d := make(types.Descriptor, types.DescriptorDim)
	d[axis] = 1
	return d
}

func TestFmtTime(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00"},
		{65, "00:01:05"},
		{3661, "01:01:01"},
	}

	for _, tt := range tests {
		if got := fmtTime(tt.seconds); got != tt.want {
			t.Errorf("fmtTime(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestValidateReplayFlags(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "video.mp4")
	if err := os.WriteFile(video, []byte("not really a video"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		opts    replayOptions
		wantErr bool
	}{
		{
			name:    "Valid options",
			opts:    replayOptions{InputPath: video, OutputPath: filepath.Join(dir, "out.mjpeg")},
			wantErr: false,
		},
		{
			name:    "Input file does not exist",
			opts:    replayOptions{InputPath: filepath.Join(dir, "nonexistent.mp4")},
			wantErr: true,
		},
		{
			name:    "Input is directory",
			opts:    replayOptions{InputPath: dir},
			wantErr: true,
		},
		{
			name:    "Output overwrites input",
			opts:    replayOptions{InputPath: video, OutputPath: video},
			wantErr: true,
		},
		{
			name:    "Output directory missing",
			opts:    replayOptions{InputPath: video, OutputPath: filepath.Join(dir, "missing", "out.mjpeg")},
			wantErr: true,
		},
		{
			name:    "Pacing without a frame rate",
			opts:    replayOptions{InputPath: video, Pace: true, FPS: 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateReplayFlags(&tt.opts); (err != nil) != tt.wantErr {
				t.Errorf("validateReplayFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunList(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()

	var out bytes.Buffer
	if err := runList(ctx, repo, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No identities found") {
		t.Errorf("Expected empty notice, got %q", out.String())
	}

	id, err := repo.CreateIdentity(ctx, "Ada", "555-0100", types.Detection{Descriptor: descriptor(0)})
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.AddEmbedding(ctx, id, types.Detection{Descriptor: descriptor(1)}); err != nil {
		t.Fatal(err)
	}

	out.Reset()
	if err := runList(ctx, repo, &out); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected header, separator and one row, got %q", out.String())
	}
	row := strings.Fields(lines[2])
	if row[0] != id || row[1] != "Ada" || row[2] != "555-0100" || row[3] != "2" {
		t.Errorf("Unexpected row %q", lines[2])
	}
}

func TestRunLabel(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	id, err := repo.CreateIdentity(ctx, "Unknown", "555-0100", types.Detection{Descriptor: descriptor(0)})
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runLabel(ctx, repo, &out, id, "Grace", nil); err != nil {
		t.Fatal(err)
	}
	p, _, _ := repo.GetProfile(ctx, id)
	if p.DisplayName != "Grace" || p.Contact != "555-0100" {
		t.Errorf("Label without --contact should keep the contact, got %+v", p)
	}

	contact := ""
	if err := runLabel(ctx, repo, &out, id, "Grace", &contact); err != nil {
		t.Fatal(err)
	}
	p, _, _ = repo.GetProfile(ctx, id)
	if p.Contact != "" {
		t.Errorf("Expected contact cleared, got %q", p.Contact)
	}

	if err := runLabel(ctx, repo, &out, "missing", "X", nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}

	for _, tt := range tests {
		var out bytes.Buffer
		if got := confirm(bufio.NewReader(strings.NewReader(tt.input)), &out, "Sure?"); got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.HasPrefix(out.String(), "Sure? [y/N]") {
			t.Errorf("Unexpected prompt %q", out.String())
		}
	}
}

func TestEnrollFace(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	small := types.Detection{Box: types.Box{Top: 0, Right: 10, Bottom: 10, Left: 0}, Descriptor: descriptor(0)}
	large := types.Detection{Box: types.Box{Top: 0, Right: 50, Bottom: 50, Left: 0}, Descriptor: descriptor(1)}
	det := &fakeDetector{detections: []types.Detection{small, large}}
	rec := recognize.New(det, repo, recognize.DefaultConfig(), zerolog.Nop())
	img := frame.New(64, 64, 3)

	var out bytes.Buffer
	if err := enrollFace(ctx, &out, rec, repo, img, "Ada", "555-0100", ""); err != nil {
		t.Fatal(err)
	}
	ids, _ := repo.ListIdentities(ctx)
	if len(ids) != 1 || ids[0].Name != "Ada" {
		t.Fatalf("Expected one identity named Ada, got %+v", ids)
	}

	// The largest face is the one stored
	hits, _ := repo.FindNearest(ctx, descriptor(1), 0.9, 1)
	if len(hits) != 1 || hits[0].IdentityID != ids[0].ID {
		t.Errorf("Expected the large face to be enrolled, got %+v", hits)
	}

	if err := enrollFace(ctx, &out, rec, repo, img, "", "", ids[0].ID); err != nil {
		t.Fatal(err)
	}
	ids, _ = repo.ListIdentities(ctx)
	if ids[0].Embeddings != 2 {
		t.Errorf("Expected 2 face samples, got %d", ids[0].Embeddings)
	}

	det.detections = nil
	if err := enrollFace(ctx, &out, rec, repo, img, "Bob", "", ""); !errors.Is(err, recognize.ErrNoFace) {
		t.Errorf("Expected ErrNoFace, got %v", err)
	}
}

func TestPrintMatches(t *testing.T) {
	var out bytes.Buffer
	printMatches(&out, nil)
	if !strings.Contains(out.String(), "No faces detected") {
		t.Errorf("Expected no-face notice, got %q", out.String())
	}

	out.Reset()
	printMatches(&out, types.Result{
		{Identified: true, IdentityID: "id-1", DisplayName: "Ada", Contact: "555-0100", Similarity: 0.91, Box: types.Box{Top: 1, Right: 2, Bottom: 3, Left: 4}},
		types.Unidentified(types.Box{Top: 5, Right: 6, Bottom: 7, Left: 8}),
	})
	got := out.String()
	for _, want := range []string{"Ada", "555-0100", "0.91", "1,2,3,4", "Unknown", "5,6,7,8"} {
		if !strings.Contains(got, want) {
			t.Errorf("Output missing %q:\n%s", want, got)
		}
	}
}

func TestSightingsSummary(t *testing.T) {
	seen := newSightings()
	ada := types.FaceMatch{Identified: true, IdentityID: "id-ada", DisplayName: "Ada"}
	bob := types.FaceMatch{Identified: true, IdentityID: "id-bob", DisplayName: "Bob"}
	stranger := types.Unidentified(types.Box{})

	seen.Observe(pipeline.Event{Result: types.Result{ada, stranger}})
	seen.Observe(pipeline.Event{Result: types.Result{ada, bob}})

	var out bytes.Buffer
	printReplaySummary(&out, pipeline.Stats{Frames: 10, Hits: 4, Runs: 2}, seen, 3*time.Second)
	got := out.String()

	adaAt := strings.Index(got, "Ada (id-ada): recognized in 2 runs")
	bobAt := strings.Index(got, "Bob (id-bob): recognized in 1 runs")
	if adaAt < 0 || bobAt < 0 || adaAt > bobAt {
		t.Errorf("Expected Ada before Bob with their counts:\n%s", got)
	}
	if !strings.Contains(got, "Face detections:   4") {
		t.Errorf("Expected 4 detections:\n%s", got)
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	defer func() { cfg = config.Config{} }()
	cfg = config.Default()

	cmd := &cobra.Command{}
	cmd.Flags().Float64P("threshold", "t", 0, "")
	cmd.Flags().Int("workers", 0, "")
	cmd.Flags().String("detector", "", "")
	if err := cmd.Flags().Set("threshold", "0.45"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("detector", config.DetectorDlib); err != nil {
		t.Fatal(err)
	}

	applyFlagOverrides(cmd)

	if cfg.Recognition.Tolerance != 0.45 {
		t.Errorf("Expected tolerance 0.45, got %v", cfg.Recognition.Tolerance)
	}
	if cfg.Recognition.Detector != config.DetectorDlib {
		t.Errorf("Expected dlib detector, got %q", cfg.Recognition.Detector)
	}
	if cfg.Recognition.Workers != config.Default().Recognition.Workers {
		t.Errorf("Unset --workers should keep the configured value, got %d", cfg.Recognition.Workers)
	}
}
