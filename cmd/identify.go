package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facewatch/internal/annotate"
	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/media"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/spf13/cobra"
)

var identifyOutput string

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Recognize the faces in a single image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), args[0])
	},
}

func init() {
	identifyCmd.Flags().StringVarP(&identifyOutput, "output", "o", "", "Write the annotated image (JPEG) to this path")
	rootCmd.AddCommand(identifyCmd)
}

// withSingleWorker trims the engine pool for one-shot commands.
func withSingleWorker(rc config.Recognition) config.Recognition {
	rc.Workers = 1
	return rc
}

func runIdentify(ctx context.Context, imagePath string) error {
	img, err := loadImage(imagePath)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting face detector...")
	det, err := newDetector(ctx, withSingleWorker(cfg.Recognition), logger)
	if err != nil {
		utils.ShowError("Failed to start face detector", err, nil)
		return err
	}
	defer det.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	rec := newRecognizer(det, Repo, cfg.Recognition, logger)
	result := rec.Run(ctx, img.Fingerprint(), img)
	printMatches(os.Stdout, result)

	if identifyOutput != "" {
		jpeg, err := media.EncodeJPEG(annotate.Annotate(img, result))
		if err != nil {
			utils.ShowError("Failed to encode annotated image", err, nil)
			return err
		}
		if err := os.WriteFile(identifyOutput, jpeg, 0644); err != nil {
			utils.ShowError("Failed to write annotated image", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "🖼️  Annotated image written to %s\n", identifyOutput)
	}
	return nil
}

func printMatches(out io.Writer, result types.Result) {
	if len(result) == 0 {
		fmt.Fprintln(out, "❌ No faces detected in the provided image.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tCONTACT\tSIMILARITY\tBOX (T,R,B,L)")
	fmt.Fprintln(w, "-\t----\t-------\t----------\t-------------")
	for i, m := range result {
		name, contact, sim := "Unknown", "-", "-"
		if m.Identified {
			name = m.DisplayName
			if m.Contact != "" {
				contact = m.Contact
			}
			sim = fmt.Sprintf("%.2f", m.Similarity)
		}
		b := m.Box
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d,%d,%d,%d\n", i+1, name, contact, sim, b.Top, b.Right, b.Bottom, b.Left)
	}
	w.Flush()
}
