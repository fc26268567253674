package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/facewatch/internal/frame"
	"github.com/andresmejia3/facewatch/internal/media"
	"github.com/andresmejia3/facewatch/internal/recognize"
	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/spf13/cobra"
)

var (
	enrollName     string
	enrollContact  string
	enrollIdentity string
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <image_path>",
	Short: "Register the largest face in an image as a new identity",
	Long: "Detects faces in the image, keeps the largest one and stores its descriptor. " +
		"With --identity the face is added as another sample of an existing identity.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if enrollName == "" && enrollIdentity == "" {
			return errors.New("either --name or --identity is required")
		}
		return runEnroll(cmd.Context(), args[0])
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollName, "name", "n", "", "Display name of the new identity")
	enrollCmd.Flags().StringVar(&enrollContact, "contact", "", "Phone number or other contact detail")
	enrollCmd.Flags().StringVar(&enrollIdentity, "identity", "", "Add the face to this existing identity instead")
	rootCmd.AddCommand(enrollCmd)
}

// loadImage reads and decodes an image file, reporting failures the CLI way.
func loadImage(path string) (frame.Frame, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return frame.Frame{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return frame.Frame{}, err
	}
	img, err := media.DecodeImage(data)
	if err != nil {
		utils.ShowError("Failed to decode image", err, nil)
		return frame.Frame{}, err
	}
	return img, nil
}

func runEnroll(ctx context.Context, imagePath string) error {
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

	rec := newRecognizer(det, Repo, cfg.Recognition, logger)
	return enrollFace(ctx, os.Stdout, rec, Repo, img, enrollName, enrollContact, enrollIdentity)
}

// enrollFace stores the largest face in img, either as a new identity or as another sample of
// identityID.
func enrollFace(ctx context.Context, w io.Writer, rec *recognize.Recognizer, repo store.Repository, img frame.Frame, name, contact, identityID string) error {
	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	det, err := rec.Enroll(ctx, img)
	if errors.Is(err, recognize.ErrNoFace) {
		fmt.Fprintln(w, "❌ No faces detected in the provided image.")
		return err
	}
	if err != nil {
		utils.ShowError("Face detection failed", err, nil)
		return err
	}

	if identityID != "" {
		if err := repo.AddEmbedding(ctx, identityID, det); err != nil {
			utils.ShowError("Failed to add face sample", err, nil)
			return err
		}
		fmt.Fprintf(w, "✅ Added face sample to identity %s\n", identityID)
		return nil
	}

	id, err := repo.CreateIdentity(ctx, name, contact, det)
	if err != nil {
		utils.ShowError("Failed to store identity", err, nil)
		return err
	}
	fmt.Fprintf(w, "✅ Enrolled %s (ID: %s)\n", name, id)
	return nil
}
