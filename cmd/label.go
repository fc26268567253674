package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/spf13/cobra"
)

var labelContact string

var labelCmd = &cobra.Command{
	Use:   "label <identity_id> <name>",
	Short: "Rename an enrolled identity",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		var contact *string
		if cmd.Flags().Changed("contact") {
			contact = &labelContact
		}
		if err := runLabel(cmd.Context(), Repo, os.Stdout, args[0], args[1], contact); err != nil {
			utils.Die("Failed to label identity", err, nil)
		}
	},
}

func init() {
	labelCmd.Flags().StringVar(&labelContact, "contact", "", "Also replace the contact detail")
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, repo store.Repository, out io.Writer, id, name string, contact *string) error {
	if err := repo.UpdateProfile(ctx, id, name, contact); err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ Identity %s labeled as '%s'\n", id, name)
	return nil
}
