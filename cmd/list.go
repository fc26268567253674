package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled identities",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runList(cmd.Context(), Repo, os.Stdout); err != nil {
			utils.Die("Failed to list identities", err, nil)
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, repo store.Repository, out io.Writer) error {
	identities, err := repo.ListIdentities(ctx)
	if err != nil {
		return err
	}

	if len(identities) == 0 {
		fmt.Fprintln(out, "No identities found in database.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCONTACT\tFACE COUNT\tCREATED")
	fmt.Fprintln(w, "--\t----\t-------\t----------\t-------")

	for _, id := range identities {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", id.ID, id.Name, id.Contact, id.Embeddings, id.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
