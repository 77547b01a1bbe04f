package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runList(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) error {
	templates, err := DB.ListTemplates(ctx)
	if err != nil {
		utils.ShowError("Failed to list templates", err, nil)
		return err
	}
	printTemplates(os.Stdout, templates)
	return nil
}

func printTemplates(out io.Writer, templates []store.TemplateInfo) {
	if len(templates) == 0 {
		fmt.Fprintln(out, "No templates found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDIM\tVERIFIED\tCREATED")
	fmt.Fprintln(w, "--\t----\t---\t--------\t-------")

	for _, t := range templates {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d/%d\t%s\n", t.ID, t.Name, t.Dim, t.Passed, t.Attempts, t.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
