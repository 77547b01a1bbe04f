package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var deleteYes bool

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an enrolled template (its verification history is kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !deleteYes && !confirm(bufio.NewReader(os.Stdin), fmt.Sprintf("⚠️  Delete template '%s'?", args[0])) {
			return nil
		}
		return runDelete(cmd.Context(), args[0])
	},
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(ctx context.Context, name string) error {
	if err := DB.DeleteTemplate(ctx, name); err != nil {
		utils.ShowError("Failed to delete template", err, nil)
		return err
	}
	fmt.Printf("🗑️  Template '%s' deleted\n", name)
	return nil
}
