package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var renameCmd = &cobra.Command{
	Use:   "rename <name> <new_name>",
	Short: "Rename an enrolled template",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRename(cmd.Context(), args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(renameCmd)
}

func runRename(ctx context.Context, name, newName string) error {
	if err := DB.RenameTemplate(ctx, name, newName); err != nil {
		utils.ShowError("Failed to rename template", err, nil)
		return err
	}

	fmt.Printf("✅ Template '%s' renamed to '%s'\n", name, newName)
	return nil
}
