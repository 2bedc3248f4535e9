package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tanq16/pullstream/internal/output"
	"github.com/tanq16/pullstream/internal/settings"
)

func openSettings() (*settings.Store, error) {
	path := settingsPath
	if path == "" {
		var err error
		if path, err = settings.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return settings.Open(path)
}

func newSetCmd() *cobra.Command {
	var remove bool
	var list bool

	cmd := &cobra.Command{
		Use:   "set [EXTENSION|default] [PATH]",
		Short: "Set where files with an extension are saved",
		Long: `Store the save location used when pull is called without --save.

Examples:
  pullstream set iso ~/Images
  pullstream set default ~/Downloads
  pullstream set iso -d
  pullstream set --list`,
		Args: cobra.RangeArgs(0, 2),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openSettings()
			if err != nil {
				output.PrintError(fmt.Sprintf("Error opening settings: %v", err))
				os.Exit(1)
			}
			defer store.Close()
			ctx := context.Background()

			switch {
			case list:
				entries, err := store.All(ctx)
				if err != nil {
					output.PrintError(fmt.Sprintf("Error reading settings: %v", err))
					os.Exit(1)
				}
				if len(entries) == 0 {
					output.PrintInfo("No save locations set")
					return
				}
				for key, path := range entries {
					fmt.Printf("  %s %s %s\n", key, output.StyleSymbols["arrow"], path)
				}
			case remove:
				if len(args) != 1 {
					output.PrintError("Deleting needs exactly one key")
					os.Exit(1)
				}
				err := store.Delete(ctx, args[0])
				if errors.Is(err, settings.ErrNotFound) {
					output.PrintWarning(fmt.Sprintf("No save location set for %s", args[0]))
					return
				}
				if err != nil {
					output.PrintError(fmt.Sprintf("Error deleting %s: %v", args[0], err))
					os.Exit(1)
				}
				output.PrintSuccess(fmt.Sprintf("Removed save location for %s", args[0]))
			default:
				if len(args) != 2 {
					output.PrintError("Setting needs a key and a path")
					os.Exit(1)
				}
				path, err := filepath.Abs(args[1])
				if err != nil {
					output.PrintError(fmt.Sprintf("Invalid path %s: %v", args[1], err))
					os.Exit(1)
				}
				if err := store.Put(ctx, args[0], path); err != nil {
					output.PrintError(fmt.Sprintf("Error saving %s: %v", args[0], err))
					os.Exit(1)
				}
				output.PrintSuccess(fmt.Sprintf("Files for %s will be saved to %s", args[0], path))
			}
		},
	}

	cmd.Flags().BoolVarP(&remove, "delete", "d", false, "Delete the save location for the key")
	cmd.Flags().BoolVarP(&list, "list", "l", false, "List all save locations")
	return cmd
}
