package main

import (
	"fmt"

	"github.com/janekbaraniewski/costlens/internal/appupdate"
	"github.com/janekbaraniewski/costlens/internal/version"
	"github.com/spf13/cobra"
)

func newUpdateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Check for a newer release",
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := appupdate.Check(cmd.Context(), appupdate.CheckOptions{
				CurrentVersion: version.Version,
			})
			if err != nil {
				return fmt.Errorf("update check: %w", err)
			}

			if result.CurrentVersion == "" {
				fmt.Println("development build; update checks are skipped")
				return nil
			}
			if !result.UpdateAvailable {
				fmt.Printf("%s is up to date\n", result.CurrentVersion)
				return nil
			}
			fmt.Printf("update available: %s -> %s\n", result.CurrentVersion, result.LatestVersion)
			fmt.Printf("upgrade with: %s\n", result.UpgradeHint)
			return nil
		},
	}
}
