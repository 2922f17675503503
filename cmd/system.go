package cmd

import (
	"fmt"
	"time"

	"github.com/maren/divvy/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Show version and check for updates",
	GroupID: "system",
	Run: func(cmd *cobra.Command, args []string) {
		short, _ := cmd.Flags().GetBool("short")
		if short {
			fmt.Print(versionStr)
			return
		}

		checkUpdates, _ := cmd.Flags().GetBool("check")

		fmt.Printf("divvy version %s\n", versionStr)

		// Skip check if dev version or --check=false
		if !checkUpdates || version.IsDevelopmentVersion(versionStr) {
			return
		}

		// Check cache first
		if cached, err := version.LoadCache(); err == nil && version.IsCacheValid(cached, versionStr) {
			if cached.HasUpdate {
				fmt.Printf("\nUpdate available: %s → %s\n", versionStr, cached.LatestVersion)
				if cmd := version.UpdateCommand(cached.LatestVersion); cmd != "" {
					fmt.Printf("Run: %s\n", cmd)
				}
			}
			return
		}

		// Fetch from GitHub
		result := version.Check(versionStr)

		// Cache successful checks
		if result.Error == nil {
			_ = version.SaveCache(&version.CacheEntry{
				LatestVersion:  result.LatestVersion,
				CurrentVersion: versionStr,
				CheckedAt:      time.Now(),
				HasUpdate:      result.HasUpdate,
			})
		}

		if result.Error != nil {
			// Silently ignore network errors
			return
		}

		if result.HasUpdate {
			fmt.Printf("\nUpdate available: %s → %s\n", versionStr, result.LatestVersion)
			if cmd := version.UpdateCommand(result.LatestVersion); cmd != "" {
				fmt.Printf("Run: %s\n", cmd)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().Bool("check", true, "Check for updates")
	versionCmd.Flags().Bool("short", false, "Output only version string")
}
