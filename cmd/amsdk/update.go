package main

import (
	"fmt"
	"os"

	"github.com/blang/semver"
	"github.com/rhysd/go-github-selfupdate/selfupdate"
	"github.com/spf13/cobra"
)

const updateSlug = "blackcoderx/amsdk"

func init() {
	rootCmd.AddCommand(updateCmd)
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update amsdk to the latest release",
	// The workspace folder is not needed to replace the binary.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		if version == "dev" {
			fmt.Println("You are running a development build of amsdk. Update is not supported.")
			return nil
		}

		v, err := semver.ParseTolerant(version)
		if err != nil {
			return fmt.Errorf("failed to parse current version %q: %w", version, err)
		}

		latest, found, err := selfupdate.DetectLatest(updateSlug)
		if err != nil {
			return fmt.Errorf("failed to detect latest version: %w", err)
		}
		if !found || latest.Version.LTE(v) {
			fmt.Println("Current version is the latest")
			return nil
		}

		ok, err := confirm(fmt.Sprintf("Update to %s?", latest.Version))
		if err != nil || !ok {
			return err
		}

		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("could not locate executable path: %w", err)
		}
		if err := selfupdate.UpdateTo(latest.AssetURL, exe); err != nil {
			return fmt.Errorf("failed to update binary: %w", err)
		}
		fmt.Println(successStyle.Render("Updated to version " + latest.Version.String()))
		return nil
	},
}
