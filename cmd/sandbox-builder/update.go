package main

import (
	"fmt"

	"github.com/hochfrequenz/sandbox-builder/internal/updater"
	"github.com/spf13/cobra"
)

var updateCheckOnly bool

func init() {
	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Install the latest sandbox-builder release",
		Args:  cobra.NoArgs,
		RunE:  runUpdate,
	}
	updateCmd.Flags().BoolVar(&updateCheckOnly, "check", false, "only report whether an update is available")
	rootCmd.AddCommand(updateCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	u := updater.New()
	latest, err := u.Latest(cmd.Context())
	if err != nil {
		return err
	}
	if !updater.NeedsUpdate(version, latest) {
		fmt.Printf("Already up to date (%s)\n", version)
		return nil
	}
	if updateCheckOnly {
		fmt.Printf("Update available: %s -> %s\n", version, latest)
		return nil
	}

	exe, err := updater.CurrentExecutable()
	if err != nil {
		return fmt.Errorf("locating current binary: %w", err)
	}
	fmt.Printf("Updating %s -> %s\n", version, latest)
	if err := u.Install(cmd.Context(), latest, exe); err != nil {
		return err
	}
	fmt.Printf("Installed %s at %s\n", latest, exe)
	return nil
}
