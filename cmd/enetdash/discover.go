package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/enetdash/internal/doip"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find ENET adapters on the local network",
	Long: `Broadcast a DoIP vehicle identification request and list every adapter
that answers.

Exit codes:
  0 - at least one adapter found
  1 - nothing answered
  2 - the probe could not be sent`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().DurationVarP(&discoverTimeout, "timeout", "t", 2*time.Second, "How long to wait for answers")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	fmt.Printf("Probing for adapters (%v)...\n", discoverTimeout)

	adapters, err := doip.Discover(cmd.Context(), discoverTimeout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return exitWith(2, err)
	}
	if len(adapters) == 0 {
		return exitWith(1, errors.New("no adapters found"))
	}
	for _, a := range adapters {
		fmt.Printf("  %s  (%d byte announcement)\n", a.Address, len(a.Announcement))
	}
	return nil
}
