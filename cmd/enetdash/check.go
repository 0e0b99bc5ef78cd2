package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/enetdash/internal/ecu"
)

var checkTimeout time.Duration

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Test that the adapter accepts a diagnostic session",
	Long: `Dial the adapter and wait for its routing activation response, without
starting a polling session.

Exit codes:
  0 - adapter answered
  2 - adapter unreachable or silent`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().DurationVarP(&checkTimeout, "timeout", "t", 3*time.Second, "Connect and answer timeout")
}

func runCheck(cmd *cobra.Command, args []string) error {
	a := loadConfig().AdapterSettings()
	if a.Address == "" {
		return exitWith(2, errors.New("no adapter address configured"))
	}
	ok, msg := ecu.TestConnection(cmd.Context(), a.Address, a.Port, checkTimeout)
	if !ok {
		return exitWith(2, errors.New(msg))
	}
	fmt.Println(msg)
	return nil
}
