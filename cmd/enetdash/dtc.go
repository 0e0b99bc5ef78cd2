package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/enetdash/internal/dtc"
	"github.com/shaunagostinho/enetdash/internal/ecu"
)

var dtcTimeout time.Duration

var dtcCmd = &cobra.Command{
	Use:   "dtc",
	Short: "Read or clear DME trouble codes",
}

var dtcReadCmd = &cobra.Command{
	Use:   "read",
	Short: "Print the stored trouble codes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDTC(cmd.Context(), false)
	},
}

var dtcClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Erase the stored trouble codes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDTC(cmd.Context(), true)
	},
}

func init() {
	rootCmd.AddCommand(dtcCmd)
	dtcCmd.AddCommand(dtcReadCmd, dtcClearCmd)
	dtcCmd.PersistentFlags().DurationVarP(&dtcTimeout, "timeout", "t", 10*time.Second, "Overall timeout")
}

func runDTC(parent context.Context, clear bool) error {
	cfg := loadConfig()
	a := cfg.AdapterSettings()
	if a.Address == "" {
		return exitWith(2, errors.New("no adapter address configured"))
	}

	ctx, cancel := context.WithTimeout(parent, dtcTimeout)
	defer cancel()

	engine := ecu.New(cfg.EngineConfig(), nil, openDescriber(cfg))
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	events, unsubscribe := engine.Subscribe(64)
	defer unsubscribe()

	if err := engine.Connect(ctx, a.Address, a.Port, time.Duration(a.ConnectTimeoutMs)*time.Millisecond); err != nil {
		return exitWith(2, err)
	}

	var err error
	if clear {
		err = engine.ClearDTC(ctx)
	} else {
		err = engine.ReadDTC(ctx)
	}
	if err != nil {
		return exitWith(1, err)
	}

	for {
		select {
		case <-ctx.Done():
			return exitWith(1, errors.New("no answer from the DME"))
		case ev, ok := <-events:
			if !ok {
				return exitWith(1, ecu.ErrStopped)
			}
			d, ok := ev.(ecu.DtcListUpdated)
			if !ok {
				continue
			}
			if clear {
				fmt.Println("Trouble codes cleared.")
				return nil
			}
			printCodes(d.Codes)
			return nil
		}
	}
}

func printCodes(codes []dtc.Record) {
	if len(codes) == 0 {
		fmt.Println("No trouble codes stored.")
		return
	}
	fmt.Printf("%d trouble code(s):\n", len(codes))
	for _, r := range codes {
		if r.Description != "" {
			fmt.Printf("  %s  %s\n", r.Code, r.Description)
		} else {
			fmt.Printf("  %s\n", r.Code)
		}
	}
}
