package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/enetdash/internal/dtc"
	"github.com/shaunagostinho/enetdash/internal/ecu"
	"github.com/shaunagostinho/enetdash/internal/server"
)

var (
	configPath  string
	addressFlag string
	portFlag    int
)

var rootCmd = &cobra.Command{
	Use:   "enetdash",
	Short: "BMW ENET live gauge dashboard",
	Long: `enetdash talks DoIP/UDS to a BMW ENET cable and turns a handful of DME
readings into a two-gauge dashboard.

The adapter address comes from --address, the ENET_ADDRESS environment
variable, or the config file, in that order.`,
	Version:       "0.4.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", server.DefaultConfigPath, "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&addressFlag, "address", "a", "", "Adapter IP address")
	rootCmd.PersistentFlags().IntVarP(&portFlag, "port", "p", 0, "Adapter TCP port")
}

// loadConfig reads the config file and applies the global flags on top.
func loadConfig() *server.Config {
	cfg := server.LoadConfig(configPath)
	if addressFlag != "" {
		cfg.Adapter.Address = addressFlag
	}
	if portFlag > 0 {
		cfg.Adapter.Port = portFlag
	}
	return cfg
}

// openDescriber loads the optional DTC description file. A missing or broken
// file only costs the descriptions.
func openDescriber(cfg *server.Config) dtc.Describer {
	if cfg.DTC.Descriptions == "" {
		return nil
	}
	db, err := dtc.LoadDatabase(cfg.DTC.Descriptions)
	if err != nil {
		log.Printf("[dtc] %v", err)
		return nil
	}
	return db
}

func splitHostPort(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("bad port in %q: %w", addr, err)
	}
	return host, port, nil
}

// connectWithRetry keeps trying to open a session with exponential backoff,
// from 1s up to 60s between attempts, until it succeeds or ctx ends.
func connectWithRetry(ctx context.Context, engine *ecu.Engine, address string, port int, timeout time.Duration) error {
	return retry.Do(func() error {
		return engine.Connect(ctx, address, port, timeout)
	},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(time.Second),
		retry.MaxDelay(60*time.Second),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ecu.ErrStopped) && !errors.Is(err, context.Canceled)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Printf("[conn] connect attempt %d to %s failed: %v", n+1, address, err)
		}),
	)
}
