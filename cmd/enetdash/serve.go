package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/enetdash/internal/dtc"
	"github.com/shaunagostinho/enetdash/internal/ecu"
	"github.com/shaunagostinho/enetdash/internal/server"
	"github.com/shaunagostinho/enetdash/internal/telemetry"
	"github.com/shaunagostinho/enetdash/web"
)

var (
	serveListen string
	serveDemo   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dashboard web server",
	Long: `Start the engine, the HTTP/WebSocket dashboard and, when enabled, the
MQTT publisher and CSV logger.

With auto_connect set (or an address given on the command line) the adapter
is connected at startup, retrying with backoff. --demo starts a simulated
adapter on the loopback interface and connects to it.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Override listen address (e.g. :8080)")
	serveCmd.Flags().BoolVar(&serveDemo, "demo", false, "Run against a simulated adapter")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if serveListen != "" {
		cfg.Server.ListenAddr = serveListen
	}
	log.Println("[main] enetdash starting")

	g, ctx := errgroup.WithContext(cmd.Context())

	adapter := cfg.AdapterSettings()
	autoConnect := adapter.AutoConnect || addressFlag != ""

	if serveDemo {
		sim := ecu.NewSimulator()
		if err := sim.Listen("127.0.0.1:0"); err != nil {
			return err
		}
		g.Go(func() error { return sim.Serve(ctx) })
		host, port, err := splitHostPort(sim.Addr())
		if err != nil {
			return err
		}
		adapter.Address, adapter.Port = host, port
		autoConnect = true
	}

	var history *dtc.History
	if cfg.DTC.History != "" {
		h, err := dtc.OpenHistory(cfg.DTC.History)
		if err != nil {
			log.Printf("[dtc] history disabled: %v", err)
		} else {
			history = h
			defer history.Close()
		}
	}

	engine := ecu.New(cfg.EngineConfig(), nil, openDescriber(cfg))
	g.Go(func() error { return engine.Run(ctx) })

	srv := server.New(cfg, engine, history, web.FS)
	g.Go(func() error { return srv.Run(ctx) })

	if cfg.MQTT.Enabled {
		pub := telemetry.NewPublisher(cfg.MQTT, engine)
		pub.OnLayout(srv.PersistLayout)
		g.Go(func() error {
			if err := pub.Connect(); err != nil {
				// the dashboard keeps running without telemetry
				log.Printf("[mqtt] %v", err)
				return nil
			}
			return pub.Run(ctx)
		})
	}

	if autoConnect && adapter.Address != "" {
		g.Go(func() error {
			err := connectWithRetry(ctx, engine, adapter.Address, adapter.Port, time.Duration(adapter.ConnectTimeoutMs)*time.Millisecond)
			if err != nil && ctx.Err() == nil {
				log.Printf("[conn] giving up on %s: %v", adapter.Address, err)
			}
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Println("[main] stopped")
	return err
}
