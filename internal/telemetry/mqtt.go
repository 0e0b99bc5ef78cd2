// Package telemetry publishes engine snapshots and trouble codes to an MQTT
// broker and accepts a few remote commands.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/shaunagostinho/enetdash/internal/dtc"
	"github.com/shaunagostinho/enetdash/internal/ecu"
)

const (
	DefaultBroker   = "tcp://localhost:1883"
	DefaultClientID = "enetdash"
	DefaultTopic    = "enetdash/telemetry"
	DefaultInterval = time.Second

	publishTimeout = 2 * time.Second
	commandTimeout = 5 * time.Second
)

type Config struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Broker       string `yaml:"broker" json:"broker"`
	ClientID     string `yaml:"client_id" json:"clientId"`
	Username     string `yaml:"username" json:"username"`
	Password     string `yaml:"password" json:"-"`
	Topic        string `yaml:"topic" json:"topic"`
	DTCTopic     string `yaml:"dtc_topic" json:"dtcTopic"`
	CommandTopic string `yaml:"command_topic" json:"commandTopic"`
	IntervalMs   int    `yaml:"interval_ms" json:"intervalMs"`
}

func (c Config) withDefaults() Config {
	if c.Broker == "" {
		c.Broker = DefaultBroker
	}
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.DTCTopic == "" {
		c.DTCTopic = c.Topic + "/dtc"
	}
	return c
}

func (c Config) interval() time.Duration {
	if c.IntervalMs <= 0 {
		return DefaultInterval
	}
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Engine is the part of ecu.Engine the publisher needs.
type Engine interface {
	Snapshot() ecu.Snapshot
	Subscribe(buffer int) (<-chan ecu.Event, func())
	ReadDTC(ctx context.Context) error
	ClearDTC(ctx context.Context) error
	ApplyPreset(ctx context.Context, name string) (ecu.DashboardLayout, error)
}

// Command is a remote request received on the command topic.
type Command struct {
	Type   string `json:"type"` // "read_dtc", "clear_dtc" or "preset"
	Preset string `json:"preset,omitempty"`
}

var ErrUnknownCommand = errors.New("telemetry: unknown command")

// DTCMessage is published whenever the trouble code list changes.
type DTCMessage struct {
	Codes   []dtc.Record `json:"codes"`
	Cleared bool         `json:"cleared"`
	VIN     string       `json:"vin,omitempty"`
	Stamp   time.Time    `json:"stamp"`
}

type Publisher struct {
	cfg      Config
	engine   Engine
	client   mqtt.Client
	onLayout func(ecu.DashboardLayout)
}

func NewPublisher(cfg Config, engine Engine) *Publisher {
	return &Publisher{cfg: cfg.withDefaults(), engine: engine}
}

// OnLayout registers fn to receive the layout after a remote preset change.
func (p *Publisher) OnLayout(fn func(ecu.DashboardLayout)) {
	p.onLayout = fn
}

// Connect establishes the broker session. paho reconnects on its own after
// that.
func (p *Publisher) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Printf("[mqtt] connected to %s", p.cfg.Broker)
		p.subscribeCommands(client)
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("[mqtt] connection lost: %v", err)
	})

	p.client = mqtt.NewClient(opts)
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", p.cfg.Broker, token.Error())
	}
	return nil
}

// Run publishes a snapshot every interval and the DTC list on every change
// until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	if p.client == nil {
		return errors.New("telemetry: not connected")
	}
	defer p.client.Disconnect(250)

	events, cancel := p.engine.Subscribe(32)
	defer cancel()

	ticker := time.NewTicker(p.cfg.interval())
	defer ticker.Stop()

	log.Printf("[mqtt] publishing to %s every %v", p.cfg.Topic, p.cfg.interval())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := p.engine.Snapshot()
			if !snap.State.Online() {
				continue
			}
			p.publish(p.cfg.Topic, false, snap)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if msg, ok := dtcMessage(ev, p.engine.Snapshot()); ok {
				p.publish(p.cfg.DTCTopic, true, msg)
			}
		}
	}
}

func dtcMessage(ev ecu.Event, snap ecu.Snapshot) (DTCMessage, bool) {
	d, ok := ev.(ecu.DtcListUpdated)
	if !ok {
		return DTCMessage{}, false
	}
	codes := d.Codes
	if codes == nil {
		codes = []dtc.Record{}
	}
	return DTCMessage{Codes: codes, Cleared: d.Cleared, VIN: snap.Identity.VIN, Stamp: d.At}, true
}

func (p *Publisher) publish(topic string, retained bool, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[mqtt] marshal for %s: %v", topic, err)
		return
	}
	token := p.client.Publish(topic, 0, retained, data)
	if !token.WaitTimeout(publishTimeout) {
		log.Printf("[mqtt] publish to %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("[mqtt] publish to %s: %v", topic, err)
	}
}

func (p *Publisher) subscribeCommands(client mqtt.Client) {
	topic := p.cfg.CommandTopic
	if topic == "" {
		return
	}
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := p.Dispatch(ctx, msg.Payload()); err != nil {
			log.Printf("[mqtt] command on %s: %v", msg.Topic(), err)
		}
	})
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			log.Printf("[mqtt] subscribe %s: %v", topic, err)
			return
		}
		log.Printf("[mqtt] listening for commands on %s", topic)
	}()
}

// Dispatch decodes and executes one command payload.
func (p *Publisher) Dispatch(ctx context.Context, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	log.Printf("[mqtt] command %q", cmd.Type)
	switch cmd.Type {
	case "read_dtc":
		return p.engine.ReadDTC(ctx)
	case "clear_dtc":
		return p.engine.ClearDTC(ctx)
	case "preset":
		layout, err := p.engine.ApplyPreset(ctx, cmd.Preset)
		if err != nil {
			return err
		}
		if p.onLayout != nil {
			p.onLayout(layout)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
}
