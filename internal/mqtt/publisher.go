// Package mqtt publishes vacuum state to a local broker and accepts
// simple commands back. Entirely optional; the bridge works without a
// broker configured.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/jtarrant/robovac-bridge/internal/bridge"
	"github.com/jtarrant/robovac-bridge/internal/config"
)

const connectTimeout = 10 * time.Second

// Publisher mirrors adapter state onto `<prefix>/<device>/state` and
// maps `<prefix>/<device>/set` messages to adapter writes.
type Publisher struct {
	client   mqtt.Client
	adapter  *bridge.Adapter
	log      zerolog.Logger
	interval time.Duration

	stateTopic   string
	commandTopic string
}

type statePayload struct {
	Cleaning   bool `json:"cleaning"`
	Battery    int  `json:"battery"`
	Charging   bool `json:"charging"`
	LowBattery bool `json:"low_battery"`
	FindRobot  bool `json:"find_robot"`
	Error      bool `json:"error"`
}

type commandPayload struct {
	Clean  *bool `json:"clean,omitempty"`
	Locate *bool `json:"locate,omitempty"`
}

func NewPublisher(cfg *config.MQTTConfig, deviceID string, adapter *bridge.Adapter, log zerolog.Logger) (*Publisher, error) {
	p := &Publisher{
		adapter:      adapter,
		log:          log,
		interval:     time.Duration(cfg.IntervalSeconds) * time.Second,
		stateTopic:   fmt.Sprintf("%s/%s/state", cfg.TopicPrefix, deviceID),
		commandTopic: fmt.Sprintf("%s/%s/set", cfg.TopicPrefix, deviceID),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetClientID("robovac-bridge-" + deviceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.OnConnect = func(client mqtt.Client) {
		if token := client.Subscribe(p.commandTopic, 0, p.handleCommand); token.Wait() && token.Error() != nil {
			p.log.Error().Err(token.Error()).Str("topic", p.commandTopic).Msg("mqtt subscribe failed")
		}
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	p.client = client
	return p, nil
}

// Run publishes state on the configured interval until the context is
// cancelled, then disconnects.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.publishState()
	for {
		select {
		case <-ctx.Done():
			p.client.Disconnect(250)
			return
		case <-ticker.C:
			p.publishState()
		}
	}
}

func (p *Publisher) publishState() {
	payload, err := json.Marshal(statePayload{
		Cleaning:   p.adapter.CleanState(),
		Battery:    p.adapter.BatteryLevel(),
		Charging:   p.adapter.ChargingState(),
		LowBattery: p.adapter.LowBattery(),
		FindRobot:  p.adapter.FindRobot(),
		Error:      p.adapter.ErrorDetected(),
	})
	if err != nil {
		p.log.Error().Err(err).Msg("marshal state payload")
		return
	}
	if token := p.client.Publish(p.stateTopic, 0, true, payload); token.Wait() && token.Error() != nil {
		p.log.Warn().Err(token.Error()).Str("topic", p.stateTopic).Msg("mqtt publish failed")
	}
}

func (p *Publisher) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	if err := p.applyCommand(msg.Payload()); err != nil {
		p.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("invalid command payload")
		return
	}
	p.publishState()
}

func (p *Publisher) applyCommand(payload []byte) error {
	var cmd commandPayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return err
	}
	if cmd.Clean != nil {
		if err := p.adapter.SetCleanState(*cmd.Clean); err != nil {
			p.log.Warn().Err(err).Bool("clean", *cmd.Clean).Msg("set clean state failed")
		}
	}
	if cmd.Locate != nil {
		if err := p.adapter.SetFindRobot(*cmd.Locate); err != nil {
			p.log.Warn().Err(err).Bool("locate", *cmd.Locate).Msg("set find robot failed")
		}
	}
	return nil
}
