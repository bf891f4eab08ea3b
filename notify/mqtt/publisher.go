package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/runtime/activity"
)

const (
	defaultTopicPrefix = "scopectl"
	defaultClientID    = "scopectl"
	publishTimeout     = 5 * time.Second
)

// Publisher forwards instrument changes and task transitions to MQTT as JSON.
//
// Topics are <prefix>/instruments/<id>/changes and <prefix>/sources/<id>/tasks.
type Publisher struct {
	client pahomqtt.Client
	prefix string
	qos    byte
	retain bool
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New connects to the configured broker.
func New(cfg config.NotifyConfig, logger zerolog.Logger) (*Publisher, error) {
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", cfg.QoS)
	}
	logger = logger.With().Str("component", "mqtt_notify").Str("broker", cfg.Broker).Logger()
	client, err := buildClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	return &Publisher{client: client, prefix: prefix, qos: cfg.QoS, retain: cfg.Retain, logger: logger}, nil
}

// buildClient constructs a configured MQTT client and establishes the initial connection.
func buildClient(cfg config.NotifyConfig, logger zerolog.Logger) (pahomqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker address is required")
	}
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = defaultClientID
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt: connection lost")
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		logger.Info().Msg("mqtt: reconnecting")
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, fmt.Errorf("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect failed: %w", err)
	}
	return client, nil
}

// ChangeTopic returns the topic used for an instrument's change events.
func (p *Publisher) ChangeTopic(instrument string) string {
	return p.prefix + "/instruments/" + instrument + "/changes"
}

// TaskTopic returns the topic used for a hardware source's task events.
func (p *Publisher) TaskTopic(source string) string {
	return p.prefix + "/sources/" + source + "/tasks"
}

// InstrumentChanged publishes ev on the instrument's change topic.
func (p *Publisher) InstrumentChanged(ev activity.ChangeEvent) {
	p.publish(p.ChangeTopic(ev.Instrument), ev)
}

// TaskTransition publishes ev on the source's task topic.
func (p *Publisher) TaskTransition(ev activity.TaskEvent) {
	p.publish(p.TaskTopic(ev.Source), ev)
}

func (p *Publisher) publish(topic string, payload interface{}) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("encode notification")
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	token := p.client.Publish(topic, p.qos, p.retain, encoded)
	go func() {
		defer p.wg.Done()
		if !token.WaitTimeout(publishTimeout) {
			p.logger.Warn().Str("topic", topic).Msg("mqtt: publish timeout")
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Error().Err(err).Str("topic", topic).Msg("mqtt: publish failed")
		}
	}()
}

// Close waits for pending publishes and disconnects.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	p.client.Disconnect(250)
	return nil
}
