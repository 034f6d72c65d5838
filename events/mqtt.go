package events

import (
	"fmt"
	"strings"
	"time"

	"atallasim/internal/ratelimit"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MQTTOptions configures the MQTT event tap.
type MQTTOptions struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// ConnectMQTT dials the broker and waits for the connection.
func ConnectMQTT(opts MQTTOptions) (mqtt.Client, error) {
	if strings.TrimSpace(opts.Broker) == "" {
		return nil, fmt.Errorf("mqtt broker is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectTimeout(opts.Timeout)
	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(opts.Timeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", opts.Broker, err)
	}
	return client, nil
}

// MQTTPublisher publishes each event as JSON to <prefix>/<kind>. Publishing
// is asynchronous; failures are logged at most once per interval.
type MQTTPublisher struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
	logger  zerolog.Logger
	failLog ratelimit.Counter
}

func NewMQTTPublisher(client mqtt.Client, opts MQTTOptions, logger zerolog.Logger) *MQTTPublisher {
	prefix := strings.TrimSuffix(strings.TrimSpace(opts.TopicPrefix), "/")
	if prefix == "" {
		prefix = "atallasim/events"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTPublisher{
		client:  client,
		prefix:  prefix,
		qos:     opts.QoS,
		timeout: timeout,
		logger:  logger,
		failLog: ratelimit.NewCounter(time.Minute),
	}
}

// Topic returns the topic an event kind is published on.
func (p *MQTTPublisher) Topic(kind Kind) string {
	return p.prefix + "/" + string(kind)
}

func (p *MQTTPublisher) Observe(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.reportFailure(err)
		return
	}
	token := p.client.Publish(p.Topic(ev.Kind), p.qos, false, payload)
	go func() {
		if !token.WaitTimeout(p.timeout) {
			p.reportFailure(fmt.Errorf("publish timed out after %s", p.timeout))
			return
		}
		if err := token.Error(); err != nil {
			p.reportFailure(err)
		}
	}()
}

// Close disconnects from the broker, allowing in-flight publishes 250ms.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

func (p *MQTTPublisher) reportFailure(err error) {
	if total, ok := p.failLog.Inc(); ok {
		p.logger.Warn().Err(err).Uint64("failures", total).Msg("mqtt event publish failed")
	}
}
