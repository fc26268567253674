// Package emitter publishes recognition results to an MQTT broker as msgpack messages.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andresmejia3/facewatch/internal/pipeline"
	"github.com/andresmejia3/facewatch/internal/types"
)

// ErrNotConnected is returned by Publish while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt not connected")

// Config selects the broker and topic.
type Config struct {
	// Broker is host:port.
	Broker   string
	ClientID string
	// Topic is the prefix; results go to <Topic>/results and identified faces also to
	// <Topic>/identified.
	Topic string
	QoS   byte
}

// Message is the wire payload of one recognition run.
type Message struct {
	Fingerprint string       `msgpack:"fingerprint"`
	At          time.Time    `msgpack:"at"`
	DurationMs  int64        `msgpack:"duration_ms"`
	Faces       int          `msgpack:"faces"`
	Matches     types.Result `msgpack:"matches"`
}

// MQTTEmitter publishes recognition events to an MQTT broker.
type MQTTEmitter struct {
	cfg    Config
	log    zerolog.Logger
	Client mqtt.Client

	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

func New(cfg Config, log zerolog.Logger) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		log:       log,
		newClient: mqtt.NewClient,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to the broker. The client reconnects on its own afterwards.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.log.Info().Str("broker", e.cfg.Broker).Str("client_id", e.cfg.ClientID).Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.log.Warn().Err(err).Str("broker", e.cfg.Broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	e.Client = e.newClient(opts)
	e.log.Info().Str("broker", e.cfg.Broker).Msg("connecting to mqtt broker")

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Publish sends one event. Runs with identified faces are also sent to the identified topic.
func (e *MQTTEmitter) Publish(ev pipeline.Event) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	msg := Message{
		Fingerprint: ev.Fingerprint.String(),
		At:          ev.At,
		DurationMs:  ev.Duration.Milliseconds(),
		Faces:       len(ev.Result),
		Matches:     ev.Result,
	}
	payload, err := msgpack.Marshal(&msg)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := e.send(e.cfg.Topic+"/results", payload); err != nil {
		return err
	}

	if identified := ev.Result.Identified(); len(identified) > 0 {
		msg.Matches = identified
		payload, err := msgpack.Marshal(&msg)
		if err != nil {
			e.countError()
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		return e.send(e.cfg.Topic+"/identified", payload)
	}
	return nil
}

func (e *MQTTEmitter) send(topic string, payload []byte) error {
	token := e.Client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.log.Debug().Str("topic", topic).Int("size", len(payload)).Msg("result published")
	return nil
}

// Hook adapts Publish to pipeline.WithResultHook. Failures are logged, not returned.
func (e *MQTTEmitter) Hook(ev pipeline.Event) {
	if err := e.Publish(ev); err != nil {
		e.log.Warn().Err(err).Str("fingerprint", ev.Fingerprint.Short()).Str("stage", "emit").Msg("failed to publish result")
	}
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		e.log.Info().Msg("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
