// Package mqtt forwards live detection events to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"livecam/internal/config"
	"livecam/internal/pipeline"
)

// ErrNotConnected is returned when publishing while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt not connected")

// client is the subset of paho.Client the publisher needs.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Publisher publishes one JSON message per detection event on
// <topic>/<camera_index>.
type Publisher struct {
	client         client
	topic          string
	publishTimeout time.Duration
	logger         *zap.Logger

	mu        sync.Mutex
	published uint64
	failures  uint64
}

// Stats reports publish counters.
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Failures  uint64 `json:"failures"`
}

// Connect dials the broker described by cfg.
func Connect(ctx context.Context, cfg config.MQTTConfig, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)

	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(paho.Client) {
		logger.Info("mqtt connection established", zap.String("broker", broker))
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", zap.String("broker", broker), zap.Error(err))
	}

	c := paho.NewClient(opts)
	logger.Info("connecting to mqtt broker", zap.String("broker", broker))

	token := c.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("mqtt connection timeout: %s", broker)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return newPublisher(c, cfg.Topic, logger), nil
}

func newPublisher(c client, topic string, logger *zap.Logger) *Publisher {
	return &Publisher{client: c, topic: topic, publishTimeout: 2 * time.Second, logger: logger}
}

// Publish sends one event at QoS 0.
func (p *Publisher) Publish(e *pipeline.DetectionEvent) error {
	if !p.client.IsConnected() {
		p.fail()
		return ErrNotConnected
	}

	payload, err := json.Marshal(e)
	if err != nil {
		p.fail()
		return fmt.Errorf("marshal detection event: %w", err)
	}

	topic := fmt.Sprintf("%s/%d", p.topic, e.CameraIndex)
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(p.publishTimeout) {
		p.fail()
		return fmt.Errorf("publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		p.fail()
		return fmt.Errorf("publish failed: %w", err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	p.logger.Debug("detection event published", zap.String("topic", topic), zap.Int("size", len(payload)))
	return nil
}

func (p *Publisher) fail() {
	p.mu.Lock()
	p.failures++
	p.mu.Unlock()
}

// Run forwards events from the bus until ctx is done. Publishing happens
// off the live loop; events are dropped when the broker falls behind.
func (p *Publisher) Run(ctx context.Context, bus *pipeline.EventBus) {
	events, unsubscribe := bus.SubscribeChannel(32)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := p.Publish(e); err != nil {
				p.logger.Warn("mqtt publish failed", zap.Uint64("seq", e.FrameSeq), zap.Error(err))
			}
		}
	}
}

// Stats returns the publish counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Connected: p.client.IsConnected(), Published: p.published, Failures: p.failures}
}

// Close disconnects with a short grace period.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("mqtt disconnected")
	}
}
