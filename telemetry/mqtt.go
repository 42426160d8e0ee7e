package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tsawler/go-vjepa/training"
)

const publishTimeout = 2 * time.Second

// Client is the subset of mqtt.Client the emitter needs.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// MQTTEmitter publishes epoch metrics as JSON to <prefix>/<run id>/epochs
// and the run summary, retained, to <prefix>/<run id>/summary.
type MQTTEmitter struct {
	client Client
	cfg    MQTTConfig
	runID  string
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	published map[string]uint64
	errors    uint64
}

// NewMQTTEmitter wraps an already connected client.
func NewMQTTEmitter(client Client, cfg MQTTConfig, runID string, logger *slog.Logger) *MQTTEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTEmitter{
		client:    client,
		cfg:       cfg,
		runID:     runID,
		logger:    logger,
		now:       time.Now,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to the broker and returns an emitter
// using it.
func Connect(ctx context.Context, cfg MQTTConfig, runID string, logger *slog.Logger) (*MQTTEmitter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.ClientID, runID))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("telemetry: mqtt connection lost, will auto-reconnect", "error", err, "broker", cfg.Broker)
	}

	client := mqtt.NewClient(opts)
	logger.Info("telemetry: connecting to mqtt broker", "broker", cfg.Broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return NewMQTTEmitter(client, cfg, runID, logger), nil
}

// Topic returns the topic for one kind of event.
func (e *MQTTEmitter) Topic(kind string) string {
	return fmt.Sprintf("%s/%s/%s", e.cfg.TopicPrefix, e.runID, kind)
}

func (e *MQTTEmitter) ObserveEpoch(ctx context.Context, m training.EpochMetrics) error {
	return e.publish(ctx, e.Topic("epochs"), false, EpochEvent{RunID: e.runID, Timestamp: e.now(), EpochMetrics: m})
}

func (e *MQTTEmitter) PublishSummary(ctx context.Context, s training.Summary) error {
	return e.publish(ctx, e.Topic("summary"), true, SummaryEvent{RunID: e.runID, Timestamp: e.now(), Summary: s})
}

func (e *MQTTEmitter) publish(ctx context.Context, topic string, retained bool, event any) error {
	if !e.client.IsConnected() {
		e.countError()
		return errors.New("mqtt not connected")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := e.client.Publish(topic, e.cfg.QoS, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		e.countError()
		return ctx.Err()
	case <-time.After(publishTimeout):
		e.countError()
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	e.logger.Debug("telemetry: published", "topic", topic, "size", len(payload))
	return nil
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// Close disconnects from the broker.
func (e *MQTTEmitter) Close() error {
	if e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("telemetry: mqtt disconnected")
	}
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Published: published, Errors: e.errors}
}

// Stats contains emitter statistics
type Stats struct {
	Published map[string]uint64
	Errors    uint64
}
