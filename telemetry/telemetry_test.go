package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-vjepa/training"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newToken(err error, complete bool) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	connected    bool
	publishErr   error
	hang         bool
	messages     []message
	disconnected bool
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.messages = append(c.messages, message{topic, qos, retained, payload.([]byte)})
	return newToken(c.publishErr, !c.hang)
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.disconnected = true
	c.connected = false
}

var _ Client = (*fakeClient)(nil)

func testEmitter(client *fakeClient) *MQTTEmitter {
	e := NewMQTTEmitter(client, MQTTConfig{TopicPrefix: "vjepa/runs", QoS: 1}, "run-42", slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	e.now = func() time.Time { return time.Date(2024, 3, 1, 14, 5, 9, 0, time.UTC) }
	return e
}

func TestMQTTEmitterPublishesEpochs(t *testing.T) {
	client := &fakeClient{connected: true}
	e := testEmitter(client)

	m := training.EpochMetrics{Epoch: 2, Mode: "supervised", TrainLoss: 0.5, ValAccuracy: 0.75, HasValidation: true, BestAccuracy: 0.75, Improved: true}
	require.NoError(t, e.ObserveEpoch(context.Background(), m))

	require.Len(t, client.messages, 1)
	msg := client.messages[0]
	assert.Equal(t, "vjepa/runs/run-42/epochs", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.False(t, msg.retained)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, "run-42", got["run_id"])
	assert.Equal(t, "supervised", got["mode"])
	assert.Equal(t, 2.0, got["epoch"])
	assert.Equal(t, 0.75, got["val_accuracy"])
	assert.Equal(t, "2024-03-01T14:05:09Z", got["timestamp"])

	assert.Equal(t, uint64(1), e.Stats().Published["vjepa/runs/run-42/epochs"])
}

func TestMQTTEmitterSummaryIsRetained(t *testing.T) {
	client := &fakeClient{connected: true}
	e := testEmitter(client)

	require.NoError(t, e.PublishSummary(context.Background(), training.Summary{Mode: "self-supervised", Epochs: 3, WeightsPath: "model/pretrain.json"}))
	require.Len(t, client.messages, 1)
	assert.Equal(t, "vjepa/runs/run-42/summary", client.messages[0].topic)
	assert.True(t, client.messages[0].retained)

	var got SummaryEvent
	require.NoError(t, json.Unmarshal(client.messages[0].payload, &got))
	assert.Equal(t, 3, got.Epochs)
	assert.Equal(t, "model/pretrain.json", got.WeightsPath)
}

func TestMQTTEmitterErrors(t *testing.T) {
	ctx := context.Background()

	e := testEmitter(&fakeClient{connected: false})
	assert.Error(t, e.ObserveEpoch(ctx, training.EpochMetrics{}))
	assert.Equal(t, uint64(1), e.Stats().Errors)

	e = testEmitter(&fakeClient{connected: true, publishErr: errors.New("broker said no")})
	err := e.ObserveEpoch(ctx, training.EpochMetrics{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker said no")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	e = testEmitter(&fakeClient{connected: true, hang: true})
	assert.ErrorIs(t, e.ObserveEpoch(cancelled, training.EpochMetrics{}), context.Canceled)
	assert.Empty(t, e.Stats().Published)
}

func TestMQTTEmitterClose(t *testing.T) {
	client := &fakeClient{connected: true}
	require.NoError(t, testEmitter(client).Close())
	assert.True(t, client.disconnected)
}

type recordingEmitter struct {
	epochs  int
	summary bool
	closed  bool
	err     error
}

func (r *recordingEmitter) ObserveEpoch(ctx context.Context, m training.EpochMetrics) error {
	r.epochs++
	return r.err
}
func (r *recordingEmitter) PublishSummary(ctx context.Context, s training.Summary) error {
	r.summary = true
	return r.err
}
func (r *recordingEmitter) Close() error { r.closed = true; return r.err }

func TestFanoutReachesEveryEmitter(t *testing.T) {
	failing := &recordingEmitter{err: errors.New("down")}
	ok := &recordingEmitter{}
	f := Fanout{failing, ok}

	assert.Error(t, f.ObserveEpoch(context.Background(), training.EpochMetrics{}))
	assert.Error(t, f.PublishSummary(context.Background(), training.Summary{}))
	assert.Error(t, f.Close())
	assert.Equal(t, 1, ok.epochs)
	assert.True(t, ok.summary)
	assert.True(t, ok.closed)
}

func TestSlogEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewSlogEmitter("run-7", slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	require.NoError(t, e.ObserveEpoch(context.Background(), training.EpochMetrics{Epoch: 1, TrainLoss: 1.5}))
	require.NoError(t, e.PublishSummary(context.Background(), training.Summary{Mode: "supervised", BestAccuracy: 0.9}))
	require.NoError(t, e.Close())

	out := buf.String()
	assert.Contains(t, out, "run_id=run-7")
	assert.Contains(t, out, "epoch=1")
	assert.Contains(t, out, "best_acc=0.9")
}
