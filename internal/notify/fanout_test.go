package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yolocam/internal/pipeline"
)

type fakeSink struct {
	name    string
	block   chan struct{}
	failing bool

	mu       sync.Mutex
	payloads []string
	closed   int
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Publish(payload string) error {
	if s.block != nil {
		<-s.block
	}
	if s.failing {
		return errors.New("sink down")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payloads...)
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	f := NewFanout(4, zap.NewNop())
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b"}
	require.NoError(t, f.Add(a))
	require.NoError(t, f.Add(b))

	require.NoError(t, f.OnDetections("one"))
	require.NoError(t, f.OnDetections("two"))
	require.NoError(t, f.Close())

	assert.Equal(t, []string{"one", "two"}, a.received())
	assert.Equal(t, []string{"one", "two"}, b.received())
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, SinkStats{Sent: 2}, f.Stats()["b"])
}

func TestFanoutDropsWhenSinkIsSlow(t *testing.T) {
	f := NewFanout(1, nil)
	slow := &fakeSink{name: "slow", block: make(chan struct{})}
	require.NoError(t, f.Add(slow))

	// First payload is taken by the goroutine (blocked), second fills the buffer
	require.NoError(t, f.OnDetections("1"))
	require.Eventually(t, func() bool {
		_ = f.OnDetections("x")
		return f.Stats()["slow"].Dropped > 0
	}, time.Second, time.Millisecond)

	close(slow.block)
	require.NoError(t, f.Close())
	stats := f.Stats()["slow"]
	assert.NotZero(t, stats.Dropped)
	assert.Equal(t, uint64(len(slow.received())), stats.Sent)
}

func TestFanoutCountsSinkErrors(t *testing.T) {
	f := NewFanout(2, zap.NewNop())
	require.NoError(t, f.Add(&fakeSink{name: "down", failing: true}))
	require.NoError(t, f.OnDetections("p"))
	require.NoError(t, f.Close())
	assert.Equal(t, SinkStats{Errors: 1}, f.Stats()["down"])
}

func TestFanoutAfterClose(t *testing.T) {
	f := NewFanout(2, zap.NewNop())
	sink := &fakeSink{name: "a"}
	require.NoError(t, f.Add(sink))
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	assert.ErrorIs(t, f.OnDetections("late"), ErrFanoutClosed)
	assert.ErrorIs(t, f.Add(&fakeSink{name: "b"}), ErrFanoutClosed)
	assert.Equal(t, 1, sink.closed)
}

func TestFanoutHandleReleasedByBridge(t *testing.T) {
	f := NewFanout(2, zap.NewNop())
	sink := &fakeSink{name: "a"}
	require.NoError(t, f.Add(sink))

	bridge := pipeline.NewCallbackBridge(nil, zap.NewNop())
	bridge.RegisterListener(f.Handle())
	bridge.Notify(`[{"label":1}]`)
	bridge.Close()

	assert.Equal(t, []string{`[{"label":1}]`}, sink.received())
	assert.Equal(t, 1, sink.closed)
	delivered, failed := bridge.Counts()
	assert.Equal(t, uint64(1), delivered)
	assert.Zero(t, failed)
}

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type publishedMessage struct {
	topic   string
	qos     byte
	payload interface{}
}

type fakeMQTTClient struct {
	mqtt.Client
	open        bool
	err         error
	published   []publishedMessage
	disconnects int
}

func (c *fakeMQTTClient) IsConnected() bool      { return c.open }
func (c *fakeMQTTClient) IsConnectionOpen() bool { return c.open }
func (c *fakeMQTTClient) Disconnect(uint)        { c.disconnects++; c.open = false }

func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.published = append(c.published, publishedMessage{topic: topic, qos: qos, payload: payload})
	return &fakeToken{err: c.err}
}

func TestMQTTSinkPublish(t *testing.T) {
	client := &fakeMQTTClient{open: true}
	sink := newMQTTSink(MQTTConfig{Topic: "cams/front", QoS: 1}, client, zap.NewNop())

	require.NoError(t, sink.Publish(`[]`))
	require.Len(t, client.published, 1)
	assert.Equal(t, publishedMessage{topic: "cams/front", qos: 1, payload: `[]`}, client.published[0])

	client.err = errors.New("broker rejected")
	assert.ErrorContains(t, sink.Publish(`[]`), "broker rejected")

	require.NoError(t, sink.Close())
	assert.Equal(t, 1, client.disconnects)
	assert.Error(t, sink.Publish(`[]`), "publishing while disconnected fails")
	assert.Equal(t, "mqtt", sink.Name())
}

func TestRedisSinkUnreachable(t *testing.T) {
	_, err := NewRedisSink(context.Background(), RedisConfig{Addr: "127.0.0.1:1", Timeout: 200 * time.Millisecond}, zap.NewNop())
	assert.Error(t, err)
}
