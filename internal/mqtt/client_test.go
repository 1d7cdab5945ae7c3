package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classwatch/classwatch/internal/dutycycle"
	"github.com/classwatch/classwatch/internal/errors"
	"github.com/classwatch/classwatch/internal/pipeline"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *fakeToken { return &fakeToken{done: make(chan struct{})} }

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

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

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePaho struct {
	mu           sync.Mutex
	connected    bool
	connectTok   paho.Token
	publishTok   func() paho.Token
	messages     []published
	disconnected bool
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePaho) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakePaho) Connect() paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectTok != nil {
		return f.connectTok
	}
	f.connected = true
	return completedToken(nil)
}

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnected = true
}

func (f *fakePaho) Publish(topic string, _ byte, retained bool, payload any) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	f.messages = append(f.messages, published{topic: topic, retained: retained, payload: b})
	if f.publishTok != nil {
		return f.publishTok()
	}
	return completedToken(nil)
}

func (f *fakePaho) Subscribe(string, byte, paho.MessageHandler) paho.Token {
	return completedToken(nil)
}

func (f *fakePaho) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return completedToken(nil)
}

func (f *fakePaho) Unsubscribe(...string) paho.Token        { return completedToken(nil) }
func (f *fakePaho) AddRoute(string, paho.MessageHandler)    {}
func (f *fakePaho) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

func (f *fakePaho) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.messages...)
}

type publishRecorder struct {
	mu        sync.Mutex
	publishes int
	failures  int
	status    []bool
}

func (r *publishRecorder) UpdateConnectionStatus(c bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = append(r.status, c)
}

func (r *publishRecorder) RecordPublish(_ int, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishes++
	if err != nil {
		r.failures++
	}
}

func (r *publishRecorder) IncrementReconnectAttempts() {}

func newTestClient(t *testing.T, fake *fakePaho, rec *publishRecorder) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Topic = "school/room-12/"
	cfg.PublishTimeout = 200 * time.Millisecond
	cfg.ConnectTimeout = 200 * time.Millisecond
	c, err := New(cfg, WithMetrics(rec))
	require.NoError(t, err)
	c.client = fake
	return c
}

func TestNew_RequiresBroker(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Broker: "tcp://broker:1883"})
	require.NoError(t, err)
	assert.Equal(t, "classwatch/events", c.Topic(EventsTopic))
	assert.Contains(t, c.cfg.ClientID, "classwatch-")
	assert.Equal(t, DefaultConfig().PublishTimeout, c.cfg.PublishTimeout)
	assert.False(t, c.IsConnected())
}

func TestClient_TopicPrefix(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, &fakePaho{}, &publishRecorder{})
	assert.Equal(t, "school/room-12/phase", c.Topic("phase"))
	assert.Equal(t, "school/room-12/phase", c.Topic("/phase"))
}

func TestClient_PublishNotConnected(t *testing.T) {
	t.Parallel()

	fake := &fakePaho{}
	rec := &publishRecorder{}
	c := newTestClient(t, fake, rec)

	err := c.Publish(t.Context(), EventsTopic, []byte("{}"), false)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryMQTTConnection))
	assert.Empty(t, fake.sent())
	assert.Equal(t, 1, rec.failures)
}

func TestClient_ConnectAndPublish(t *testing.T) {
	t.Parallel()

	fake := &fakePaho{}
	rec := &publishRecorder{}
	c := newTestClient(t, fake, rec)

	require.NoError(t, c.Connect(t.Context()))
	require.True(t, c.IsConnected())
	require.NoError(t, c.Publish(t.Context(), EventsTopic, []byte(`{"id":"a"}`), false))

	msgs := fake.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "school/room-12/events", msgs[0].topic)
	assert.False(t, msgs[0].retained)
	assert.JSONEq(t, `{"id":"a"}`, string(msgs[0].payload))
	assert.Equal(t, 1, rec.publishes)
	assert.Zero(t, rec.failures)
}

func TestClient_ConnectTimeout(t *testing.T) {
	t.Parallel()

	fake := &fakePaho{connectTok: pendingToken()}
	c := newTestClient(t, fake, &publishRecorder{})

	err := c.Connect(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryMQTTConnection))
}

func TestClient_PublishTimeoutAndCancel(t *testing.T) {
	t.Parallel()

	fake := &fakePaho{connected: true, publishTok: func() paho.Token { return pendingToken() }}
	rec := &publishRecorder{}
	c := newTestClient(t, fake, rec)

	err := c.Publish(t.Context(), EventsTopic, []byte("x"), false)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryMQTTPublish))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err = c.Publish(ctx, EventsTopic, []byte("x"), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, rec.failures)
}

func TestClient_DisconnectPublishesOffline(t *testing.T) {
	t.Parallel()

	fake := &fakePaho{connected: true}
	rec := &publishRecorder{}
	c := newTestClient(t, fake, rec)

	c.Disconnect()

	msgs := fake.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "school/room-12/status", msgs[0].topic)
	assert.True(t, msgs[0].retained)
	assert.Equal(t, statusOffline, string(msgs[0].payload))
	assert.True(t, fake.disconnected)
	assert.Equal(t, []bool{false}, rec.status)

	// no-op once disconnected
	c.Disconnect()
	assert.Len(t, fake.sent(), 1)
}

func TestClient_OnConnectPublishesOnline(t *testing.T) {
	t.Parallel()

	fake := &fakePaho{connected: true}
	rec := &publishRecorder{}
	c := newTestClient(t, fake, rec)

	c.onConnect(fake)

	msgs := fake.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "school/room-12/status", msgs[0].topic)
	assert.Equal(t, statusOnline, string(msgs[0].payload))
	assert.True(t, msgs[0].retained)
	assert.Equal(t, []bool{true}, rec.status)
}

func TestEventSink(t *testing.T) {
	t.Parallel()

	fake := &fakePaho{}
	c := newTestClient(t, fake, &publishRecorder{})
	sink := NewEventSink(c)
	assert.Equal(t, "mqtt", sink.Name())

	ev := pipeline.CaptureEvent{
		ID:             "ev-1",
		Timestamp:      time.Date(2024, 9, 2, 10, 5, 0, 0, time.UTC),
		PeriodID:       "1st-period",
		PeriodInstance: "2024-09-02",
		Trigger:        pipeline.TriggerScheduled,
		FaceCount:      3,
		Present:        true,
		Stored:         true,
		Success:        true,
		FrameRef:       "frames/20240902_1st-period_1.png",
		Duration:       1500 * time.Millisecond,
	}

	// dropped quietly while disconnected
	require.NoError(t, sink.Consume(t.Context(), ev))
	assert.Empty(t, fake.sent())

	require.NoError(t, c.Connect(t.Context()))
	require.NoError(t, sink.Consume(t.Context(), ev))

	msgs := fake.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "school/room-12/events", msgs[0].topic)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.Equal(t, "ev-1", got["id"])
	assert.Equal(t, "2024-09-02T10:05:00Z", got["timestamp"])
	assert.Equal(t, "1st-period", got["period"])
	assert.Equal(t, "scheduled", got["trigger"])
	assert.InDelta(t, 3, got["faces"], 0)
	assert.InDelta(t, 1500, got["duration_ms"], 0.001)
	assert.Equal(t, true, got["stored"])
	assert.NotContains(t, got, "error")
}

func TestPublishPhases(t *testing.T) {
	t.Parallel()

	fake := &fakePaho{connected: true}
	c := newTestClient(t, fake, &publishRecorder{})

	ch := make(chan dutycycle.PhaseChange, 2)
	at := time.Date(2024, 9, 2, 10, 5, 0, 0, time.UTC)
	ch <- dutycycle.PhaseChange{Old: dutycycle.Dormant, New: dutycycle.Active, At: at, PeriodID: "1st-period", Instance: "2024-09-02"}
	ch <- dutycycle.PhaseChange{Old: dutycycle.Active, New: dutycycle.Cooldown, At: at.Add(15 * time.Second), PeriodID: "1st-period", Instance: "2024-09-02"}
	close(ch)

	PublishPhases(c, ch, time.Second)

	msgs := fake.sent()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, "school/room-12/phase", m.topic)
		assert.True(t, m.retained)
	}
	assert.JSONEq(t,
		`{"phase":"active","previous":"dormant","detecting":true,"period":"1st-period","instance":"2024-09-02","at":"2024-09-02T10:05:00Z"}`,
		string(msgs[0].payload))
	assert.JSONEq(t,
		`{"phase":"cooldown","previous":"active","detecting":false,"period":"1st-period","instance":"2024-09-02","at":"2024-09-02T10:05:15Z"}`,
		string(msgs[1].payload))
}

func TestSummaryWriter(t *testing.T) {
	t.Parallel()

	fake := &fakePaho{}
	c := newTestClient(t, fake, &publishRecorder{})
	w := NewSummaryWriter(c)

	sum := pipeline.PeriodSummary{
		PeriodInstance: "2024-09-02",
		PeriodID:       "1st-period",
		Attempts:       3,
		Files:          []string{"captures/20240902_1st-period_1.png"},
		Sharpness:      []float64{412.5},
		Status:         pipeline.SummarySuccess,
		FlushedAt:      time.Date(2024, 9, 2, 10, 30, 0, 0, time.UTC),
	}
	require.NoError(t, w.SavePeriodSummary(t.Context(), sum))
	assert.Empty(t, fake.sent(), "dropped while disconnected")

	require.NoError(t, c.Connect(t.Context()))
	require.NoError(t, w.SavePeriodSummary(t.Context(), sum))

	msgs := fake.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "school/room-12/summary", msgs[0].topic)
	assert.True(t, msgs[0].retained)

	var got pipeline.PeriodSummary
	require.NoError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.Equal(t, sum, got)
}
