package mqtt

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"owl-telemetry/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeToken 立即完成的 token
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

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakePaho 记录订阅/发布调用的 paho 客户端
type fakePaho struct {
	mu           sync.Mutex
	connected    bool
	subscribed   [][]string
	unsubscribed [][]string
	published    map[string][]byte
	subErr       error
	pubErr       error
	onCheck      func()
}

func newFakePaho(connected bool) *fakePaho {
	return &fakePaho{connected: connected, published: make(map[string][]byte)}
}

func (f *fakePaho) IsConnected() bool      { return f.connected }
func (f *fakePaho) IsConnectionOpen() bool {
	open := f.connected
	if f.onCheck != nil {
		f.onCheck()
	}
	return open
}
func (f *fakePaho) Connect() mqtt.Token    { return &fakeToken{} }
func (f *fakePaho) Disconnect(uint)        { f.connected = false }
func (f *fakePaho) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return &fakeToken{err: f.pubErr}
	}
	f.published[topic] = payload.([]byte)
	return &fakeToken{}
}
func (f *fakePaho) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	return f.SubscribeMultiple(map[string]byte{topic: 0}, nil)
}
func (f *fakePaho) SubscribeMultiple(filters map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return &fakeToken{err: f.subErr}
	}
	topics := make([]string, 0, len(filters))
	for topic := range filters {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	f.subscribed = append(f.subscribed, topics)
	return &fakeToken{}
}
func (f *fakePaho) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topics)
	return &fakeToken{}
}
func (f *fakePaho) AddRoute(string, mqtt.MessageHandler)     {}
func (f *fakePaho) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func newTestClient(connected bool) (*Client, *fakePaho) {
	pc := newFakePaho(connected)
	cfg := &config.MQTTConfig{Broker: "tcp://test:1883", ClientID: "test", QoS: 1}
	return newClientWith(pc, cfg, zap.NewNop()), pc
}

func TestClient_SubscribeAndUnsubscribe(t *testing.T) {
	c, pc := newTestClient(true)

	require.NoError(t, c.Subscribe("dev/a", "dev/b"))
	assert.Equal(t, []string{"dev/a", "dev/b"}, c.Topics())
	assert.Equal(t, [][]string{{"dev/a", "dev/b"}}, pc.subscribed)

	require.NoError(t, c.Unsubscribe("dev/a"))
	assert.Equal(t, []string{"dev/b"}, c.Topics())
	assert.Equal(t, [][]string{{"dev/a"}}, pc.unsubscribed)
}

func TestClient_SubscribeFailureNotTracked(t *testing.T) {
	c, pc := newTestClient(true)
	pc.subErr = errors.New("broker refused")

	err := c.Subscribe("dev/a")
	assert.Error(t, err)
	assert.Empty(t, c.Topics())
}

func TestClient_SubscribeWhileDisconnectedIsDeferred(t *testing.T) {
	c, pc := newTestClient(false)

	require.NoError(t, c.Subscribe("dev/a"))
	assert.Empty(t, pc.subscribed)
	assert.Equal(t, []string{"dev/a"}, c.Topics())

	// 连接建立后重新订阅完整集合
	pc.connected = true
	c.onConnect(pc)
	assert.Equal(t, [][]string{{"dev/a"}}, pc.subscribed)
}

func TestClient_ConnectDuringDeferredSubscribe(t *testing.T) {
	c, pc := newTestClient(false)
	// 连接检查返回“未连接”的同时 onConnect 已经执行
	pc.onCheck = func() {
		pc.onCheck = nil
		pc.connected = true
		c.onConnect(pc)
	}

	require.NoError(t, c.Subscribe("dev/a"))

	assert.Equal(t, [][]string{{"dev/a"}}, pc.subscribed)
	assert.Equal(t, []string{"dev/a"}, c.Topics())
}

func TestClient_SubscribeFailureKeepsExistingTopics(t *testing.T) {
	c, pc := newTestClient(true)
	require.NoError(t, c.Subscribe("dev/a"))
	pc.subErr = errors.New("broker refused")

	assert.Error(t, c.Subscribe("dev/a", "dev/b"))
	assert.Equal(t, []string{"dev/a"}, c.Topics())
}

func TestClient_ReconnectResubscribesFullSet(t *testing.T) {
	c, pc := newTestClient(true)

	require.NoError(t, c.Subscribe("dev/a"))
	require.NoError(t, c.Subscribe("dev/b"))
	require.NoError(t, c.Subscribe("dev/c"))
	require.NoError(t, c.Unsubscribe("dev/b"))

	c.onConnect(pc)
	last := pc.subscribed[len(pc.subscribed)-1]
	assert.Equal(t, []string{"dev/a", "dev/c"}, last)
}

func TestClient_Publish(t *testing.T) {
	c, pc := newTestClient(true)

	require.NoError(t, c.Publish("metrics/pue", []byte(`{"x":1}`)))
	assert.Equal(t, []byte(`{"x":1}`), pc.published["metrics/pue"])

	pc.pubErr = errors.New("not connected")
	err := c.Publish("metrics/pue", []byte(`{}`))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "metrics/pue")
}

func TestClient_DispatchRecoversFromPanicAndErrors(t *testing.T) {
	c, _ := newTestClient(true)

	var seen []string
	c.OnMessage(func(topic string, payload []byte) error {
		seen = append(seen, topic)
		switch string(payload) {
		case "panic":
			panic("boom")
		case "error":
			return errors.New("bad payload")
		}
		return nil
	})

	assert.NotPanics(t, func() {
		c.dispatch(nil, &fakeMessage{topic: "t1", payload: []byte("panic")})
		c.dispatch(nil, &fakeMessage{topic: "t2", payload: []byte("error")})
		c.dispatch(nil, &fakeMessage{topic: "t3", payload: []byte("ok")})
	})
	assert.Equal(t, []string{"t1", "t2", "t3"}, seen)
}

func TestClient_DispatchWithoutHandler(t *testing.T) {
	c, _ := newTestClient(true)
	assert.NotPanics(t, func() {
		c.dispatch(nil, &fakeMessage{topic: "t1", payload: []byte("{}")})
	})
}
