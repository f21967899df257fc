package fhem

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanniks/ghome-fhem/internal/audit"
	"github.com/yanniks/ghome-fhem/internal/mapping"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu        sync.Mutex
	published []mockPublish
	handlers  map[string]func(topic string, payload []byte)
	connected bool
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{connected: true, handlers: make(map[string]func(string, []byte))}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SimulateMessage delivers payload to the handler subscribed with a
// matching "#" pattern.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	var handler func(string, []byte)
	for pattern, h := range m.handlers {
		if strings.HasPrefix(topic, strings.TrimSuffix(pattern, "#")) {
			handler = h
		}
	}
	m.mu.Unlock()

	if handler != nil {
		handler(topic, payload)
	}
}

func (m *MockMQTTClient) PublishedTo(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

type staticDevices map[string]Target

func (s staticDevices) Target(name string) (Target, bool) {
	t, ok := s[name]
	return t, ok
}

func (s staticDevices) Targets() []Target {
	out := make([]Target, 0, len(s))
	for _, t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type bridgeFixture struct {
	bridge *Bridge
	mqtt   *MockMQTTClient
	exec   *fakeExecutor
}

func newBridgeFixture(t *testing.T) bridgeFixture {
	t.Helper()

	exec := &fakeExecutor{replies: map[string]string{
		`{ReadingsVal("lamp","state","")}`: "off",
		`{ReadingsVal("lamp","pct","")}`:   "35",
	}}
	d, _ := newTestDispatcher(exec)
	t.Cleanup(d.Close)

	devices := staticDevices{
		"lamp": {Name: "lamp", Type: "HUEDevice", Mappings: mapping.Set{
			mapping.CharOn: {preparedMapping("lamp", mapping.Rules{Characteristic: mapping.CharOn, Reading: "state"})},
			"Brightness": {
				preparedMapping("lamp", mapping.Rules{Characteristic: "Brightness", Reading: "pct"}),
				preparedMapping("lamp", mapping.Rules{Characteristic: "Brightness", Reading: "pct", Delay: 100}),
			},
		}},
	}

	mq := NewMockMQTTClient()
	b, err := NewBridge(BridgeOptions{
		BridgeID:       "fhem",
		Version:        "test",
		MQTT:           mq,
		Devices:        devices,
		Dispatcher:     d,
		HealthInterval: time.Hour,
		Logger:         discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(t.Context()))
	t.Cleanup(b.Stop)

	return bridgeFixture{bridge: b, mqtt: mq, exec: exec}
}

func lastAck(t *testing.T, mq *MockMQTTClient, device string) AckMessage {
	t.Helper()
	acks := mq.PublishedTo(AckTopic(device))
	require.NotEmpty(t, acks)
	var ack AckMessage
	require.NoError(t, json.Unmarshal(acks[len(acks)-1].Payload, &ack))
	return ack
}

func TestNewBridgeValidation(t *testing.T) {
	d, _ := newTestDispatcher(&fakeExecutor{})

	_, err := NewBridge(BridgeOptions{Devices: staticDevices{}, Dispatcher: d})
	assert.Error(t, err)
	_, err = NewBridge(BridgeOptions{MQTT: NewMockMQTTClient(), Dispatcher: d})
	assert.Error(t, err)
	_, err = NewBridge(BridgeOptions{MQTT: NewMockMQTTClient(), Devices: staticDevices{}})
	assert.Error(t, err)
}

func TestBridgeStartPublishesHealth(t *testing.T) {
	f := newBridgeFixture(t)

	require.Eventually(t, func() bool { return len(f.mqtt.PublishedTo(HealthTopic())) >= 2 }, time.Second, 10*time.Millisecond)
	first := f.mqtt.PublishedTo(HealthTopic())[0]
	assert.True(t, first.Retained)

	var msg HealthMessage
	require.NoError(t, json.Unmarshal(first.Payload, &msg))
	assert.Equal(t, HealthStarting, msg.Status)
	assert.Equal(t, "fhem", msg.Bridge)
}

func TestBridgeCommand(t *testing.T) {
	f := newBridgeFixture(t)

	f.mqtt.SimulateMessage(CommandTopic("lamp"), []byte(`{"id":"c1","device_id":"lamp","command":"On","parameters":{"value":true}}`))

	ack := lastAck(t, f.mqtt, "lamp")
	assert.Equal(t, "c1", ack.CommandID)
	assert.Equal(t, AckAccepted, ack.Status)
	assert.Equal(t, "set lamp on", ack.Command)
	assert.Equal(t, []string{"set lamp on"}, f.exec.commands())
}

func TestBridgeCommandQueued(t *testing.T) {
	f := newBridgeFixture(t)

	f.mqtt.SimulateMessage(CommandTopic("lamp"), []byte(`{"id":"c2","device_id":"lamp","command":"Brightness","parameters":{"value":60,"index":1}}`))

	ack := lastAck(t, f.mqtt, "lamp")
	assert.Equal(t, AckQueued, ack.Status)
	assert.Equal(t, "set lamp pct 60", ack.Command)
}

func TestBridgeCommandIdentify(t *testing.T) {
	f := newBridgeFixture(t)

	f.mqtt.SimulateMessage(CommandTopic("lamp"), []byte(`{"device_id":"lamp","command":"identify"}`))

	ack := lastAck(t, f.mqtt, "lamp")
	assert.Equal(t, AckAccepted, ack.Status)
	assert.NotEmpty(t, ack.CommandID)
	assert.Equal(t, []string{"set lamp alert select"}, f.exec.commands())
}

func TestBridgeCommandErrors(t *testing.T) {
	tests := []struct {
		name    string
		device  string
		payload string
		code    string
	}{
		{"unknown device", "ghost", `{"id":"e1","device_id":"ghost","command":"On","parameters":{"value":true}}`, ErrCodeDeviceNotFound},
		{"unknown characteristic", "lamp", `{"id":"e2","device_id":"lamp","command":"Hue","parameters":{"value":1}}`, ErrCodeNotConfigured},
		{"index out of range", "lamp", `{"id":"e3","device_id":"lamp","command":"Brightness","parameters":{"value":1,"index":5}}`, ErrCodeNotConfigured},
		{"bad index", "lamp", `{"id":"e4","device_id":"lamp","command":"Brightness","parameters":{"value":1,"index":-1}}`, ErrCodeInvalidParameters},
		{"missing value", "lamp", `{"id":"e5","device_id":"lamp","command":"On"}`, ErrCodeInvalidParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBridgeFixture(t)
			f.mqtt.SimulateMessage(CommandTopic(tt.device), []byte(tt.payload))

			ack := lastAck(t, f.mqtt, tt.device)
			assert.Equal(t, AckFailed, ack.Status)
			require.NotNil(t, ack.Error)
			assert.Equal(t, tt.code, ack.Error.Code)
			assert.Empty(t, f.exec.commands())
		})
	}
}

// memoryAudit is an in-memory audit.Repository.
type memoryAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memoryAudit) Record(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memoryAudit) List(context.Context, audit.Filter) (*audit.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &audit.ListResult{Entries: append([]audit.Entry(nil), m.entries...), Total: len(m.entries)}, nil
}

func TestBridgeCommandAudit(t *testing.T) {
	f := newBridgeFixture(t)
	trail := &memoryAudit{}
	f.bridge.audit = trail

	f.mqtt.SimulateMessage(CommandTopic("lamp"), []byte(`{"id":"a1","device_id":"lamp","command":"On","parameters":{"value":true}}`))
	f.mqtt.SimulateMessage(CommandTopic("ghost"), []byte(`{"id":"a2","device_id":"ghost","command":"On","parameters":{"value":true}}`))

	res, err := trail.List(context.Background(), audit.Filter{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)

	ok := res.Entries[0]
	assert.Equal(t, audit.SourceMQTT, ok.Source)
	assert.Equal(t, "a1", ok.Actor)
	assert.Equal(t, audit.StatusAccepted, ok.Status)
	assert.Equal(t, "set lamp on", ok.Command)
	assert.Equal(t, true, ok.Value)

	failed := res.Entries[1]
	assert.Equal(t, audit.StatusFailed, failed.Status)
	assert.Equal(t, "ghost", failed.Device)
	assert.Contains(t, failed.Error, ErrCodeDeviceNotFound)
}

func TestBridgeReadState(t *testing.T) {
	f := newBridgeFixture(t)

	f.mqtt.SimulateMessage("ghome/request/fhem/r1", []byte(`{"request_id":"r1","action":"read_state","device_id":"lamp"}`))

	resps := f.mqtt.PublishedTo(ResponseTopic("r1"))
	require.Len(t, resps, 1)

	var resp ResponseMessage
	require.NoError(t, json.Unmarshal(resps[0].Payload, &resp))
	require.True(t, resp.Success)
	assert.Equal(t, map[string]any{
		"On":           false,
		"Brightness":   float64(35),
		"Brightness#1": float64(35),
	}, resp.Data["state"])
}

func TestBridgeReadAllAndUnknownAction(t *testing.T) {
	f := newBridgeFixture(t)

	f.mqtt.SimulateMessage("ghome/request/fhem/r2", []byte(`{"request_id":"r2","action":"read_all"}`))
	f.mqtt.SimulateMessage("ghome/request/fhem/r3", []byte(`{"request_id":"r3","action":"reboot"}`))

	var all ResponseMessage
	require.NoError(t, json.Unmarshal(f.mqtt.PublishedTo(ResponseTopic("r2"))[0].Payload, &all))
	assert.True(t, all.Success)
	assert.Contains(t, all.Data["devices"], "lamp")

	var bad ResponseMessage
	require.NoError(t, json.Unmarshal(f.mqtt.PublishedTo(ResponseTopic("r3"))[0].Payload, &bad))
	assert.False(t, bad.Success)
	assert.Equal(t, ErrCodeInvalidCommand, bad.Error.Code)
}

func TestBridgePublishState(t *testing.T) {
	f := newBridgeFixture(t)

	require.NoError(t, f.bridge.PublishState("lamp", "On", "lamp-state", true))

	states := f.mqtt.PublishedTo(StateTopic("lamp"))
	require.Len(t, states, 1)
	assert.True(t, states[0].Retained)

	var msg StateMessage
	require.NoError(t, json.Unmarshal(states[0].Payload, &msg))
	assert.Equal(t, map[string]any{"On": true}, msg.State)
	assert.Equal(t, "lamp-state", msg.Address)
	assert.Equal(t, Protocol, msg.Protocol)

	assert.Equal(t, uint64(1), f.bridge.GetMetrics().StatesPublished)
}
