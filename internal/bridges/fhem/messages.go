package fhem

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// MQTT message types exchanged between ghome-fhem and its MQTT clients.

// Protocol is the protocol identifier carried in messages.
const Protocol = "fhem"

// CommandMessage asks the bridge to set a characteristic of a device.
// Topic: ghome/command/fhem/{device}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment. Generated when empty.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the FHEM device name.
	DeviceID string `json:"device_id"`

	// Command is the characteristic to set (e.g. "On", "Brightness") or
	// "identify".
	Command string `json:"command"`

	// Parameters carries the value and options:
	//   {"value": 50}                   set the first mapping
	//   {"value": 1, "index": 1}        set the second mapping of the characteristic
	//   {"value": 1, "intent": "PauseUnpause"}
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "mqtt").
	Source string `json:"source"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was sent to FHEM.
	AckAccepted AckStatus = "accepted"

	// AckQueued indicates the command waits for its debounce interval.
	AckQueued AckStatus = "queued"

	// AckSkipped indicates the command was dropped while delayed commands
	// of the device are pending.
	AckSkipped AckStatus = "skipped"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// AckMessage acknowledges a command.
// Topic: ghome/ack/fhem/{device}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`

	// Command is the FHEM command line that was sent or scheduled.
	Command string `json:"command,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeDeviceNotFound    = "DEVICE_NOT_FOUND"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage reports a changed characteristic value.
// Topic: ghome/state/fhem/{device}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`

	// State maps characteristic names to normalized values, e.g.
	// {"On": true} or {"CurrentTemperature": 21.5}.
	State map[string]any `json:"state"`

	Protocol string `json:"protocol"`

	// Address is the attribute id the value was read from ("lamp-state").
	Address string `json:"address"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports the operational status of the bridge.
// Topic: ghome/health/fhem
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string             `json:"bridge"`
	Timestamp      time.Time          `json:"timestamp"`
	Status         HealthStatus       `json:"status"`
	Version        string             `json:"version"`
	UptimeSeconds  int64              `json:"uptime_seconds"`
	Connections    []ConnectionStatus `json:"connections,omitempty"`
	Statistics     *BridgeStatistics  `json:"statistics,omitempty"`
	DevicesManaged int                `json:"devices_managed"`
	Reason         string             `json:"reason,omitempty"`
}

// ConnectionStatus describes one longpoll stream.
type ConnectionStatus struct {
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	Address   string     `json:"address"`
	Failures  int        `json:"failures,omitempty"`
	LastEvent *time.Time `json:"last_event,omitempty"`
}

// BridgeStatistics sums the counters of all streams.
type BridgeStatistics struct {
	RecordsReceived uint64 `json:"records_received"`
	QueueStalls     uint64 `json:"queue_stalls"`
	Reconnects      uint64 `json:"reconnects"`
}

// RequestMessage asks the bridge for data.
// Topic: ghome/request/fhem/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is "read_state" (one device) or "read_all".
	Action string `json:"action"`

	DeviceID   string         `json:"device_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Request actions.
const (
	ActionReadState = "read_state"
	ActionReadAll   = "read_all"
)

// ResponseMessage answers a request.
// Topic: ghome/response/fhem/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UnmarshalJSON accepts RFC3339 timestamps and commands without one.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// Value returns the "value" parameter.
func (m CommandMessage) Value() (any, bool) {
	v, ok := m.Parameters["value"]
	return v, ok
}

// Index returns the "index" parameter selecting one of several mappings of
// the characteristic. Defaults to 0.
func (m CommandMessage) Index() (int, error) {
	raw, ok := m.Parameters["index"]
	if !ok {
		return 0, nil
	}
	f, ok := raw.(float64)
	if !ok || f < 0 || f != float64(int(f)) {
		return 0, fmt.Errorf("invalid index %v", raw)
	}
	return int(f), nil
}

// Intent returns the "intent" parameter.
func (m CommandMessage) Intent() string {
	s, _ := m.Parameters["intent"].(string)
	return s
}

// NewAckMessage creates an acknowledgment for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus, text string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Command:   text,
	}
}

// NewAckError creates a failed acknowledgment.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	ack := NewAckMessage(cmd, AckFailed, "")
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message for one characteristic.
func NewStateMessage(deviceID, characteristic, address string, value any) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		State:     map[string]any{characteristic: value},
		Protocol:  Protocol,
		Address:   address,
	}
}

// NewLWTMessage creates the Last Will and Testament health message.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

// TopicPrefix is the base topic for all ghome-fhem messages.
const TopicPrefix = "ghome"

// CommandTopic returns the command topic of a device.
// Example: ghome/command/fhem/lamp
func CommandTopic(device string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, url.PathEscape(device))
}

// AckTopic returns the acknowledgment topic of a device.
func AckTopic(device string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, url.PathEscape(device))
}

// StateTopic returns the state topic of a device.
func StateTopic(device string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, url.PathEscape(device))
}

// HealthTopic returns the bridge health topic.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// ResponseTopic returns the topic answering a request.
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, Protocol, requestID)
}

// CommandSubscribeTopic matches the command topics of all devices.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefix, Protocol)
}

// RequestSubscribeTopic matches all request topics.
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/%s/#", TopicPrefix, Protocol)
}
