package fhem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yanniks/ghome-fhem/internal/audit"
	"github.com/yanniks/ghome-fhem/internal/mapping"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// commandTimeout bounds one command sent on behalf of an MQTT message.
	commandTimeout = 10 * time.Second

	// readAllTimeout bounds a read_all request.
	readAllTimeout = 30 * time.Second
)

// MQTTClient is the interface for MQTT operations.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// Devices looks up command targets by FHEM device name.
type Devices interface {
	Target(name string) (Target, bool)
	Targets() []Target
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	BridgeID string
	Version  string

	MQTT    MQTTClient
	Devices Devices

	// Dispatcher serves every target. Dispatchers routes by connection
	// name and takes precedence when both are set.
	Dispatcher  *Dispatcher
	Dispatchers Dispatchers

	Streams []StreamMonitor

	// HealthInterval overrides the health publishing interval.
	HealthInterval time.Duration

	// Audit records handled commands when set.
	Audit audit.Repository

	Logger Logger
}

// BridgeMetrics summarises bridge activity.
type BridgeMetrics struct {
	Connected       bool
	Status          HealthStatus
	StatesPublished uint64
	CommandsHandled uint64
	CommandsFailed  uint64
	DevicesManaged  int
}

// Bridge exposes FHEM devices on MQTT: normalized state changes are
// published, commands and requests are answered.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt        MQTTClient
	devices     Devices
	dispatchers Dispatchers
	health      *HealthReporter
	audit       audit.Repository

	statesPublished atomic.Uint64
	commandsHandled atomic.Uint64
	commandsFailed  atomic.Uint64

	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a bridge.
//
// Parameters:
//   - opts: MQTT client, device lookup and dispatcher are required
//
// Returns:
//   - *Bridge: Ready to start
//   - error: If a required option is missing
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Devices == nil {
		return nil, fmt.Errorf("device lookup is required")
	}
	dispatchers := opts.Dispatchers
	if len(dispatchers) == 0 {
		if opts.Dispatcher == nil {
			return nil, fmt.Errorf("dispatcher is required")
		}
		dispatchers = Dispatchers{"": opts.Dispatcher}
	}

	bridgeID := opts.BridgeID
	if bridgeID == "" {
		bridgeID = Protocol
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		mqtt:        opts.MQTT,
		devices:     opts.Devices,
		dispatchers: dispatchers,
		audit:       opts.Audit,
		health: NewHealthReporter(HealthReporterConfig{
			BridgeID:  bridgeID,
			Version:   opts.Version,
			Interval:  opts.HealthInterval,
			Publisher: opts.MQTT,
			Streams:   opts.Streams,
		}),
		ctx:       ctx,
		ctxCancel: cancel,
	}
	if opts.Logger != nil {
		b.SetLogger(opts.Logger)
	}
	return b, nil
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

// Health returns the bridge's health reporter.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// Start subscribes to command and request topics and begins health
// reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	if err := b.mqtt.Subscribe(CommandSubscribeTopic(), 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	if err := b.mqtt.Subscribe(RequestSubscribeTopic(), 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribing to requests: %w", err)
	}

	b.health.SetDeviceCount(len(b.devices.Targets()))
	b.health.Start(ctx)

	b.logInfo("bridge started", "devices", len(b.devices.Targets()))
	return nil
}

// Stop ends health reporting and cancels in-flight handlers.
// Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()
		b.health.Stop()
		b.logInfo("bridge stopped")
	})
}

// PublishState publishes one normalized characteristic value, retained.
func (b *Bridge) PublishState(device, characteristic, address string, value any) error {
	payload, err := json.Marshal(NewStateMessage(device, characteristic, address, value))
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	if err := b.mqtt.Publish(StateTopic(device), payload, 1, true); err != nil {
		return fmt.Errorf("publishing state: %w", err)
	}
	b.statesPublished.Add(1)
	return nil
}

// GetMetrics returns the current bridge metrics.
func (b *Bridge) GetMetrics() BridgeMetrics {
	status, _ := b.health.Status()
	return BridgeMetrics{
		Connected:       b.mqtt.IsConnected(),
		Status:          status,
		StatesPublished: b.statesPublished.Load(),
		CommandsHandled: b.commandsHandled.Load(),
		CommandsFailed:  b.commandsFailed.Load(),
		DevicesManaged:  len(b.devices.Targets()),
	}
}

// handleMQTTMessage routes ghome/{command|request}/fhem/... messages.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic", fmt.Errorf("topic %q", topic))
		return
	}

	switch parts[1] {
	case "command":
		b.handleCommand(payload)
	case "request":
		b.handleRequest(payload)
	default:
		b.logDebug("ignoring message", "topic", topic)
	}
}

// handleCommand executes a command message and acknowledges it.
func (b *Bridge) handleCommand(payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	b.commandsHandled.Add(1)

	b.logInfo("received command", "command_id", cmd.ID, "device_id", cmd.DeviceID, "command", cmd.Command)

	t, ok := b.devices.Target(cmd.DeviceID)
	if !ok {
		b.publishAckError(cmd, ErrCodeDeviceNotFound, "device not found: "+cmd.DeviceID)
		return
	}

	dispatcher := b.dispatchers.For(t)
	if dispatcher == nil {
		b.publishAckError(cmd, ErrCodeNotConfigured, "no FHEM connection for "+cmd.DeviceID)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if cmd.Command == CmdIdentify && t.Mappings.First(CmdIdentify) == nil {
		d, err := dispatcher.Identify(ctx, t)
		if err != nil {
			b.publishAckError(cmd, ErrCodeProtocolError, err.Error())
			return
		}
		b.publishAck(cmd, AckAccepted, d.Text)
		return
	}

	idx, err := cmd.Index()
	if err != nil {
		b.publishAckError(cmd, ErrCodeInvalidParameters, err.Error())
		return
	}
	m := t.Mappings.Index(cmd.Command, idx)
	if m == nil {
		b.publishAckError(cmd, ErrCodeNotConfigured,
			fmt.Sprintf("%s has no mapping %s[%d]", cmd.DeviceID, cmd.Command, idx))
		return
	}
	value, ok := cmd.Value()
	if !ok {
		b.publishAckError(cmd, ErrCodeInvalidParameters, "missing parameter: value")
		return
	}

	d, err := dispatcher.Command(ctx, t, m, value, cmd.Intent())
	switch {
	case errors.Is(err, mapping.ErrNoCommand), errors.Is(err, mapping.ErrNotNumeric), errors.Is(err, mapping.ErrNoValue):
		b.publishAckError(cmd, ErrCodeInvalidCommand, err.Error())
	case errors.Is(err, ErrNoMapping):
		b.publishAckError(cmd, ErrCodeNotConfigured, err.Error())
	case err != nil:
		b.publishAckError(cmd, ErrCodeProtocolError, err.Error())
	case d.Skipped:
		b.publishAck(cmd, AckSkipped, "")
	case d.Delayed:
		b.publishAck(cmd, AckQueued, d.Text)
	default:
		b.publishAck(cmd, AckAccepted, d.Text)
	}
}

func (b *Bridge) publishAck(cmd CommandMessage, status AckStatus, text string) {
	b.publish(AckTopic(cmd.DeviceID), NewAckMessage(cmd, status, text))
	b.record(cmd, status, text, "")
}

func (b *Bridge) publishAckError(cmd CommandMessage, code, message string) {
	b.commandsFailed.Add(1)
	b.publish(AckTopic(cmd.DeviceID), NewAckError(cmd, code, message))
	b.logError("command failed", fmt.Errorf("code=%s message=%s", code, message))
	b.record(cmd, AckFailed, "", code+": "+message)
}

// record adds a handled command to the audit trail. Ack statuses share
// their names with audit statuses.
func (b *Bridge) record(cmd CommandMessage, status AckStatus, text, errText string) {
	if b.audit == nil {
		return
	}
	value, _ := cmd.Value()
	e := &audit.Entry{
		Source:         audit.SourceMQTT,
		Device:         cmd.DeviceID,
		Characteristic: cmd.Command,
		Value:          value,
		Command:        text,
		Status:         string(status),
		Error:          errText,
		Actor:          cmd.ID,
	}
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	if err := b.audit.Record(ctx, e); err != nil {
		b.logError("failed to record command", err)
	}
}

// handleRequest answers read_state and read_all requests.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	b.logInfo("received request", "request_id", req.RequestID, "action", req.Action)

	var resp ResponseMessage
	switch req.Action {
	case ActionReadState:
		resp = b.handleReadState(req)
	case ActionReadAll:
		resp = b.handleReadAll(req)
	default:
		resp = errorResponse(req, ErrCodeInvalidCommand, fmt.Sprintf("unknown action: %s", req.Action))
	}

	b.publish(ResponseTopic(req.RequestID), resp)
}

func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	if req.DeviceID == "" {
		return errorResponse(req, ErrCodeInvalidParameters, "device_id is required")
	}
	t, ok := b.devices.Target(req.DeviceID)
	if !ok {
		return errorResponse(req, ErrCodeDeviceNotFound, "device not found: "+req.DeviceID)
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      map[string]any{"device_id": t.Name, "state": b.DeviceState(ctx, t)},
	}
}

func (b *Bridge) handleReadAll(req RequestMessage) ResponseMessage {
	ctx, cancel := context.WithTimeout(b.ctx, readAllTimeout)
	defer cancel()

	states := make(map[string]any)
	for _, t := range b.devices.Targets() {
		if ctx.Err() != nil {
			return errorResponse(req, ErrCodeBridgeError, "read_all timed out")
		}
		states[t.Name] = b.DeviceState(ctx, t)
	}

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      map[string]any{"devices": states},
	}
}

// DeviceState queries every mapping of t on its connection's dispatcher.
func (b *Bridge) DeviceState(ctx context.Context, t Target) map[string]any {
	return b.dispatchers.State(ctx, t)
}

func errorResponse(req RequestMessage, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error:     &ResponseError{Code: code, Message: message},
	}
}

func (b *Bridge) publish(topic string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal message", err)
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, false); err != nil {
		b.logError("failed to publish message", err)
	}
}

func (b *Bridge) loggerRef() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if l := b.loggerRef(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if l := b.loggerRef(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if l := b.loggerRef(); l != nil {
		l.Error(msg, "error", err)
	}
}
