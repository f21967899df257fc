package mqtt

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/yanniks/ghome-fhem/internal/infrastructure/config"
)

// Logger is the logging surface the client needs. *slog.Logger satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MessageHandler receives the payload of a message and the concrete topic
// it arrived on. Panics are recovered and logged.
type MessageHandler = func(topic string, payload []byte)

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client is a paho connection to the broker that keeps its subscriptions
// across reconnects and announces the process status on StatusTopic.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	connected atomic.Bool
	attempts  atomic.Int32

	mu           sync.RWMutex
	subs         map[string]subscription
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// newClient builds an unconnected client with its paho callbacks wired.
func newClient(cfg config.MQTTConfig) *Client {
	c := &Client{
		cfg:  cfg,
		subs: make(map[string]subscription),
	}

	opts := buildClientOptions(cfg)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleConnectionLost(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) { c.handleReconnecting() })

	c.client = pahomqtt.NewClient(opts)
	return c
}

// Connect dials the broker and waits for the session.
//
// Parameters:
//   - ctx: Bounds the initial connection; paho keeps retrying until then
//   - cfg: MQTT configuration from config.yaml
//
// Returns:
//   - *Client: Connected client
//   - error: ErrConnectionFailed wrapping the cause
func Connect(ctx context.Context, cfg config.MQTTConfig) (*Client, error) {
	c := newClient(cfg)

	if err := wait(ctx, c.client.Connect(), connectTimeout); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, brokerURL(cfg.Broker), err)
	}

	// The OnConnect handler runs asynchronously and may not have fired yet.
	c.connected.Store(true)
	return c, nil
}

// wait blocks until token completes, ctx ends or timeout elapses.
func wait(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
}

func (c *Client) handleConnect() {
	c.connected.Store(true)
	c.attempts.Store(0)

	c.restoreSubscriptions()
	c.client.Publish(StatusTopic, byte(c.cfg.QoS), true,
		statusPayload(c.cfg.Broker.ClientID, StatusOnline, "", time.Now()))

	c.mu.RLock()
	fn := c.onConnect
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) handleConnectionLost(err error) {
	c.connected.Store(false)

	c.mu.RLock()
	fn := c.onDisconnect
	c.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// handleReconnecting counts attempts and stops reconnecting once the
// configured maximum is exceeded. Zero means retry forever.
func (c *Client) handleReconnecting() {
	n := int(c.attempts.Add(1))
	log := c.log()
	if log != nil {
		log.Info("MQTT reconnecting", "attempt", n)
	}

	if limit := c.cfg.Reconnect.MaxAttempts; limit > 0 && n > limit {
		if log != nil {
			log.Error("MQTT reconnect attempts exhausted, giving up", "attempts", limit)
		}
		// Disconnect must not run on paho's reconnect goroutine.
		go c.client.Disconnect(0)
	}
}

// restoreSubscriptions resubscribes every tracked topic. Tokens are not
// awaited on paho's callback goroutine.
func (c *Client) restoreSubscriptions() {
	c.mu.RLock()
	subs := maps.Clone(c.subs)
	c.mu.RUnlock()

	for topic, sub := range subs {
		token := c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
		go func() {
			if err := wait(context.Background(), token, operationTimeout); err != nil {
				if log := c.log(); log != nil {
					log.Warn("MQTT resubscribe failed", "topic", topic, "error", err)
				}
			}
		}()
	}
}

// Close publishes the graceful offline status and disconnects. Safe on a
// nil or closed client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}

	if c.IsConnected() {
		token := c.client.Publish(StatusTopic, byte(c.cfg.QoS), true,
			statusPayload(c.cfg.Broker.ClientID, StatusOffline, ReasonShutdown, time.Now()))
		token.WaitTimeout(operationTimeout)
	}

	c.client.Disconnect(disconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the session is up.
func (c *Client) IsConnected() bool {
	if c == nil || c.client == nil {
		return false
	}
	return c.connected.Load() && c.client.IsConnected()
}

// SetOnConnect sets a callback for the initial connect and every reconnect.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// SetOnDisconnect sets a callback for lost connections.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// SetLogger sets the logger for handler failures and reconnects.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// Subscriptions returns the tracked topic filters in sorted order.
func (c *Client) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.subs))
}

// wrapHandler adapts a MessageHandler to paho and recovers panics.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if log := c.log(); log != nil {
					log.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}
}
