// Package notify relays orchestration events to an MQTT broker so operations
// dashboards can follow threads without polling the API.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/ShayCichocki/arbiter/internal/orchestrator"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	// qos 1: at least once. Consumers key on thread_id and type.
	defaultQoS     = 1
	relayBuffer    = 256
)

// ErrPublishTimeout is returned when the broker does not acknowledge a publish in time.
var ErrPublishTimeout = errors.New("mqtt publish timeout")

// ClientConfig describes the broker connection.
type ClientConfig struct {
	URL      string
	ClientID string
}

// Client wraps the Paho MQTT client.
type Client struct {
	client paho.Client
	url    string
	mu     sync.Mutex
}

// NewClient creates a client but does not connect.
func NewClient(cfg ClientConfig) *Client {
	opts := paho.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	return &Client{client: paho.NewClient(opts), url: cfg.URL}
}

// Connect attempts to connect to the broker without blocking indefinitely.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect to %s: timeout", c.url)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", c.url, err)
	}
	return nil
}

// Publish sends a message. See paho.Client.Publish.
func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	return c.client.Publish(topic, qos, retained, payload)
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect cleanly disconnects from the broker.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client.Disconnect(1000)
}

// Publisher is the part of a paho client the relay needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnected() bool
}

// Relay forwards bus events to topics of the form
// <prefix>/threads/<thread_id>/<event_type>.
type Relay struct {
	pub     Publisher
	prefix  string
	logger  *slog.Logger
	dropped atomic.Uint64
}

// NewRelay builds a relay. A nil logger discards output.
func NewRelay(pub Publisher, prefix string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Relay{pub: pub, prefix: strings.Trim(prefix, "/"), logger: logger}
}

// Topic returns the topic an event is published on.
func (r *Relay) Topic(e orchestrator.Event) string {
	parts := make([]string, 0, 4)
	if r.prefix != "" {
		parts = append(parts, r.prefix)
	}
	return strings.Join(append(parts, "threads", e.ThreadID, string(e.Type)), "/")
}

// Send publishes one event and waits for the broker acknowledgement.
// Terminal and approval events are retained so late subscribers see them.
func (r *Relay) Send(e orchestrator.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	token := r.pub.Publish(r.Topic(e), defaultQoS, retained(e.Type), payload)
	if !token.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Dropped counts events skipped while the broker was unreachable.
func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}

// Run relays bus events until ctx is done or the bus closes. Events that
// arrive while disconnected are dropped rather than queued.
func (r *Relay) Run(ctx context.Context, bus *orchestrator.EventBus) error {
	events, cancel := bus.Subscribe(relayBuffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if !r.pub.IsConnected() {
				r.dropped.Add(1)
				r.logger.Debug("mqtt disconnected, dropping event", "type", e.Type, "thread_id", e.ThreadID)
				continue
			}
			if err := r.Send(e); err != nil {
				r.dropped.Add(1)
				r.logger.Warn("mqtt publish failed", "topic", r.Topic(e), "error", err)
			}
		}
	}
}

func retained(t orchestrator.EventType) bool {
	switch t {
	case orchestrator.EventApprovalPending,
		orchestrator.EventThreadCompleted,
		orchestrator.EventThreadFailed,
		orchestrator.EventThreadRejected:
		return true
	}
	return false
}
