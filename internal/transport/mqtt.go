package transport

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"pms-supervisor/internal/config"
)

// MessageHandler receives every inbound message with its decoded JSON
// payload. Payloads that are not valid JSON arrive as {"raw_message": text}.
type MessageHandler func(topic string, payload map[string]any)

// Client wraps the paho MQTT client with the supervisor's connection
// policy: LWT status, a resubscribed registry, a worker-pool publisher
// and a health-checked manual reconnect loop.
type Client struct {
	cfg      config.MQTT
	clientID string
	paho     mqtt.Client
	pub      *Publisher
	stats    *Stats

	mu        sync.Mutex
	connected bool
	subs      map[string]byte
	onMessage MessageHandler

	reconnectMu  sync.Mutex
	reconnecting bool

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds the client. reg receives the publish metrics; pass nil to
// skip registration.
func New(cfg config.MQTT, reg prometheus.Registerer) *Client {
	c := &Client{
		cfg:   cfg,
		subs:  make(map[string]byte),
		stats: NewStats(reg),
		stop:  make(chan struct{}),
	}
	// Unique client id so a second instance cannot take over the session.
	c.clientID = fmt.Sprintf("%s_%d_%s", cfg.ClientID, time.Now().Unix(), uuid.NewString()[:8])
	c.pub = newPublisher(c, cfg.MaxPublishWorkers, defaultQueueSize, c.stats)

	will, _ := json.Marshal(map[string]any{
		"status": "offline",
		"reason": "unexpected_disconnect",
	})

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(c.clientID).
		SetKeepAlive(cfg.Keepalive).
		SetAutoReconnect(false).
		SetOrderMatters(false).
		SetBinaryWill(c.StatusTopic(), will, 1, true).
		SetDefaultPublishHandler(c.handleMessage).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	c.paho = mqtt.NewClient(opts)
	return c
}

// StatusTopic is the retained online/offline topic.
func (c *Client) StatusTopic() string { return c.cfg.BaseTopic + "/status" }

// BaseTopic returns the configured topic prefix.
func (c *Client) BaseTopic() string { return c.cfg.BaseTopic }

// ClientID returns the generated unique client id.
func (c *Client) ClientID() string { return c.clientID }

// Topic joins segments under the base topic.
func (c *Client) Topic(parts ...string) string {
	t := c.cfg.BaseTopic
	for _, p := range parts {
		t += "/" + p
	}
	return t
}

// SetMessageHandler installs the single inbound dispatch callback.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.mu.Lock()
	c.onMessage = h
	c.mu.Unlock()
}

// Connect dials the broker, starts the publish workers and the health
// check loop.
func (c *Client) Connect() error {
	tok := c.paho.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect %s:%d: timeout", c.cfg.Broker, c.cfg.Port)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s:%d: %w", c.cfg.Broker, c.cfg.Port, err)
	}
	c.pub.start()
	go c.healthLoop()
	return nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	c.connected = true
	subs := make(map[string]byte, len(c.subs))
	for t, q := range c.subs {
		subs[t] = q
	}
	c.mu.Unlock()

	log.Printf("mqtt connected to %s:%d as %s", c.cfg.Broker, c.cfg.Port, c.clientID)

	online, _ := json.Marshal(map[string]any{
		"status":    "online",
		"timestamp": time.Now().Format(time.RFC3339),
		"client_id": c.clientID,
	})
	client.Publish(c.StatusTopic(), 1, true, online)

	// Restore the subscription registry; topics that fail are evicted so
	// they do not retry forever.
	for topic, qos := range subs {
		tok := client.Subscribe(topic, qos, nil)
		if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
			log.Printf("mqtt resubscribe %s failed: %v", topic, tok.Error())
			c.mu.Lock()
			delete(c.subs, topic)
			c.mu.Unlock()
			continue
		}
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	log.Printf("mqtt connection lost: %v", err)
}

func (c *Client) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	h := c.onMessage
	c.mu.Unlock()
	if h == nil {
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		payload = map[string]any{"raw_message": string(msg.Payload())}
	}
	// Dispatch off the paho network loop; handlers may block on Modbus.
	go h(msg.Topic(), payload)
}

// Subscribe adds the topic to the registry and subscribes when connected.
func (c *Client) Subscribe(topic string, qos byte) error {
	c.mu.Lock()
	c.subs[topic] = qos
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return fmt.Errorf("mqtt not connected")
	}
	tok := c.paho.Subscribe(topic, qos, nil)
	if !tok.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := tok.Error(); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes the topic from the registry and the broker.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	tok := c.paho.Unsubscribe(topic)
	tok.WaitTimeout(5 * time.Second)
	return tok.Error()
}

// Subscriptions returns a copy of the current registry.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	return out
}

// Publish enqueues a JSON message for the worker pool.
func (c *Client) Publish(topic string, payload any) bool {
	return c.pub.Enqueue(topic, payload, 0, false)
}

// PublishRetained enqueues a retained QoS 1 message.
func (c *Client) PublishRetained(topic string, payload any) bool {
	return c.pub.Enqueue(topic, payload, 1, true)
}

// Connected reports the broker connection state.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats exposes the publish statistics.
func (c *Client) Stats() *Stats { return c.stats }

// sender implementation for the publisher workers.

func (c *Client) send(topic string, qos byte, retain bool, payload []byte) error {
	tok := c.paho.Publish(topic, qos, retain, payload)
	if !tok.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	return tok.Error()
}

func (c *Client) connected() bool { return c.Connected() }

// healthLoop watches the connection and triggers a guarded reconnect when
// the broker went away without a connection-lost callback resolving it.
func (c *Client) healthLoop() {
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if c.Connected() {
				continue
			}
			c.reconnectMu.Lock()
			inProgress := c.reconnecting
			if !inProgress {
				c.reconnecting = true
			}
			c.reconnectMu.Unlock()
			if !inProgress {
				go c.reconnect()
			}
		}
	}
}

// reconnect retries with linear backoff capped at 30s for up to the
// configured attempt budget.
func (c *Client) reconnect() {
	defer func() {
		c.reconnectMu.Lock()
		c.reconnecting = false
		c.reconnectMu.Unlock()
	}()

	for attempt := 1; attempt <= c.cfg.ConnectionRetries; attempt++ {
		select {
		case <-c.stop:
			return
		default:
		}
		if c.Connected() {
			return
		}
		log.Printf("mqtt reconnect attempt %d/%d", attempt, c.cfg.ConnectionRetries)
		tok := c.paho.Connect()
		if tok.WaitTimeout(10*time.Second) && tok.Error() == nil {
			log.Printf("mqtt reconnected")
			return
		}
		backoff := time.Duration(5*attempt) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		select {
		case <-c.stop:
			return
		case <-time.After(backoff):
		}
	}
	log.Printf("mqtt reconnect gave up after %d attempts", c.cfg.ConnectionRetries)
}

// Close publishes the graceful offline status and shuts everything down.
// The subscription registry is preserved until Shutdown so a reconnect
// occurring in the same process restores state.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.paho.IsConnected() {
		offline, _ := json.Marshal(map[string]any{
			"status":    "offline",
			"timestamp": time.Now().Format(time.RFC3339),
			"reason":    "graceful_shutdown",
		})
		tok := c.paho.Publish(c.StatusTopic(), 1, true, offline)
		tok.WaitTimeout(2 * time.Second)
	}
	c.pub.stop()
	c.paho.Disconnect(250)
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// Shutdown clears the subscription registry on final process exit.
func (c *Client) Shutdown() {
	c.Close()
	c.mu.Lock()
	c.subs = make(map[string]byte)
	c.mu.Unlock()
}
