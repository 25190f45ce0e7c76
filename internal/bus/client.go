// Package bus wraps the MQTT connection: one shared client, subscriptions
// that survive reconnects, and a QoS 1 publish with a bounded wait.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/axis-is/cloud-service/internal/config"
	"github.com/axis-is/cloud-service/internal/metrics"
)

const publishTimeout = 5 * time.Second

// Handler receives one inbound message. It runs on the paho router
// goroutine and must not block; the ingest router hands off immediately.
type Handler func(topic string, payload []byte)

type Client struct {
	log  zerolog.Logger
	opts *mqtt.ClientOptions

	mu      sync.Mutex
	client  mqtt.Client
	subs    map[string]byte
	handler Handler
}

func NewClient(cfg *config.Config, log zerolog.Logger) *Client {
	c := &Client{
		log:  log.With().Str("component", "bus").Logger(),
		subs: make(map[string]byte),
	}

	clientID := fmt.Sprintf("cloud-service-%s", uuid.New().String()[:8])
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(clientID).
		SetKeepAlive(time.Duration(cfg.MQTTKeepalive) * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Duration(cfg.MQTTReconnectDelay) * time.Second).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.MQTTReconnectDelay) * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}
	c.opts = opts

	c.log.Info().Str("broker", cfg.BrokerURL()).Str("client_id", clientID).Msg("bus client configured")
	return c
}

// SetHandler installs the single inbound handler. Must be called before
// Connect.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Subscribe registers a filter. Registration survives reconnects: the
// connect handler re-applies every filter, since sessions are not persisted.
func (c *Client) Subscribe(topic string, qos byte) {
	c.mu.Lock()
	c.subs[topic] = qos
	cli := c.client
	c.mu.Unlock()

	if cli != nil && cli.IsConnectionOpen() {
		c.apply(cli, topic, qos)
	}
}

// Connect dials the broker and blocks until the session is up or ctx ends.
// Retries are handled inside paho at the configured interval.
func (c *Client) Connect(ctx context.Context) error {
	cli := mqtt.NewClient(c.opts)
	c.mu.Lock()
	c.client = cli
	c.mu.Unlock()

	token := cli.Connect()
	select {
	case <-ctx.Done():
		cli.Disconnect(0)
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}

// Publish sends with a bounded wait so a wedged broker cannot stall the
// pipeline.
func (c *Client) Publish(topic string, qos byte, payload []byte) error {
	c.mu.Lock()
	cli := c.client
	c.mu.Unlock()
	if cli == nil {
		return fmt.Errorf("bus not connected")
	}

	token := cli.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timed out: %s", topic)
	}
	return token.Error()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	cli := c.client
	c.mu.Unlock()
	return cli != nil && cli.IsConnectionOpen()
}

// Disconnect flushes in-flight traffic and drops the connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cli := c.client
	c.mu.Unlock()
	if cli != nil {
		cli.Disconnect(250)
	}
	metrics.SetBusConnected(false)
	c.log.Info().Msg("bus disconnected")
}

func (c *Client) onConnect(cli mqtt.Client) {
	metrics.SetBusConnected(true)

	c.mu.Lock()
	subs := make(map[string]byte, len(c.subs))
	for t, q := range c.subs {
		subs[t] = q
	}
	c.mu.Unlock()

	for t, q := range subs {
		c.apply(cli, t, q)
	}
	c.log.Info().Int("filters", len(subs)).Msg("bus connected")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	metrics.SetBusConnected(false)
	c.log.Warn().Err(err).Msg("bus connection lost, reconnecting")
}

func (c *Client) apply(cli mqtt.Client, topic string, qos byte) {
	token := cli.Subscribe(topic, qos, c.dispatch)
	go func() {
		if token.Wait() && token.Error() != nil {
			c.log.Error().Err(token.Error()).Str("topic", topic).Msg("subscribe failed")
		}
	}()
}

func (c *Client) dispatch(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(msg.Topic(), msg.Payload())
	}
}
