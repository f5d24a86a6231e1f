package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/cascade-controller/internal/config"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

type subscription struct {
	topics  []string
	handler Handler
}

// RealClient talks to an actual broker. It resubscribes on every reconnect.
type RealClient struct {
	client paho.Client
	cfg    config.MQTT

	mu   sync.Mutex
	subs []subscription
}

func NewRealClient(cfg config.MQTT) (*RealClient, error) {
	c := &RealClient{cfg: cfg}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
		})
	if cfg.Topics.Availability != "" {
		opts.SetWill(cfg.Topics.Availability, PayloadOffline, 1, true)
	}

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	log.Info().Str("broker", cfg.Broker).Str("client_id", cfg.ClientID).Msg("MQTT connected")
	return c, nil
}

func (c *RealClient) onConnect(client paho.Client) {
	if c.cfg.Topics.Availability != "" {
		client.Publish(c.cfg.Topics.Availability, 1, true, PayloadOnline)
	}

	c.mu.Lock()
	subs := append([]subscription(nil), c.subs...)
	c.mu.Unlock()

	for _, s := range subs {
		if err := c.subscribe(client, s); err != nil {
			log.Error().Err(err).Strs("topics", s.topics).Msg("Failed to resubscribe")
		}
	}
}

func (c *RealClient) Publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *RealClient) Subscribe(topics []string, handler Handler) error {
	s := subscription{topics: topics, handler: handler}

	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		// picked up by onConnect
		return nil
	}
	return c.subscribe(c.client, s)
}

func (c *RealClient) subscribe(client paho.Client, s subscription) error {
	filters := make(map[string]byte, len(s.topics))
	for _, t := range s.topics {
		if t != "" {
			filters[t] = 0
		}
	}
	if len(filters) == 0 {
		return nil
	}

	token := client.SubscribeMultiple(filters, func(_ paho.Client, m paho.Message) {
		s.handler(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe: timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	log.Debug().Strs("topics", s.topics).Msg("MQTT subscribed")
	return nil
}

func (c *RealClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *RealClient) Close() error {
	if c.cfg.Topics.Availability != "" && c.client.IsConnectionOpen() {
		c.client.Publish(c.cfg.Topics.Availability, 1, true, PayloadOffline).WaitTimeout(publishTimeout)
	}
	c.client.Disconnect(1000)
	return nil
}
