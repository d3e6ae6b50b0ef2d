// Package publish forwards sensing results to external consumers: an MQTT
// broker and WebSocket clients.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/banshee-data/csi-sense/internal/monitoring"
	"github.com/banshee-data/csi-sense/internal/pipeline"
	"github.com/banshee-data/csi-sense/internal/security"
)

// MQTTConfig configures the broker connection and topics.
type MQTTConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	Username string
	Password string
	// TopicPrefix roots every topic; default "csi-sense".
	TopicPrefix string
	QoS         byte
	Retain      bool
	// QueueSize bounds events waiting to be sent; default 256.
	QueueSize int
	// Timeout bounds each publish; default 5s.
	Timeout time.Duration
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "csi-sense"
	}
	c.TopicPrefix = strings.TrimSuffix(c.TopicPrefix, "/")
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// MQTTClient is the part of mqtt.Client the publisher uses.
type MQTTClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher sends pipeline events to a broker from its own goroutine,
// so a slow broker never holds up frame processing.
type MQTTPublisher struct {
	client MQTTClient
	cfg    MQTTConfig
	queue  chan pipeline.Event

	published atomic.Int64
	dropped   atomic.Int64
}

// ConnectMQTT dials the broker. The client reconnects on its own after a
// lost connection.
func ConnectMQTT(cfg MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID("csi-sense-" + uuid.NewString()[:8])
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		monitoring.Infof("MQTT: connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		monitoring.Warnf("MQTT: connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.withDefaults().Timeout) {
		// ConnectRetry keeps trying in the background; publishes queue
		// inside the client until then.
		monitoring.Warnf("MQTT: %s not reachable yet, retrying in the background", cfg.Broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	return NewMQTTPublisher(client, cfg), nil
}

// NewMQTTPublisher wraps an existing client.
func NewMQTTPublisher(client MQTTClient, cfg MQTTConfig) *MQTTPublisher {
	cfg = cfg.withDefaults()
	return &MQTTPublisher{
		client: client,
		cfg:    cfg,
		queue:  make(chan pipeline.Event, cfg.QueueSize),
	}
}

// Topic returns where e is published: <prefix>/position for estimates and
// <prefix>/station/<hw>/<kind> for periodicity results and motion levels.
func (p *MQTTPublisher) Topic(e pipeline.Event) string {
	switch {
	case e.Kind == pipeline.EventPeriodicity && e.Periodicity != nil:
		return p.stationTopic(e.Periodicity.Station, e.Kind)
	case e.Kind == pipeline.EventActivity && e.Activity != nil:
		return p.stationTopic(e.Activity.Station, e.Kind)
	default:
		return p.cfg.TopicPrefix + "/" + e.Kind
	}
}

func (p *MQTTPublisher) stationTopic(hw, kind string) string {
	hw = security.SanitizeFilename(strings.ReplaceAll(hw, ":", "-"))
	return p.cfg.TopicPrefix + "/station/" + hw + "/" + kind
}

// Enqueue queues e without blocking. It reports false when the queue is
// full and e was dropped.
func (p *MQTTPublisher) Enqueue(e pipeline.Event) bool {
	select {
	case p.queue <- e:
		return true
	default:
		if p.dropped.Add(1) == 1 {
			monitoring.Warnf("MQTT: queue full, dropping events")
		}
		return false
	}
}

// AttachPipeline queues every result of pipe. The returned func detaches.
func (p *MQTTPublisher) AttachPipeline(pipe *pipeline.Pipeline) (detach func()) {
	return pipe.Subscribe(func(e pipeline.Event) { p.Enqueue(e) })
}

// Run publishes queued events until ctx is done.
func (p *MQTTPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-p.queue:
			p.publish(e)
		}
	}
}

func (p *MQTTPublisher) publish(e pipeline.Event) {
	topic := p.Topic(e)
	data, err := json.Marshal(e)
	if err != nil {
		monitoring.Errorf("MQTT: failed to marshal %s event: %v", e.Kind, err)
		return
	}
	token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retain, data)
	if !token.WaitTimeout(p.cfg.Timeout) {
		monitoring.Warnf("MQTT: publish to %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		monitoring.Warnf("MQTT: failed to publish to %s: %v", topic, err)
		return
	}
	p.published.Add(1)
}

// Published returns the number of events the broker accepted.
func (p *MQTTPublisher) Published() int64 { return p.published.Load() }

// Dropped returns the number of events lost to a full queue.
func (p *MQTTPublisher) Dropped() int64 { return p.dropped.Load() }

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
