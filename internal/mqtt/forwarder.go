// Package mqtt forwards trip and alarm events to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/rufus800/challawa-np/internal/config"
	"github.com/rufus800/challawa-np/internal/metrics"
	"github.com/rufus800/challawa-np/internal/models"
	"github.com/rufus800/challawa-np/pkg/logger"
)

const eventBuffer = 256

// ErrPublishTimeout means the broker did not acknowledge in time
var ErrPublishTimeout = errors.New("mqtt: publish timed out")

// ForwarderStats are exposed on the debug endpoint
type ForwarderStats struct {
	Connected bool  `json:"connected"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// Forwarder publishes domain events as JSON to <topic_prefix>/<unit_id>/events
type Forwarder struct {
	client  paho.Client
	cfg     config.MQTTConfig
	metrics *metrics.Collector
	events  chan models.DomainEvent

	newBackOff func() backoff.BackOff

	published atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// NewForwarder creates a forwarder for the configured broker. Nothing is dialed yet.
func NewForwarder(cfg config.MQTTConfig, m *metrics.Collector) *Forwarder {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warnf("MQTT connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Infof("Connected to MQTT broker %s", cfg.Broker)
	})

	return newForwarder(paho.NewClient(opts), cfg, m)
}

func newForwarder(client paho.Client, cfg config.MQTTConfig, m *metrics.Collector) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	f := &Forwarder{
		client:  client,
		cfg:     cfg,
		metrics: m,
		events:  make(chan models.DomainEvent, eventBuffer),
	}
	f.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.MaxInterval = time.Minute
		b.MaxElapsedTime = 0
		return b
	}
	return f
}

// HandleEvent queues an event without blocking
func (f *Forwarder) HandleEvent(ev models.DomainEvent) {
	select {
	case f.events <- ev:
	default:
		f.skipped.Add(1)
		f.metrics.ForwardFailure()
		logger.Warnf("MQTT queue full, %s for unit %d not forwarded", ev.Kind, ev.UnitID)
	}
}

// Run connects with backoff, then publishes queued events until ctx is canceled
func (f *Forwarder) Run(ctx context.Context) error {
	if err := f.connect(ctx); err != nil {
		return nil
	}
	defer func() {
		f.client.Disconnect(250)
		logger.Info("MQTT forwarder disconnected")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-f.events:
			if err := f.Publish(ev); err != nil {
				logger.Errorf("MQTT publish of %s for unit %d failed: %v", ev.Kind, ev.UnitID, err)
			}
		}
	}
}

func (f *Forwarder) connect(ctx context.Context) error {
	op := func() error {
		token := f.client.Connect()
		if !token.WaitTimeout(f.cfg.Timeout) {
			return fmt.Errorf("mqtt: connect to %s timed out", f.cfg.Broker)
		}
		return token.Error()
	}
	notify := func(err error, wait time.Duration) {
		logger.Warnf("MQTT broker unavailable, retrying in %s: %v", wait.Round(time.Millisecond), err)
	}
	return backoff.RetryNotify(op, backoff.WithContext(f.newBackOff(), ctx), notify)
}

// Publish sends one event at the configured QoS and waits for the acknowledgement
func (f *Forwarder) Publish(ev models.DomainEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("mqtt: encode event: %w", err)
	}

	token := f.client.Publish(f.Topic(ev.UnitID), f.cfg.QoS, false, payload)
	if !token.WaitTimeout(f.cfg.Timeout) {
		err = ErrPublishTimeout
	} else {
		err = token.Error()
	}
	if err != nil {
		f.failed.Add(1)
		f.metrics.ForwardFailure()
		return err
	}
	f.published.Add(1)
	return nil
}

// Topic returns the event topic of a unit. Alarm events use unit 0.
func (f *Forwarder) Topic(unitID int) string {
	return fmt.Sprintf("%s/%d/events", f.cfg.TopicPrefix, unitID)
}

// Stats returns the forwarder counters
func (f *Forwarder) Stats() ForwarderStats {
	return ForwarderStats{
		Connected: f.client.IsConnected(),
		Published: f.published.Load(),
		Failed:    f.failed.Load(),
		Skipped:   f.skipped.Load(),
	}
}
