// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bus subscribes to the kit message bus and turns published
// payloads into the same normalised records the HTTP collector produces.
// Delivery is at-least-once from the broker; idempotency comes from the
// writer's composite-key conflict handling.
package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wardragon/analytics-engine/pkg/registry"
	"github.com/wardragon/analytics-engine/pkg/store"
	"github.com/wardragon/analytics-engine/pkg/telemetry"
)

var (
	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wardragon_bus_messages_received_total",
		Help: "Number of bus messages received, by topic class.",
	}, []string{"topic"})
	messagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wardragon_bus_messages_dropped_total",
		Help: "Number of bus messages dropped, by topic class and reason.",
	}, []string{"topic", "reason"})
)

func init() {
	prometheus.MustRegister(messagesReceived, messagesDropped)
}

// Options configure the bus subscription. An empty BrokerHost disables the
// subscriber entirely.
type Options struct {
	BrokerHost  string
	BrokerPort  int
	Username    string
	Password    string
	UseTLS      bool
	TopicPrefix string
}

// Enabled reports whether a broker is configured.
func (o Options) Enabled() bool { return o.BrokerHost != "" }

// NewFlagOptions returns bus options populated through flags registered in
// the given application.
func NewFlagOptions(a *kingpin.Application) *Options {
	var opts Options

	a.Flag("bus.broker-host", "MQTT broker host; empty disables the bus subscriber.").
		Envar("MQTT_BROKER_HOST").StringVar(&opts.BrokerHost)

	a.Flag("bus.broker-port", "MQTT broker port.").
		Envar("MQTT_BROKER_PORT").Default("1883").IntVar(&opts.BrokerPort)

	a.Flag("bus.username", "MQTT username.").
		Envar("MQTT_USERNAME").StringVar(&opts.Username)

	a.Flag("bus.password", "MQTT password.").
		Envar("MQTT_PASSWORD").StringVar(&opts.Password)

	a.Flag("bus.use-tls", "Connect to the broker over TLS.").
		Envar("MQTT_USE_TLS").Default("false").BoolVar(&opts.UseTLS)

	a.Flag("bus.topic-prefix", "Topic prefix the kits publish under.").
		Envar("MQTT_TOPIC_PREFIX").Default("wardragon").StringVar(&opts.TopicPrefix)

	return &opts
}

// Subscriber consumes the kit topics and feeds the persistence writer.
type Subscriber struct {
	logger   log.Logger
	writer   *store.Writer
	registry *registry.Registry
	opts     Options

	// ctx is the run context, captured so paho callbacks inherit
	// cancellation and writer backpressure.
	ctx context.Context
}

// New returns a bus subscriber.
func New(logger log.Logger, writer *store.Writer, reg *registry.Registry, opts Options) *Subscriber {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Subscriber{
		logger:   logger,
		writer:   writer,
		registry: reg,
		opts:     opts,
	}
}

// Run connects, subscribes and blocks until ctx is cancelled. Broker
// disconnects are transient: paho reconnects and resubscribes on its own.
func (s *Subscriber) Run(ctx context.Context) error {
	s.ctx = ctx

	scheme := "tcp"
	if s.opts.UseTLS {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, s.opts.BrokerHost, s.opts.BrokerPort)

	co := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("wardragon-aggregator-%d", time.Now().Unix())).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectTimeout(10 * time.Second).
		SetOrderMatters(false)
	if s.opts.Username != "" {
		co.SetUsername(s.opts.Username).SetPassword(s.opts.Password)
	}
	if s.opts.UseTLS {
		co.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		level.Warn(s.logger).Log("msg", "broker connection lost, reconnecting", "err", err)
	})
	co.SetOnConnectHandler(func(c mqtt.Client) {
		s.subscribe(c)
	})

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return fmt.Errorf("connecting to broker %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to broker %s: %w", broker, err)
	}
	level.Info(s.logger).Log("msg", "bus subscriber connected", "broker", broker, "prefix", s.opts.TopicPrefix)

	<-ctx.Done()
	client.Disconnect(250)
	level.Info(s.logger).Log("msg", "bus subscriber stopped")
	return nil
}

func (s *Subscriber) subscribe(client mqtt.Client) {
	p := s.opts.TopicPrefix
	topics := map[string]byte{
		p + "/drones":       1,
		p + "/drone/+":      1,
		p + "/aircraft":     1,
		p + "/signals":      1,
		p + "/system/attrs": 1,
	}
	token := client.SubscribeMultiple(topics, s.handle)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			level.Error(s.logger).Log("msg", "subscribing to kit topics failed", "err", err)
			return
		}
		level.Info(s.logger).Log("msg", "subscribed to kit topics", "count", len(topics))
	}()
}

// handle routes one message by its topic below the prefix. Malformed
// payloads are dropped with a metric; the subscriber never exits on bad
// input.
func (s *Subscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	topic := strings.TrimPrefix(msg.Topic(), s.opts.TopicPrefix+"/")

	// Per-device availability/state heartbeats are plain strings, not JSON.
	if strings.HasSuffix(topic, "/availability") || strings.HasSuffix(topic, "/state") {
		return
	}

	class := topicClass(topic)
	messagesReceived.WithLabelValues(class).Inc()

	payloads, err := telemetry.DecodeObjects(msg.Payload(), "")
	if err != nil {
		messagesDropped.WithLabelValues(class, "malformed").Inc()
		level.Debug(s.logger).Log("msg", "dropping malformed bus message", "topic", msg.Topic(), "err", err)
		return
	}

	for _, p := range payloads {
		if err := s.ingest(class, p); err != nil {
			level.Warn(s.logger).Log("msg", "ingesting bus message failed", "topic", msg.Topic(), "err", err)
			return
		}
	}
}

func topicClass(topic string) string {
	switch {
	case topic == "drones" || strings.HasPrefix(topic, "drone/"):
		return "drones"
	case topic == "aircraft":
		return "aircraft"
	case topic == "signals":
		return "signals"
	case strings.HasPrefix(topic, "system/"):
		return "system"
	default:
		return "other"
	}
}

func (s *Subscriber) ingest(class string, p telemetry.Payload) error {
	kitID, ok := p.KitID()
	if !ok {
		messagesDropped.WithLabelValues(class, "no_kit_id").Inc()
		return nil
	}
	if err := s.registry.AutoRegister(s.ctx, kitID, store.SourceMQTT); err != nil {
		return fmt.Errorf("auto-registering kit %q: %w", kitID, err)
	}

	now := time.Now().UTC()
	switch class {
	case "drones":
		rec := telemetry.DroneRecord(kitID, p, now)
		if rec.DroneID == "" {
			messagesDropped.WithLabelValues(class, "no_drone_id").Inc()
			return nil
		}
		if err := s.writer.EnqueueTracks(s.ctx, []telemetry.TrackRecord{rec}); err != nil {
			return err
		}
	case "aircraft":
		rec := telemetry.AircraftRecord(kitID, p, now)
		if rec.DroneID == "" {
			messagesDropped.WithLabelValues(class, "no_icao").Inc()
			return nil
		}
		if err := s.writer.EnqueueTracks(s.ctx, []telemetry.TrackRecord{rec}); err != nil {
			return err
		}
	case "signals":
		rec := telemetry.NormalizedSignal(kitID, p, now)
		if rec.FreqMHz <= 0 {
			messagesDropped.WithLabelValues(class, "no_frequency").Inc()
			return nil
		}
		if err := s.writer.EnqueueSignals(s.ctx, []telemetry.SignalRecord{rec}); err != nil {
			return err
		}
	case "system":
		rec := telemetry.NormalizedHealth(kitID, p, now)
		if err := s.writer.EnqueueHealth(s.ctx, []telemetry.HealthRecord{rec}); err != nil {
			return err
		}
	default:
		messagesDropped.WithLabelValues(class, "unknown_topic").Inc()
		return nil
	}
	return s.writer.TouchKit(s.ctx, kitID, now)
}
