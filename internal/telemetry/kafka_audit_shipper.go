package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	cfg "github.com/tilli/master-agent/internal/config"
	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/util/logger"
)

// messageWriter is the subset of *kafka.Writer the shipper uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAuditShipper fans audit events and alerts out to Kafka. The local
// audit store stays the system of record; Kafka delivery is best effort.
type KafkaAuditShipper struct {
	cfg     cfg.KafkaConfig
	wAudit  messageWriter
	wAlerts messageWriter
	metrics *Metrics
	ch      chan any
	stop    chan struct{}
	done    chan struct{}
}

func NewKafkaAuditShipper(cfgIn cfg.KafkaConfig, metrics *Metrics) (*KafkaAuditShipper, error) {
	c := cfgIn
	if !c.Enabled {
		return &KafkaAuditShipper{cfg: c, ch: make(chan any), stop: make(chan struct{}), done: make(chan struct{})}, nil
	}
	if len(c.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = c.BatchSize * 4
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}

	tr := &kafka.Transport{
		DialTimeout: c.DialTimeout,
	}
	if c.TLS {
		tr.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	newWriter := func(topic string) messageWriter {
		if topic == "" {
			return nil
		}
		return &kafka.Writer{
			Addr:                   kafka.TCP(c.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Transport:              tr,
			AllowAutoTopicCreation: false,
			Async:                  true,
			BatchTimeout:           c.FlushEvery,
			BatchSize:              c.BatchSize,
			WriteTimeout:           c.WriteTimeout,
		}
	}

	return newShipper(c, newWriter(c.TopicAudit), newWriter(c.TopicAlerts), metrics), nil
}

func newShipper(c cfg.KafkaConfig, audit, alerts messageWriter, metrics *Metrics) *KafkaAuditShipper {
	capacity := c.QueueCapacity
	if capacity <= 0 {
		capacity = 64
	}
	return &KafkaAuditShipper{
		cfg:     c,
		wAudit:  audit,
		wAlerts: alerts,
		metrics: metrics,
		ch:      make(chan any, capacity),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *KafkaAuditShipper) Start() {
	if !s.cfg.Enabled {
		return
	}
	go s.loop()
}

// Stop drains queued events and closes the writers. ctx bounds the drain.
func (s *KafkaAuditShipper) Stop(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	close(s.stop)
	select {
	case <-s.done:
	case <-ctx.Done():
		logger.Warn("[KafkaAuditShipper] drain interrupted: %v", ctx.Err())
	}
	if s.wAudit != nil {
		_ = s.wAudit.Close()
	}
	if s.wAlerts != nil {
		_ = s.wAlerts.Close()
	}
}

// Publish queues ev without blocking. Events are dropped on backpressure.
func (s *KafkaAuditShipper) Publish(ev any) {
	if !s.cfg.Enabled {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.metrics.Dropped(topicOf(ev))
	}
}

func (s *KafkaAuditShipper) loop() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.ch:
			s.send(ev)
		case <-s.stop:
			for {
				select {
				case ev := <-s.ch:
					s.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *KafkaAuditShipper) send(ev any) {
	if err := s.dispatch(ev); err != nil {
		logger.Warn("[KafkaAuditShipper] dispatch failed: %v", err)
	}
}

func topicOf(ev any) string {
	switch ev.(type) {
	case AlertEvent, *AlertEvent:
		return "alerts"
	default:
		return "audit"
	}
}

func (s *KafkaAuditShipper) dispatch(ev any) error {
	now := time.Now().UTC()
	m := map[string]any{}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if _, ok := m["@timestamp"]; !ok {
		m["@timestamp"] = now
	}
	payload, _ := json.Marshal(m)

	key := func(field string) []byte {
		if v, ok := m[field]; ok && v != nil {
			if str, ok := v.(string); ok && str != "" {
				return []byte(str)
			}
		}
		return nil
	}

	var w messageWriter
	var k []byte
	switch ev.(type) {
	case models.AuditEvent, *models.AuditEvent:
		w, k = s.wAudit, key("user_id")
	case AlertEvent, *AlertEvent:
		w, k = s.wAlerts, key("incident_id")
	default:
		w, k = s.wAudit, key("id")
	}
	if w == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout+time.Second)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: k, Value: payload, Time: now})
}
