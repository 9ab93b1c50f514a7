// Package events mirrors scan audit entries onto Kafka for downstream
// consumers (reporting, billing usage).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/limenhq/limen/internal/limen/metrics"
	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/types"
)

const DefaultTopic = "limen.scans"

// MessageWriter is the subset of *kafka.Writer the mirror uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns an async writer keyed by tenant so each tenant's
// entries stay ordered within one partition.
func NewKafkaWriter(brokers []string, topic string, log logrus.FieldLogger) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err == nil {
				return
			}
			metrics.KafkaPublishFailureTotal.WithLabelValues(topic).Add(float64(len(msgs)))
			log.WithFields(logrus.Fields{"topic": topic, "messages": len(msgs), "err": err}).
				Error("kafka publish failed")
		},
	}
}

// ScanEvent is the message value published for each audit entry.
type ScanEvent struct {
	Type  string             `json:"type"`
	Entry types.ScanLogEntry `json:"entry"`
}

// Mirror is a ScanLogStore that appends to the wrapped store first and then
// publishes the entry. Publishing never fails an append.
type Mirror struct {
	store.ScanLogStore
	writer MessageWriter
	topic  string
	log    logrus.FieldLogger
}

func NewMirror(inner store.ScanLogStore, w MessageWriter, topic string, log logrus.FieldLogger) *Mirror {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Mirror{ScanLogStore: inner, writer: w, topic: topic, log: log}
}

func (m *Mirror) Append(ctx context.Context, e types.ScanLogEntry) error {
	if err := m.ScanLogStore.Append(ctx, e); err != nil {
		return err
	}
	if err := m.publish(ctx, e); err != nil {
		metrics.KafkaPublishFailureTotal.WithLabelValues(m.topic).Inc()
		m.log.WithFields(logrus.Fields{
			"tenant_id": e.TenantID,
			"token_id":  e.TokenID,
			"err":       err,
		}).Warn("scan event not mirrored")
	}
	return nil
}

func (m *Mirror) publish(ctx context.Context, e types.ScanLogEntry) error {
	value, err := json.Marshal(ScanEvent{Type: "scan." + string(e.Result), Entry: e})
	if err != nil {
		return fmt.Errorf("encode scan event: %w", err)
	}
	return m.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.TenantID),
		Value: value,
		Time:  e.Timestamp,
	})
}

func (m *Mirror) Close() error {
	return m.writer.Close()
}
