package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/limenhq/limen/internal/limen/events"
	"github.com/limenhq/limen/internal/limen/store/memory"
	"github.com/limenhq/limen/internal/limen/types"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var at = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestMirror_AppendsThenPublishes(t *testing.T) {
	inner := memory.NewScanLogStore()
	w := &fakeWriter{}
	m := events.NewMirror(inner, w, "", silentLogger())

	entry := types.ScanLogEntry{TenantID: "t1", TokenID: "tok-1", Result: types.ScanSuccess, Reason: types.ReasonGranted, Timestamp: at}
	if err := m.Append(context.Background(), entry); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if n := len(inner.Entries()); n != 1 {
		t.Fatalf("inner store has %d entries", n)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("published %d messages", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "t1" || !msg.Time.Equal(at) {
		t.Errorf("message key/time = %q/%v", msg.Key, msg.Time)
	}
	var ev events.ScanEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "scan.success" || ev.Entry.TokenID != "tok-1" {
		t.Errorf("event = %+v", ev)
	}

	got, err := m.List(context.Background(), types.ScanLogFilter{TenantID: "t1"})
	if err != nil || len(got) != 1 {
		t.Fatalf("List through mirror = %+v, %v", got, err)
	}
}

func TestMirror_PublishFailureDoesNotFailAppend(t *testing.T) {
	inner := memory.NewScanLogStore()
	m := events.NewMirror(inner, &fakeWriter{err: errors.New("broker down")}, "scans", silentLogger())

	if err := m.Append(context.Background(), types.ScanLogEntry{TenantID: "t1", Result: types.ScanInvalid, Timestamp: at}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n := len(inner.Entries()); n != 1 {
		t.Fatalf("inner store has %d entries", n)
	}
}

type failingLog struct{ *memory.ScanLogStore }

func (failingLog) Append(context.Context, types.ScanLogEntry) error { return errors.New("disk full") }

func TestMirror_AppendFailureSkipsPublish(t *testing.T) {
	w := &fakeWriter{}
	m := events.NewMirror(failingLog{memory.NewScanLogStore()}, w, "", silentLogger())

	if err := m.Append(context.Background(), types.ScanLogEntry{TenantID: "t1", Timestamp: at}); err == nil {
		t.Fatal("expected append error")
	}
	if len(w.msgs) != 0 {
		t.Errorf("published %d messages for a failed append", len(w.msgs))
	}
}

func TestMirror_Close(t *testing.T) {
	w := &fakeWriter{}
	m := events.NewMirror(memory.NewScanLogStore(), w, "", silentLogger())
	if err := m.Close(); err != nil || !w.closed {
		t.Fatalf("Close: %v closed=%v", err, w.closed)
	}
}

func TestNewKafkaWriter_DefaultsTopic(t *testing.T) {
	w := events.NewKafkaWriter([]string{"localhost:9092"}, "", silentLogger())
	defer w.Close()
	if w.Topic != events.DefaultTopic || !w.Async {
		t.Fatalf("writer topic=%q async=%v", w.Topic, w.Async)
	}
}
