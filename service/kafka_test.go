package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

// mockMessageWriter implements messageWriter for testing.
type mockMessageWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (m *mockMessageWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func (m *mockMessageWriter) Close() error { return nil }

// mockReader implements messageReader for testing.
type mockReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	drained   bool // fetched with an empty queue
}

func (m *mockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	m.mu.Lock()
	if len(m.queue) > 0 {
		msg := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		return msg, nil
	}
	m.drained = true
	m.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (m *mockReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	m.committed = append(m.committed, msgs...)
	m.mu.Unlock()
	return nil
}

func (m *mockReader) Close() error { return nil }

func (m *mockReader) idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drained
}

func (m *mockReader) commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.committed)
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &mockMessageWriter{}
	p := newKafkaPublisher(w, "tracking.events", "tracking.alerts", func() time.Time { return testStart })
	ctx := context.Background()

	f := NewFanout(p)
	f.Broadcast(ctx, "evt-1", EventAgentStopped, AgentStopped{AgentID: "a1"})

	if len(w.msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (global channel is not written)", len(w.msgs))
	}
	msg := w.msgs[0]
	if msg.Topic != "tracking.events" || string(msg.Key) != "event:evt-1" {
		t.Errorf("topic/key = %s/%s", msg.Topic, msg.Key)
	}

	var env struct {
		Channel string          `json:"channel"`
		Type    string          `json:"type"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != EventAgentStopped || env.Channel != "event:evt-1" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestKafkaPublisher_RecordAlert(t *testing.T) {
	w := &mockMessageWriter{}
	p := newKafkaPublisher(w, "tracking.events", "tracking.alerts", UTCClock)

	err := p.RecordAlert(context.Background(), Alert{ID: "al-1", Type: AlertLowBattery, AgentID: "a1", EventID: "evt-1"})
	if err != nil {
		t.Fatal(err)
	}
	if w.msgs[0].Topic != "tracking.alerts" || string(w.msgs[0].Key) != "a1" {
		t.Errorf("topic/key = %s/%s", w.msgs[0].Topic, w.msgs[0].Key)
	}
}

func TestKafkaPublisher_WriteFails(t *testing.T) {
	p := newKafkaPublisher(&mockMessageWriter{err: errors.New("no brokers")}, "e", "a", UTCClock)

	err := p.Publish(context.Background(), EventChannel("evt-1"), EventPositionUpdate, PositionUpdate{})
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Errorf("got %v, want ErrTransportUnavailable", err)
	}
}

func TestTelemetryConsumer_Batches(t *testing.T) {
	valid := func(agent string) kafka.Message {
		data, _ := json.Marshal(Request{AgentID: agent, EventID: "evt-1", Latitude: ptr(1.0), Longitude: ptr(2.0)})
		return kafka.Message{Value: data}
	}
	r := &mockReader{queue: []kafka.Message{
		valid("a1"),
		{Value: []byte("{not json")},
		valid("a2"),
		valid("a3"),
	}}

	var mu sync.Mutex
	var batches [][]Request
	c := newTelemetryConsumer(r, KafkaConsumerConfig{BatchSize: 2, BatchTimeout: time.Hour}, func(ctx context.Context, reqs []Request) {
		mu.Lock()
		batches = append(batches, reqs)
		mu.Unlock()
	})
	c.fetchTimeout = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	waitFor(t, "queue drained", r.idle)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if len(batches[0]) != 2 || batches[0][0].AgentID != "a1" || batches[0][1].AgentID != "a2" {
		t.Errorf("first batch = %+v", batches[0])
	}
	if len(batches[1]) != 1 || batches[1][0].AgentID != "a3" {
		t.Errorf("final batch = %+v", batches[1])
	}
	if r.commits() != 4 {
		t.Errorf("committed %d messages, want 4", r.commits())
	}
}

func TestIngestBatch(t *testing.T) {
	in, f, _ := newIngestFixture(t)
	ctx := context.Background()

	if err := in.CheckIn(ctx, validRequest()); err != nil {
		t.Fatal(err)
	}
	before := f.writer.count()

	bad := validRequest()
	bad.Latitude = nil
	stranger := validRequest()
	stranger.AgentID = "stranger"

	IngestBatch(in)(ctx, []Request{validRequest(), bad, stranger, validRequest()})

	if got := f.writer.count() - before; got != 2 {
		t.Errorf("persisted %d samples, want 2", got)
	}
}
