package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ledger-engine/internal/ledger"
)

func sampleEvent() ledger.Applied {
	return ledger.Applied{
		AccountID:   4,
		EntryID:     17,
		Amount:      250,
		Kind:        ledger.Debit,
		Description: "padaria",
		Balance:     -250,
		Limit:       10000000,
		OccurredAt:  time.Date(2024, 1, 17, 2, 34, 41, 0, time.UTC),
	}
}

func TestNew(t *testing.T) {
	p, err := New(Options{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = New(Options{Backend: "kafka"})
	require.Error(t, err)

	_, err = New(Options{Backend: "redis"})
	require.Error(t, err)

	_, err = New(Options{Backend: "nats"})
	require.Error(t, err)

	p, err = New(Options{Backend: "kafka", Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	kp, ok := p.(*KafkaPublisher)
	require.True(t, ok)
	assert.Equal(t, EventTypeApplied, kp.writer.(*kafka.Writer).Topic)
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := rdb.Subscribe(ctx, "ledger.test")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	p, err := New(Options{Backend: "redis", Topic: "ledger.test", Redis: rdb})
	require.NoError(t, err)
	require.NoError(t, p.Publish(ctx, sampleEvent()))

	select {
	case msg := <-sub.Channel():
		var env envelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		assert.Equal(t, EventTypeApplied, env.Type)
		assert.Equal(t, sampleEvent(), env.Event)
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
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

func TestKafkaPublisherKeysByAccount(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "4", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, EventTypeApplied, string(msg.Headers[0].Value))

	var got ledger.Applied
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, sampleEvent(), got)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherWrapsWriteErrors(t *testing.T) {
	brokerErr := errors.New("leader not available")
	p := &KafkaPublisher{writer: &fakeWriter{err: brokerErr}}

	err := p.Publish(context.Background(), sampleEvent())
	require.ErrorIs(t, err, brokerErr)
}
