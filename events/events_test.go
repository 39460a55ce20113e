package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ecoboard/engine"
	"github.com/warp/ecoboard/engine/store"
)

type fakeWriter struct {
	mu       sync.Mutex
	msgs     []kafka.Message
	err      error
	deadline bool
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, w.deadline = ctx.Deadline()
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

var at = time.Date(2026, time.June, 1, 8, 0, 0, 0, time.UTC)

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	pub := newKafkaPublisherWithWriter(w, 0)

	ev := CompletionEvent{RecordID: "r-1", UserID: "u-1", TaskID: "bike", Category: "transport", Points: 10, CompletedAt: at}
	require.NoError(t, pub.Publish(context.Background(), ev))

	require.Len(t, w.msgs, 1)
	assert.True(t, w.deadline, "publish is bounded by a timeout")
	assert.Equal(t, "u-1", string(w.msgs[0].Key))
	assert.Equal(t, at, w.msgs[0].Time)

	var got CompletionEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, ev, got)

	require.NoError(t, pub.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	pub := newKafkaPublisherWithWriter(&fakeWriter{err: boom}, time.Second)

	err := pub.Publish(context.Background(), CompletionEvent{RecordID: "r-9"})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "r-9")
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Topic: "completions"})
	assert.Error(t, err)

	pub, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "completions"})
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}

func TestHook_PublishesOnlyNewCompletions(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveTask(ctx, engine.Task{ID: "bike", Category: "transport", Points: 10}))
	require.NoError(t, mem.SaveUser(ctx, engine.User{ID: "u-1"}))

	w := &fakeWriter{}
	ledger := engine.NewLedger(mem, mem, mem, engine.NewAccumulator(mem, mem, mem),
		engine.WithClock(engine.FixedClock{At: at}),
		engine.WithHooks(NewHook(newKafkaPublisherWithWriter(w, 0))))

	for i := 0; i < 3; i++ {
		_, _, err := ledger.RecordCompletion(ctx, "u-1", "bike")
		require.NoError(t, err)
	}

	require.Len(t, w.msgs, 1)
	var ev CompletionEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, "bike", ev.TaskID)
	assert.Equal(t, int64(10), ev.Points)
	assert.Equal(t, "transport", ev.Category)
	assert.Equal(t, at, ev.CompletedAt)
}

func TestHook_PublishFailureDoesNotFailCompletion(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveTask(ctx, engine.Task{ID: "bike", Points: 10}))
	require.NoError(t, mem.SaveUser(ctx, engine.User{ID: "u-1"}))

	scores := engine.NewAccumulator(mem, mem, mem)
	hook := NewHook(newKafkaPublisherWithWriter(&fakeWriter{err: errors.New("broker down")}, 0))
	ledger := engine.NewLedger(mem, mem, mem, scores, engine.WithHooks(hook))

	_, isNew, err := ledger.RecordCompletion(ctx, "u-1", "bike")
	require.NoError(t, err)
	assert.True(t, isNew)

	total, err := scores.GetScore(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
}
