package rabbitmq

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/soundscribe/internal/worker"
)

type fakeAck struct {
	acked, nacked, requeued bool
}

func (a *fakeAck) Ack(bool) error { a.acked = true; return nil }
func (a *fakeAck) Nack(_ bool, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}

type retryCall struct {
	body    string
	attempt int
}

func newTestConsumer(publishErr error) (*Consumer, *[]retryCall) {
	var calls []retryCall
	c := &Consumer{queue: "jobs", concurrency: 1}
	c.republish = func(_ context.Context, body []byte, attempt int) error {
		calls = append(calls, retryCall{string(body), attempt})
		return publishErr
	}
	return c, &calls
}

func TestDecodeJob(t *testing.T) {
	id, err := decodeJob([]byte(`{"link_id": 42}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, body := range []string{`nope`, `{}`, `{"link_id":-1}`, `{"link_id":"7"}`} {
		_, err := decodeJob([]byte(body))
		assert.ErrorIs(t, err, errBadMessage, body)
	}

	_, err = encodeJob(0)
	assert.ErrorIs(t, err, errBadMessage)
	b, err := encodeJob(9)
	require.NoError(t, err)
	assert.JSONEq(t, `{"link_id":9}`, string(b))
}

func TestHandle_Success(t *testing.T) {
	c, calls := newTestConsumer(nil)
	ack := &fakeAck{}
	var got int64

	c.handle(context.Background(), 0, ack, []byte(`{"link_id":5}`), 0, func(_ context.Context, id int64) error {
		got = id
		return nil
	})

	assert.Equal(t, int64(5), got)
	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Empty(t, *calls)
}

func TestHandle_BadMessageDeadLetters(t *testing.T) {
	c, calls := newTestConsumer(nil)
	ack := &fakeAck{}
	ran := false

	c.handle(context.Background(), 0, ack, []byte(`garbage`), 0, func(context.Context, int64) error {
		ran = true
		return nil
	})

	assert.False(t, ran)
	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued)
	assert.Empty(t, *calls)
}

func TestHandle_PermanentErrorDeadLetters(t *testing.T) {
	c, calls := newTestConsumer(nil)
	ack := &fakeAck{}

	c.handle(context.Background(), 0, ack, []byte(`{"link_id":5}`), 0, func(context.Context, int64) error {
		return Permanent(errors.New("link not found"))
	})

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued)
	assert.Empty(t, *calls)
}

func TestHandle_TransientErrorRetriesThenDeadLetters(t *testing.T) {
	failing := func(context.Context, int64) error { return errors.New("db unavailable") }

	c, calls := newTestConsumer(nil)
	ack := &fakeAck{}
	c.handle(context.Background(), 0, ack, []byte(`{"link_id":5}`), 1, failing)
	assert.True(t, ack.acked)
	require.Len(t, *calls, 1)
	assert.Equal(t, 2, (*calls)[0].attempt)

	ack = &fakeAck{}
	c.handle(context.Background(), 0, ack, []byte(`{"link_id":5}`), maxRetries, failing)
	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued)
	assert.Len(t, *calls, 1)
}

func TestHandle_RetryPublishFailureRequeues(t *testing.T) {
	c, _ := newTestConsumer(errors.New("channel closed"))
	ack := &fakeAck{}

	c.handle(context.Background(), 0, ack, []byte(`{"link_id":5}`), 0, func(context.Context, int64) error {
		return errors.New("db unavailable")
	})

	assert.False(t, ack.acked)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeued)
}

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 2, retryCount(amqp.Table{retryHeader: int32(2)}))
	assert.Equal(t, 3, retryCount(amqp.Table{retryHeader: int64(3)}))
	assert.Equal(t, 0, retryCount(amqp.Table{retryHeader: "x"}))
}

func TestPublishConsume_Broker(t *testing.T) {
	url := os.Getenv("RABBIT_URL")
	if url == "" {
		t.Skip("RABBIT_URL not set")
	}
	queue := "soundscribe_test_" + time.Now().Format("150405.000000")

	pub, err := NewPublisher(url, queue)
	require.NoError(t, err)
	defer pub.Close()
	cons, err := NewConsumer(url, queue, 1)
	require.NoError(t, err)
	defer cons.Close()

	require.NoError(t, pub.Enqueue(context.Background(), worker.Task{LinkID: 11}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got := make(chan int64, 1)
	go func() {
		_ = cons.Run(ctx, func(_ context.Context, id int64) error {
			got <- id
			return nil
		})
	}()

	select {
	case id := <-got:
		assert.Equal(t, int64(11), id)
	case <-ctx.Done():
		t.Fatal("job not consumed")
	}
}
