package rabbitmq

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	retryHeader = "x-retry"
	maxRetries  = 3
	retryDelay  = 5 * time.Second
)

// Handler processes one link. Returning an error wrapped with Permanent
// dead-letters the message; any other error schedules a delayed retry.
type Handler func(ctx context.Context, linkID int64) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err is dead-lettered without retry.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, errBadMessage)
}

// acknowledger is the part of amqp.Delivery the consumer settles messages with.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	concurrency int

	// republish sends a failed job to the retry queue.
	republish func(ctx context.Context, body []byte, attempt int) error
}

func NewConsumer(url, queue string, concurrency int) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	//  strict concurrency control
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	c := &Consumer{conn: conn, ch: ch, queue: queue, concurrency: concurrency}
	c.republish = c.publishRetry
	return c, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Run consumes until ctx is cancelled, then waits for in-flight jobs.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	log.Printf("consumer started, queue=%s concurrency=%d", c.queue, c.concurrency)

	jobs := make(chan amqp.Delivery, c.concurrency*2)

	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.handle(ctx, workerID, d, d.Body, retryCount(d.Headers), h)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("consumer shutting down")
			close(jobs)
			wg.Wait()
			return nil

		case d, ok := <-msgs:
			if !ok {
				close(jobs)
				wg.Wait()
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) handle(ctx context.Context, workerID int, ack acknowledger, body []byte, attempt int, h Handler) {
	linkID, err := decodeJob(body)
	if err == nil {
		start := time.Now()
		err = h(ctx, linkID)
		if err != nil {
			log.Printf("worker=%d link=%d attempt=%d failed cost=%s err=%v", workerID, linkID, attempt, time.Since(start), err)
		}
	} else {
		log.Printf("worker=%d bad message: %v", workerID, err)
	}

	switch {
	case err == nil:
		if aerr := ack.Ack(false); aerr != nil {
			log.Printf("worker=%d ack failed link=%d err=%v", workerID, linkID, aerr)
		}
	case IsPermanent(err) || attempt >= maxRetries:
		_ = ack.Nack(false, false)
	default:
		if perr := c.republish(context.WithoutCancel(ctx), body, attempt+1); perr != nil {
			log.Printf("worker=%d retry publish failed link=%d err=%v", workerID, linkID, perr)
			_ = ack.Nack(false, true)
			return
		}
		_ = ack.Ack(false)
	}
}

func (c *Consumer) publishRetry(ctx context.Context, body []byte, attempt int) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.ch.PublishWithContext(cctx, "", retryQueue(c.queue), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
		Expiration:   strconv.FormatInt(retryDelay.Milliseconds(), 10),
		Headers:      amqp.Table{retryHeader: int32(attempt)},
	})
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
