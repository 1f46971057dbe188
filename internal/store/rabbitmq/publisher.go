package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/soundscribe/internal/worker"
)

// JobMessage is the body of every queued job. Workers re-read the link
// from the store, so the id is all that travels.
type JobMessage struct {
	LinkID int64 `json:"link_id"`
}

var errBadMessage = errors.New("bad job message")

func encodeJob(linkID int64) ([]byte, error) {
	if linkID <= 0 {
		return nil, fmt.Errorf("%w: link_id=%d", errBadMessage, linkID)
	}
	return json.Marshal(JobMessage{LinkID: linkID})
}

func decodeJob(body []byte) (int64, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return 0, fmt.Errorf("%w: %v", errBadMessage, err)
	}
	if m.LinkID <= 0 {
		return 0, fmt.Errorf("%w: link_id=%d", errBadMessage, m.LinkID)
	}
	return m.LinkID, nil
}

// Publisher schedules links onto the broker. It satisfies pipeline.Scheduler.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) Enqueue(ctx context.Context, t worker.Task) error {
	body, err := encodeJob(t.LinkID)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}
