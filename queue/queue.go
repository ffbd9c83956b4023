// Package queue provides the at-least-once message queue the pipeline
// components hand work to each other through.
//
// A received message stays invisible to other receivers for the queue's
// visibility timeout. If it is not deleted in that time it is delivered
// again, so every consumer must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Message is one received message. Receipt identifies this delivery and is
// what Delete needs.
type Message struct {
	ID      string
	Body    []byte
	Receipt string
}

// Queue is the queue capability. The queue argument is a queue URL or name,
// whichever the backend uses.
type Queue interface {
	// Send enqueues body. It becomes visible after delay.
	Send(ctx context.Context, queue string, body []byte, delay time.Duration) error
	// ReceiveBatch returns up to max messages, waiting at most wait for the
	// first to arrive. An empty result is not an error.
	ReceiveBatch(ctx context.Context, queue string, max int, wait time.Duration) ([]Message, error)
	// Delete acknowledges a received message.
	Delete(ctx context.Context, queue string, msg Message) error
}

// MaxDelay is the longest delay a message may be sent with. Longer delays
// are capped.
const MaxDelay = 15 * time.Minute

// SendJSON marshals v and sends it.
func SendJSON(ctx context.Context, q Queue, queue string, v interface{}, delay time.Duration) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "queue: marshal message")
	}
	return q.Send(ctx, queue, body, delay)
}

func capDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}
