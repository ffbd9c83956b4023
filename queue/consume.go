package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Handler processes one received message. The message is deleted once the
// handler returns unless it returns Retry.
type Handler func(ctx context.Context, msg Message) error

// Retry is returned by a Handler to leave the message on the queue. It will
// be delivered again after the visibility timeout.
var Retry = retry{}

type retry struct{}

func (retry) Error() string { return "queue: message left for redelivery" }

// safely runs handler, turning a panic into an error so one bad message
// cannot take down the process. The message is then deleted like any other
// failure.
func safely(ctx context.Context, handler Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("id", msg.ID).Interface("panic", r).Msg("message handler panicked")
			err = errors.Errorf("panic handling message %s: %v", msg.ID, r)
		}
	}()
	return handler(ctx, msg)
}

// Consume receives one batch of at most max messages from queue and runs
// handler over them with at most workers in flight. It returns the number
// of messages received. Handler errors are logged, not returned; only a
// failed receive is an error.
func Consume(ctx context.Context, q Queue, queue string, max int, wait time.Duration, workers int, handler Handler) (int, error) {
	msgs, err := q.ReceiveBatch(ctx, queue, max, wait)
	if err != nil {
		return 0, err
	}
	if workers <= 0 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, msg := range msgs {
		msg := msg
		g.Go(func() error {
			err := safely(ctx, handler, msg)
			if err == Retry {
				return nil
			}
			if err != nil {
				log.Warn().Err(err).Str("queue", queue).Str("id", msg.ID).Msg("message handler failed")
			}
			// delete with a fresh context so a run that hit its deadline
			// still acknowledges the message
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := q.Delete(dctx, queue, msg); err != nil {
				log.Error().Err(err).Str("queue", queue).Str("id", msg.ID).Msg("deleting message")
			}
			return nil
		})
	}
	g.Wait()
	return len(msgs), nil
}
