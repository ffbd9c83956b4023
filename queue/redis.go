package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis is a queue kept in Redis, for deployments without SQS.
//
// Each queue uses four keys: a list of ready message ids, a sorted set of
// delayed ids scored by the time they become visible, a sorted set of
// in-flight ids scored by the time their visibility timeout ends, and a hash
// from id to body.
type Redis struct {
	conn       *redis.Client
	visibility time.Duration
}

var _ Queue = &Redis{}

// NewRedis returns a queue using conn. Received messages stay in flight for
// visibility before they are delivered again.
func NewRedis(conn *redis.Client, visibility time.Duration) *Redis {
	return &Redis{conn: conn, visibility: visibility}
}

func readyKey(q string) string    { return "hpatrol:q:" + q }
func delayedKey(q string) string  { return "hpatrol:q:" + q + ":delayed" }
func inflightKey(q string) string { return "hpatrol:q:" + q + ":inflight" }
func bodiesKey(q string) string   { return "hpatrol:q:" + q + ":bodies" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// Send stores the body and pushes its id onto the ready list, or onto the
// delayed set when delay is positive.
func (r *Redis) Send(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	id := uuid.NewString()
	delay = capDelay(delay)
	_, err := r.conn.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, bodiesKey(queue), id, body)
		if delay > 0 {
			p.ZAdd(ctx, delayedKey(queue), redis.Z{Score: score(time.Now().Add(delay)), Member: id})
		} else {
			p.RPush(ctx, readyKey(queue), id)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("q", queue).Msg("failed to push message to queue")
	}
	return err
}

// promote moves due delayed messages, and in-flight messages whose
// visibility timeout ended, onto the ready list. ZRem decides which of
// several concurrent promoters moves an id.
func (r *Redis) promote(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	for _, set := range []string{delayedKey(queue), inflightKey(queue)} {
		ids, err := r.conn.ZRangeByScore(ctx, set, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			n, err := r.conn.ZRem(ctx, set, id).Result()
			if err != nil {
				return err
			}
			if n == 1 {
				if err := r.conn.RPush(ctx, readyKey(queue), id).Err(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ReceiveBatch blocks for up to wait for the first message with BLPOP and
// then takes whatever else is ready, up to max.
func (r *Redis) ReceiveBatch(ctx context.Context, queue string, max int, wait time.Duration) ([]Message, error) {
	if err := r.promote(ctx, queue); err != nil {
		return nil, err
	}
	var ids []string
	if wait > 0 {
		res, err := r.conn.BLPop(ctx, wait, readyKey(queue)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		if len(res) == 2 {
			ids = append(ids, res[1])
		}
	}
	if rest := max - len(ids); rest > 0 {
		more, err := r.conn.LPopCount(ctx, readyKey(queue), rest).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		ids = append(ids, more...)
	}

	var result []Message
	expire := score(time.Now().Add(r.visibility))
	for _, id := range ids {
		body, err := r.conn.HGet(ctx, bodiesKey(queue), id).Bytes()
		if errors.Is(err, redis.Nil) {
			// deleted while it was being redelivered
			continue
		} else if err != nil {
			return result, err
		}
		if err := r.conn.ZAdd(ctx, inflightKey(queue), redis.Z{Score: expire, Member: id}).Err(); err != nil {
			return result, err
		}
		result = append(result, Message{ID: id, Body: body, Receipt: id})
	}
	return result, nil
}

// Delete removes the message everywhere.
func (r *Redis) Delete(ctx context.Context, queue string, msg Message) error {
	_, err := r.conn.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, inflightKey(queue), msg.Receipt)
		p.HDel(ctx, bodiesKey(queue), msg.Receipt)
		return nil
	})
	return err
}
