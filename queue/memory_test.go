package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockQueue() (*Memory, *clock.Mock) {
	mc := clock.NewMock()
	mc.Add(time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC).Sub(mc.Now()))
	q := NewMemory(2 * time.Hour)
	q.Clock = mc
	return q, mc
}

func TestMemoryFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newMockQueue()
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, q.Send(ctx, "dispatch", []byte(s), 0))
	}
	msgs, err := q.ReceiveBatch(ctx, "dispatch", 2, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Body))
	assert.Equal(t, "b", string(msgs[1].Body))

	msgs, err = q.ReceiveBatch(ctx, "dispatch", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", string(msgs[0].Body))
}

func TestMemoryVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	q, mc := newMockQueue()
	q.Send(ctx, "status", []byte("x"), 0)

	first, _ := q.ReceiveBatch(ctx, "status", 1, 0)
	require.Len(t, first, 1)
	none, _ := q.ReceiveBatch(ctx, "status", 1, 0)
	assert.Empty(t, none)

	mc.Add(2*time.Hour + time.Second)
	again, _ := q.ReceiveBatch(ctx, "status", 1, 0)
	require.Len(t, again, 1)

	// the first receipt is stale now
	require.NoError(t, q.Delete(ctx, "status", first[0]))
	assert.Equal(t, 1, q.Len("status"))
	require.NoError(t, q.Delete(ctx, "status", again[0]))
	assert.Equal(t, 0, q.Len("status"))
}

func TestMemoryDelay(t *testing.T) {
	ctx := context.Background()
	q, mc := newMockQueue()
	q.Send(ctx, "transcode", []byte("later"), 5*time.Minute)
	q.Send(ctx, "transcode", []byte("capped"), time.Hour)

	msgs, _ := q.ReceiveBatch(ctx, "transcode", 10, 0)
	assert.Empty(t, msgs)

	mc.Add(5 * time.Minute)
	msgs, _ = q.ReceiveBatch(ctx, "transcode", 10, 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, "later", string(msgs[0].Body))

	_, times := q.Peek("transcode")
	assert.Equal(t, mc.Now().Add(MaxDelay-5*time.Minute), times[1])
}

func TestMemoryWaitWakesOnSend(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Send(ctx, "dispatch", []byte("hello"), 0)
	}()
	msgs, err := q.ReceiveBatch(ctx, "dispatch", 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", string(msgs[0].Body))
}

func TestSendJSON(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute)
	require.NoError(t, SendJSON(ctx, q, "status", map[string]bool{"isCollecting": true}, 0))
	msgs, _ := q.ReceiveBatch(ctx, "status", 1, 0)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"isCollecting":true}`, string(msgs[0].Body))
}

func TestConsume(t *testing.T) {
	ctx := context.Background()
	q, _ := newMockQueue()
	for _, s := range []string{"ok", "fail", "again"} {
		q.Send(ctx, "work", []byte(s), 0)
	}
	var seen []string
	var m sync.Mutex
	n, err := Consume(ctx, q, "work", 10, 0, 2, func(ctx context.Context, msg Message) error {
		m.Lock()
		seen = append(seen, string(msg.Body))
		m.Unlock()
		switch string(msg.Body) {
		case "fail":
			return errors.New("boom")
		case "again":
			return Retry
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{"ok", "fail", "again"}, seen)
	// only the message asking for redelivery is left
	bodies, _ := q.Peek("work")
	require.Len(t, bodies, 1)
	assert.Equal(t, "again", string(bodies[0]))
}

func TestConsumeSurvivesPanic(t *testing.T) {
	ctx := context.Background()
	q, _ := newMockQueue()
	q.Send(ctx, "work", []byte("bad"), 0)
	q.Send(ctx, "work", []byte("good"), 0)
	var handled []string
	var m sync.Mutex
	n, err := Consume(ctx, q, "work", 10, 0, 1, func(ctx context.Context, msg Message) error {
		if string(msg.Body) == "bad" {
			var nilMap map[string]int
			nilMap["x"]++
		}
		m.Lock()
		handled = append(handled, string(msg.Body))
		m.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"good"}, handled)
	assert.Equal(t, 0, q.Len("work"))

	err = safely(ctx, func(context.Context, Message) error { panic("boom") }, Message{ID: "m1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "m1")
}
