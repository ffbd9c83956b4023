package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// Memory is an in-process queue. It honours delays and the visibility
// timeout using its clock, so tests can drive it with clock.NewMock().
type Memory struct {
	Clock      clock.Clock
	Visibility time.Duration

	m      sync.Mutex
	queues map[string]*memqueue
	nextID int
}

type memqueue struct {
	msgs   []*memmsg
	notify chan struct{} // closed and replaced on every send
}

type memmsg struct {
	id        string
	body      []byte
	visibleAt time.Time
	receipt   string
	received  int
}

var _ Queue = &Memory{}

// NewMemory returns an empty in-memory queue using the wall clock.
func NewMemory(visibility time.Duration) *Memory {
	return &Memory{
		Clock:      clock.New(),
		Visibility: visibility,
		queues:     make(map[string]*memqueue),
	}
}

func (mq *Memory) get(queue string) *memqueue {
	q, ok := mq.queues[queue]
	if !ok {
		q = &memqueue{notify: make(chan struct{})}
		mq.queues[queue] = q
	}
	return q
}

// Send adds a message to the end of the queue.
func (mq *Memory) Send(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	mq.m.Lock()
	defer mq.m.Unlock()
	mq.nextID++
	q := mq.get(queue)
	q.msgs = append(q.msgs, &memmsg{
		id:        strconv.Itoa(mq.nextID),
		body:      append([]byte(nil), body...),
		visibleAt: mq.Clock.Now().Add(capDelay(delay)),
	})
	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}

// ReceiveBatch returns the visible messages in send order.
func (mq *Memory) ReceiveBatch(ctx context.Context, queue string, max int, wait time.Duration) ([]Message, error) {
	var timeout <-chan time.Time
	for {
		mq.m.Lock()
		result := mq.take(queue, max)
		notify := mq.get(queue).notify
		mq.m.Unlock()
		if len(result) > 0 || wait <= 0 {
			return result, nil
		}
		if timeout == nil {
			timeout = mq.Clock.After(wait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-notify:
		}
	}
}

// take assumes the caller holds mq.m.
func (mq *Memory) take(queue string, max int) []Message {
	var result []Message
	now := mq.Clock.Now()
	for _, msg := range mq.get(queue).msgs {
		if len(result) >= max {
			break
		}
		if now.Before(msg.visibleAt) {
			continue
		}
		msg.received++
		msg.receipt = msg.id + "-" + strconv.Itoa(msg.received)
		msg.visibleAt = now.Add(mq.Visibility)
		result = append(result, Message{ID: msg.id, Body: msg.body, Receipt: msg.receipt})
	}
	return result
}

// Delete removes the message if the receipt is still current. Deleting with
// a stale receipt is silently ignored, as SQS does.
func (mq *Memory) Delete(ctx context.Context, queue string, msg Message) error {
	mq.m.Lock()
	defer mq.m.Unlock()
	q := mq.get(queue)
	for i, m := range q.msgs {
		if m.id == msg.ID && m.receipt == msg.Receipt {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of messages in the queue, visible or not.
func (mq *Memory) Len(queue string) int {
	mq.m.Lock()
	defer mq.m.Unlock()
	return len(mq.get(queue).msgs)
}

// Peek returns the bodies of every message in the queue, visible or not,
// together with the time each becomes visible. It is intended for tests.
func (mq *Memory) Peek(queue string) ([][]byte, []time.Time) {
	mq.m.Lock()
	defer mq.m.Unlock()
	var bodies [][]byte
	var times []time.Time
	for _, m := range mq.get(queue).msgs {
		bodies = append(bodies, m.body)
		times = append(times, m.visibleAt)
	}
	return bodies, times
}
