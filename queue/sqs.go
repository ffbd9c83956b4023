package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/rs/zerolog/log"
)

// SQS is a queue kept in AWS SQS. The queue argument of each method is
// either a queue URL or a queue name, which is resolved once and cached.
type SQS struct {
	svc *sqs.SQS

	m    sync.Mutex
	urls map[string]string
}

var _ Queue = &SQS{}

// NewSQS returns an SQS queue client using the given session.
func NewSQS(awsSession *session.Session) *SQS {
	return &SQS{svc: sqs.New(awsSession), urls: make(map[string]string)}
}

// sqsMaxBatch is the most messages SQS returns from one receive call.
const sqsMaxBatch = 10

// sqsMaxWait is the longest long-poll SQS allows.
const sqsMaxWait = 20 * time.Second

func (q *SQS) url(ctx context.Context, queue string) (string, error) {
	if strings.HasPrefix(queue, "https://") || strings.HasPrefix(queue, "http://") {
		return queue, nil
	}
	q.m.Lock()
	u, ok := q.urls[queue]
	q.m.Unlock()
	if ok {
		return u, nil
	}
	out, err := q.svc.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", err
	}
	u = aws.StringValue(out.QueueUrl)
	q.m.Lock()
	q.urls[queue] = u
	q.m.Unlock()
	return u, nil
}

// Send enqueues one message. Delays beyond MaxDelay are capped.
func (q *SQS) Send(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	u, err := q.url(ctx, queue)
	if err != nil {
		return err
	}
	_, err = q.svc.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(u),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: aws.Int64(int64(capDelay(delay) / time.Second)),
	})
	return err
}

// ReceiveBatch issues receive calls of at most ten messages until max
// messages are collected or the wait window is over.
func (q *SQS) ReceiveBatch(ctx context.Context, queue string, max int, wait time.Duration) ([]Message, error) {
	u, err := q.url(ctx, queue)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(wait)
	var result []Message
	for len(result) < max {
		n := max - len(result)
		if n > sqsMaxBatch {
			n = sqsMaxBatch
		}
		poll := time.Until(deadline)
		if poll > sqsMaxWait {
			poll = sqsMaxWait
		}
		if poll < 0 {
			poll = 0
		}
		out, err := q.svc.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(u),
			MaxNumberOfMessages: aws.Int64(int64(n)),
			WaitTimeSeconds:     aws.Int64(int64(poll / time.Second)),
		})
		if err != nil {
			if len(result) > 0 {
				log.Warn().Err(err).Str("queue", queue).Int("count", len(result)).Msg("receive stopped early")
				return result, nil
			}
			return nil, err
		}
		for _, m := range out.Messages {
			result = append(result, Message{
				ID:      aws.StringValue(m.MessageId),
				Body:    []byte(aws.StringValue(m.Body)),
				Receipt: aws.StringValue(m.ReceiptHandle),
			})
		}
		if !time.Now().Before(deadline) {
			break
		}
	}
	return result, nil
}

// Delete acknowledges the message.
func (q *SQS) Delete(ctx context.Context, queue string, msg Message) error {
	u, err := q.url(ctx, queue)
	if err != nil {
		return err
	}
	_, err = q.svc.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(u),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	return err
}
