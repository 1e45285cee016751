package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// ActionAttribute is the message attribute naming the channel of an SQS message.
// Messages without it are treated as creates.
const ActionAttribute = "action"

// SQSConfig tunes the SQS producer.
type SQSConfig struct {
	WaitTimeSeconds int32
	MaxMessages     int32
	VisibilityTO    int32

	// MaxIdlePolls ends the sequence after that many consecutive empty polls.
	// Zero polls until the context is canceled.
	MaxIdlePolls int
	// MaxItems ends the sequence after that many messages. Zero means no limit.
	MaxItems int

	// Retry wraps ReceiveMessage and DeleteMessageBatch calls. Nil uses DefaultRetry.
	Retry  RetryPolicy
	Logger *slog.Logger
}

func (c *SQSConfig) validate() error {
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		return errors.New("wait time seconds must be between 0 and 20")
	}
	if c.MaxMessages < 1 || c.MaxMessages > 10 {
		return errors.New("max messages must be between 1 and 10")
	}
	if c.VisibilityTO < 0 {
		return errors.New("visibility timeout must be non-negative")
	}
	if c.MaxIdlePolls < 0 || c.MaxItems < 0 {
		return errors.New("max idle polls and max items must be non-negative")
	}
	return nil
}

var DefaultSQSConfig = SQSConfig{
	WaitTimeSeconds: 20,
	MaxMessages:     10,
	VisibilityTO:    300,
	MaxIdlePolls:    3,
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// AckMetadata is the handle needed to delete one received message.
type AckMetadata struct {
	ID     string
	Handle string
}

// SQS produces CVE documents from message bodies.
//
// Messages are not deleted when they are yielded. Ack deletes every message
// yielded so far; call it once the run that consumed them has committed.
type SQS struct {
	cfg   SQSConfig
	retry RetryPolicy
	log   *slog.Logger

	client      sqsAPI
	queueURL    string
	queueURLPtr *string

	mu      sync.Mutex
	pending []AckMetadata
}

func NewSQS(client sqsAPI, queueURL string, cfg SQSConfig) (*SQS, error) {
	if client == nil {
		return nil, errors.New("sqs client is required")
	}
	if queueURL == "" {
		return nil, errors.New("queue url is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &SQS{
		cfg:      cfg,
		retry:    cfg.Retry,
		log:      cfg.Logger,
		client:   client,
		queueURL: queueURL,
	}
	if s.retry == nil {
		s.retry = DefaultRetry
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("source", "sqs")
	s.queueURLPtr = &s.queueURL
	return s, nil
}

// Items long-polls the queue and yields one work item per message.
func (s *SQS) Items(ctx context.Context) Producer[[]byte] {
	return func(yield func(WorkItem[[]byte], error) bool) {
		idle, yielded := 0, 0
		for {
			if err := ctx.Err(); err != nil {
				return
			}

			limit := s.cfg.MaxMessages
			if s.cfg.MaxItems > 0 {
				// never receive messages that would not be yielded
				limit = min(limit, int32(s.cfg.MaxItems-yielded))
			}
			msgs, err := s.receive(ctx, limit)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(WorkItem[[]byte]{}, fmt.Errorf("sqs receive: %w", err))
				return
			}

			if len(msgs) == 0 {
				idle++
				if s.cfg.MaxIdlePolls > 0 && idle >= s.cfg.MaxIdlePolls {
					s.log.Debug("queue idle, ending sequence", "polls", idle)
					return
				}
				continue
			}
			idle = 0

			for i := range msgs {
				m := &msgs[i]
				item, ok := s.workItem(m)
				s.track(m)
				if !ok {
					continue
				}
				if !yield(item, nil) {
					return
				}
				yielded++
				if s.cfg.MaxItems > 0 && yielded >= s.cfg.MaxItems {
					return
				}
			}
		}
	}
}

func (s *SQS) receive(ctx context.Context, limit int32) ([]sqstypes.Message, error) {
	var msgs []sqstypes.Message
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.WaitTimeSeconds+5)*time.Second)
		defer cancel()

		out, err := s.client.ReceiveMessage(reqCtx, &sqs.ReceiveMessageInput{
			QueueUrl:              s.queueURLPtr,
			MaxNumberOfMessages:   limit,
			WaitTimeSeconds:       s.cfg.WaitTimeSeconds,
			VisibilityTimeout:     s.cfg.VisibilityTO,
			MessageAttributeNames: []string{ActionAttribute},
		})
		if err != nil {
			return err
		}
		msgs = out.Messages
		return nil
	})
	return msgs, err
}

func (s *SQS) workItem(m *sqstypes.Message) (WorkItem[[]byte], bool) {
	id := aws.ToString(m.MessageId)

	ch := Create
	if attr, ok := m.MessageAttributes[ActionAttribute]; ok && attr.StringValue != nil {
		parsed, err := ParseChannel(*attr.StringValue)
		if err != nil {
			// unknown actions can never be loaded; drop them with the batch ack
			s.log.Warn("skipping message", "id", id, "error", err)
			return WorkItem[[]byte]{}, false
		}
		ch = parsed
	}

	return WorkItem[[]byte]{Channel: ch, ID: id, Payload: []byte(aws.ToString(m.Body))}, true
}

func (s *SQS) track(m *sqstypes.Message) {
	rh := aws.ToString(m.ReceiptHandle)
	if rh == "" {
		return
	}
	id := aws.ToString(m.MessageId)
	if id == "" {
		id = fmt.Sprintf("m%d", time.Now().UnixNano())
	}
	s.mu.Lock()
	s.pending = append(s.pending, AckMetadata{ID: id, Handle: rh})
	s.mu.Unlock()
}

// Pending returns how many yielded messages are waiting for Ack.
func (s *SQS) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Ack deletes every message yielded since the previous Ack.
func (s *SQS) Ack(ctx context.Context) error {
	s.mu.Lock()
	metas := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(metas) == 0 {
		return nil
	}
	deleted, err := s.deleteBatches(ctx, metas)
	if err != nil {
		// keep what was not deleted so a later Ack can try again
		s.mu.Lock()
		s.pending = append(metas[deleted:], s.pending...)
		s.mu.Unlock()
		return err
	}
	return nil
}

// AckBatchMeta deletes the given messages in DeleteMessageBatch calls of at most ten entries.
func (s *SQS) AckBatchMeta(ctx context.Context, metas []AckMetadata) error {
	_, err := s.deleteBatches(ctx, metas)
	return err
}

// deleteBatches returns how many leading metas were deleted before the first
// failing call.
func (s *SQS) deleteBatches(ctx context.Context, metas []AckMetadata) (int, error) {
	const max = 10

	entries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, max)
	in := sqs.DeleteMessageBatchInput{QueueUrl: s.queueURLPtr}

	for i := 0; i < len(metas); i += max {
		end := min(i+max, len(metas))

		entries = entries[:0]
		for j := i; j < end; j++ {
			entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
				Id:            &metas[j].ID,
				ReceiptHandle: &metas[j].Handle,
			})
		}
		in.Entries = entries

		err := s.retry.Do(ctx, func(ctx context.Context) error {
			out, err := s.client.DeleteMessageBatch(ctx, &in)
			if err != nil {
				return err
			}
			if len(out.Failed) > 0 {
				f := out.Failed[0]
				return fmt.Errorf("sqs delete failed id=%s code=%s message=%s",
					aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message))
			}
			return nil
		})
		if err != nil {
			return i, err
		}
	}
	return len(metas), nil
}
