package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	chanSize           = 1024
	maxElementPerBatch = 10 // SQS Batch limit is 10 items per request
	flushInterval      = 5 * time.Second
)

type sqsAPI interface {
	SendMessageBatchWithContext(aws.Context, *sqs.SendMessageBatchInput, ...request.Option) (*sqs.SendMessageBatchOutput, error)
}

// SQSPusher buffers notifications and ships them to an SQS queue in
// batches, the push service consumes from the other end
type SQSPusher struct {
	queue  sqsAPI
	url    *string
	items  chan *Notification
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Pusher = (*SQSPusher)(nil)

func NewSQSPusher(ctx context.Context, url string) *SQSPusher {
	sess := session.Must(session.NewSession())
	return newSQSPusher(ctx, sqs.New(sess), url)
}

func newSQSPusher(ctx context.Context, queue sqsAPI, url string) *SQSPusher {
	ctx, cancel := context.WithCancel(ctx)

	p := &SQSPusher{
		queue:  queue,
		url:    aws.String(url),
		items:  make(chan *Notification, chanSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go p.transmit(ctx)

	return p
}

// Push enqueues without blocking, a full buffer drops the notification
func (p *SQSPusher) Push(_ context.Context, n *Notification) error {
	select {
	case p.items <- n:
		return nil
	default:
		return errors.New("notification buffer full")
	}
}

func (p *SQSPusher) Close() {
	p.cancel()
	<-p.done
}

func (p *SQSPusher) transmit(ctx context.Context) {
	defer close(p.done)

	var list = make([]*Notification, 0, maxElementPerBatch)

	flush := func(ctx context.Context) {
		if len(list) == 0 {
			return
		}

		if err := p.send(ctx, list); err != nil {
			log.WithError(err).Error("failed to send batch")
		}

		list = make([]*Notification, 0, maxElementPerBatch)
	}

	for {
		select {
		case <-time.After(flushInterval):
			// Flush list if not filled up entirely within the interval
			flush(ctx)

		case n := <-p.items:
			// Append an item to list and flush if filled up
			list = append(list, n)
			if len(list) == maxElementPerBatch {
				flush(ctx)
			}

		case <-ctx.Done():
			// Exiting, drain the buffer and flush leftovers
			for {
				select {
				case n := <-p.items:
					list = append(list, n)
					if len(list) == maxElementPerBatch {
						flush(context.Background())
					}
					continue
				default:
				}
				break
			}

			flush(context.Background())
			return
		}
	}
}

func (p *SQSPusher) send(ctx context.Context, list []*Notification) error {
	sendInput := &sqs.SendMessageBatchInput{
		QueueUrl: p.url,
	}

	for idx, n := range list {
		data, err := json.Marshal(n)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal notification %q", n.ItemID)
		}

		sendInput.Entries = append(sendInput.Entries, &sqs.SendMessageBatchRequestEntry{
			// Entry IDs only have to be unique within one request
			Id:          aws.String(strconv.Itoa(idx)),
			MessageBody: aws.String(string(data)),
		})
	}

	if _, err := p.queue.SendMessageBatchWithContext(ctx, sendInput); err != nil {
		return errors.Wrap(err, "failed to send message batch")
	}

	log.Debugf("sent %d notification(s) to SQS", len(list))

	return nil
}
