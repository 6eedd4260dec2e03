package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/mosajjal/logshuttle/pkg/models"
)

// Queue limits. A message is at most 256KB; chunks leave room for attributes.
const (
	MaxChunkBytes       = 240 * 1024
	maxMessagesPerPoll  = 10
	maxPollIterations   = 10
	attrRetryPrefix     = "retry_prefix"
	attrFunctionPrefix  = "function_prefix"
	attributeDataString = "String"
)

// SQSAPI is the subset of the SQS client used here.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSStore keeps payloads as queue messages tagged with category and
// function prefix attributes. Handles are receipt handles.
type SQSStore struct {
	client         SQSAPI
	queueURL       string
	functionPrefix string
}

// NewSQSStore returns a store on queueURL.
func NewSQSStore(client SQSAPI, queueURL, functionPrefix string) *SQSStore {
	return &SQSStore{client: client, queueURL: queueURL, functionPrefix: functionPrefix}
}

func attr(m types.Message, name string) string {
	if v, ok := m.MessageAttributes[name]; ok {
		return aws.ToString(v.StringValue)
	}
	return ""
}

func (s *SQSStore) GetData(ctx context.Context, category models.Category) (map[string][]json.RawMessage, error) {
	data := map[string][]json.RawMessage{}
	for i := 0; i < maxPollIterations; i++ {
		resp, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(s.queueURL),
			MaxNumberOfMessages:   maxMessagesPerPoll,
			MessageAttributeNames: []string{attrRetryPrefix, attrFunctionPrefix},
			WaitTimeSeconds:       0,
		})
		if err != nil {
			slog.Error("failed to receive retry messages", "error", err)
			break
		}
		if len(resp.Messages) == 0 {
			break
		}

		for _, m := range resp.Messages {
			handle := aws.ToString(m.ReceiptHandle)
			if attr(m, attrRetryPrefix) != string(category) || attr(m, attrFunctionPrefix) != s.functionPrefix {
				s.release(ctx, handle)
				continue
			}
			var items []json.RawMessage
			if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &items); err != nil {
				slog.Error("failed to deserialize retry message", "error", err)
				continue
			}
			data[handle] = items
		}
	}
	slog.Debug("found retry messages", "category", category, "count", len(data))
	return data, nil
}

// release makes a foreign message visible to other consumers right away.
func (s *SQSStore) release(ctx context.Context, handle string) {
	_, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(s.queueURL),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: 0,
	})
	if err != nil {
		slog.Error("failed to release retry message", "error", err)
	}
}

func (s *SQSStore) StoreData(ctx context.Context, category models.Category, items []json.RawMessage) error {
	var errs int
	for _, chunk := range Chunk(items, MaxChunkBytes) {
		body, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(s.queueURL),
			MessageBody: aws.String(string(body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				attrRetryPrefix:    {DataType: aws.String(attributeDataString), StringValue: aws.String(string(category))},
				attrFunctionPrefix: {DataType: aws.String(attributeDataString), StringValue: aws.String(s.functionPrefix)},
			},
		})
		if err != nil {
			slog.Error("failed to send retry message", "category", category, "error", err)
			errs++
		}
	}
	if errs > 0 {
		return fmt.Errorf("failed to store %d retry chunks for %s", errs, category)
	}
	return nil
}

// DeleteData is idempotent: a failed delete is logged only.
func (s *SQSStore) DeleteData(ctx context.Context, handle string) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		slog.Error("failed to delete retry message", "error", err)
	}
	return nil
}

// Chunk splits items into JSON arrays of at most limit bytes. A single item
// over the limit gets a chunk of its own.
func Chunk(items []json.RawMessage, limit int) [][]json.RawMessage {
	var chunks [][]json.RawMessage
	var current []json.RawMessage
	size := 2 // []

	for _, item := range items {
		sep := 0
		if len(current) > 0 {
			sep = 1
		}
		if size+sep+len(item) > limit {
			if len(current) > 0 {
				chunks = append(chunks, current)
			}
			if 2+len(item) > limit {
				slog.Warn("single item exceeds the queue message size limit", "bytes", len(item), "limit", limit)
			}
			current = []json.RawMessage{item}
			size = 2 + len(item)
			continue
		}
		current = append(current, item)
		size += sep + len(item)
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
