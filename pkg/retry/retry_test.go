package retry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosajjal/logshuttle/pkg/models"
	"github.com/mosajjal/logshuttle/pkg/storage/memory"
)

func raw(items ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(items))
	for i, s := range items {
		out[i] = json.RawMessage(s)
	}
	return out
}

func TestAddRetryTag(t *testing.T) {
	out := AddRetryTag(json.RawMessage(`{"ddtags":"env:prod","message":"x"}`))
	var record map[string]any
	require.NoError(t, json.Unmarshal(out, &record))
	assert.Equal(t, "env:prod,retry:true", record["ddtags"])

	out = AddRetryTag(json.RawMessage(`{"message":"x"}`))
	require.NoError(t, json.Unmarshal(out, &record))
	assert.Equal(t, ",retry:true", record["ddtags"])

	assert.Equal(t, `"plain"`, string(AddRetryTag(json.RawMessage(`"plain"`))))
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	s := NewS3Store(mem, "", "fn")
	tick := time.Unix(1700000000, 0)
	s.now = func() time.Time { tick = tick.Add(time.Millisecond); return tick }

	require.NoError(t, s.StoreData(ctx, models.CategoryLogs, raw(`{"a":1}`, `{"b":2}`)))
	require.NoError(t, s.StoreData(ctx, models.CategoryLogs, raw(`{"c":3}`)))
	require.NoError(t, s.StoreData(ctx, models.CategoryMetrics, raw(`{"m":1}`)))
	require.NoError(t, mem.Put(ctx, "failed_events/fn/logs/lock", []byte("")))

	data, err := s.GetData(ctx, models.CategoryLogs)
	require.NoError(t, err)
	assert.Len(t, data, 2)
	for key := range data {
		assert.True(t, strings.HasPrefix(key, "failed_events/fn/logs/"), key)
		assert.NotEqual(t, "failed_events/fn/logs/lock", key)
	}

	for key := range data {
		require.NoError(t, s.DeleteData(ctx, key))
		require.NoError(t, s.DeleteData(ctx, key))
	}
	data, err = s.GetData(ctx, models.CategoryLogs)
	require.NoError(t, err)
	assert.Empty(t, data)

	metrics, err := s.GetData(ctx, models.CategoryMetrics)
	require.NoError(t, err)
	assert.Len(t, metrics, 1)
}

type fakeSQS struct {
	queue     []types.Message
	sent      []*sqs.SendMessageInput
	deleted   []string
	released  []string
	deleteErr error
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	n := int(in.MaxNumberOfMessages)
	if n > len(f.queue) {
		n = len(f.queue)
	}
	out := &sqs.ReceiveMessageOutput{Messages: f.queue[:n]}
	f.queue = f.queue[n:]
	return out, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, f.deleteErr
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.released = append(f.released, aws.ToString(in.ReceiptHandle))
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func message(handle, category, fn, body string) types.Message {
	return types.Message{
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"retry_prefix":    {StringValue: aws.String(category)},
			"function_prefix": {StringValue: aws.String(fn)},
		},
	}
}

func TestSQSStoreGetData(t *testing.T) {
	fake := &fakeSQS{queue: []types.Message{
		message("h1", "logs", "fn", `[{"a":1}]`),
		message("h2", "metrics", "fn", `[{"m":1}]`),
		message("h3", "logs", "other", `[{"b":1}]`),
		message("h4", "logs", "fn", `not json`),
	}}
	s := NewSQSStore(fake, "https://sqs/queue", "fn")

	data, err := s.GetData(context.Background(), models.CategoryLogs)
	require.NoError(t, err)
	assert.Equal(t, map[string][]json.RawMessage{"h1": raw(`{"a":1}`)}, data)
	assert.Equal(t, []string{"h2", "h3"}, fake.released)
}

func TestSQSStoreStoreData(t *testing.T) {
	fake := &fakeSQS{}
	s := NewSQSStore(fake, "https://sqs/queue", "fn")
	require.NoError(t, s.StoreData(context.Background(), models.CategoryTraces, raw(`{"t":1}`)))

	require.Len(t, fake.sent, 1)
	in := fake.sent[0]
	assert.Equal(t, `[{"t":1}]`, aws.ToString(in.MessageBody))
	assert.Equal(t, "traces", aws.ToString(in.MessageAttributes["retry_prefix"].StringValue))
	assert.Equal(t, "fn", aws.ToString(in.MessageAttributes["function_prefix"].StringValue))
}

func TestSQSStoreDeleteIsIdempotent(t *testing.T) {
	fake := &fakeSQS{deleteErr: errors.New("receipt handle is invalid")}
	s := NewSQSStore(fake, "q", "fn")
	assert.NoError(t, s.DeleteData(context.Background(), "h1"))
	assert.NoError(t, s.DeleteData(context.Background(), "h1"))
	assert.Len(t, fake.deleted, 2)
}

func TestChunk(t *testing.T) {
	items := raw(`"aaaa"`, `"bbbb"`, `"cccc"`)
	// each item is 6 bytes; [a,b] is 15
	chunks := Chunk(items, 15)
	require.Len(t, chunks, 2)
	assert.Equal(t, raw(`"aaaa"`, `"bbbb"`), chunks[0])
	assert.Equal(t, raw(`"cccc"`), chunks[1])

	for _, c := range chunks {
		body, err := json.Marshal(c)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(body), 15)
	}

	oversized := Chunk(raw(`"a"`, `"this one is far too long"`, `"b"`), 10)
	assert.Equal(t, [][]json.RawMessage{raw(`"a"`), raw(`"this one is far too long"`), raw(`"b"`)}, oversized)

	assert.Empty(t, Chunk(nil, 10))
}

func TestNew(t *testing.T) {
	_, err := New(Backends{}, "fn")
	assert.ErrorIs(t, err, ErrNoBackend)

	s, err := New(Backends{QueueURL: "q", SQS: &fakeSQS{}, Bucket: memory.New()}, "fn")
	require.NoError(t, err)
	assert.IsType(t, &SQSStore{}, s)

	s, err = New(Backends{Bucket: memory.New()}, "fn")
	require.NoError(t, err)
	assert.IsType(t, &S3Store{}, s)
}
