package sqs

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sqs.GetQueueUrlOutput)
	return out, args.Error(1)
}

func (m *mockAPI) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sqs.SendMessageOutput)
	return out, args.Error(1)
}

func TestPublisher_ResolvesQueueOnce(t *testing.T) {
	api := &mockAPI{}
	api.On("GetQueueUrl", mock.Anything, mock.MatchedBy(func(in *sqs.GetQueueUrlInput) bool {
		return aws.ToString(in.QueueName) == "order-events"
	})).Return(&sqs.GetQueueUrlOutput{QueueUrl: aws.String("http://localhost:4566/000/order-events")}, nil).Once()
	api.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		return aws.ToString(in.QueueUrl) == "http://localhost:4566/000/order-events" &&
			aws.ToString(in.MessageBody) == `{"a":1}` &&
			aws.ToString(in.MessageAttributes["topic"].StringValue) == "medical-order.events" &&
			in.MessageGroupId == nil
	})).Return(&sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil).Twice()

	pub, err := NewPublisher(api, "order-events", nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, "medical-order.events", "order-1", []byte(`{"a":1}`)))
	require.NoError(t, pub.Publish(ctx, "medical-order.events", "order-1", []byte(`{"a":1}`)))
	api.AssertExpectations(t)
}

func TestPublisher_FIFOGroupsByKey(t *testing.T) {
	api := &mockAPI{}
	api.On("GetQueueUrl", mock.Anything, mock.Anything).
		Return(&sqs.GetQueueUrlOutput{QueueUrl: aws.String("q.fifo")}, nil)
	api.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		return aws.ToString(in.MessageGroupId) == "order-7"
	})).Return(&sqs.SendMessageOutput{}, nil)

	pub, err := NewPublisher(api, "events.fifo", nil)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), "t", "order-7", []byte("{}")))
	api.AssertExpectations(t)
}

func TestPublisher_Errors(t *testing.T) {
	_, err := NewPublisher(nil, "q", nil)
	assert.Error(t, err)

	api := &mockAPI{}
	_, err = NewPublisher(api, "", nil)
	assert.Error(t, err)

	api.On("GetQueueUrl", mock.Anything, mock.Anything).Return(nil, errors.New("no such queue")).Once()
	pub, err := NewPublisher(api, "missing", nil)
	require.NoError(t, err)
	err = pub.Publish(context.Background(), "t", "k", []byte("{}"))
	assert.ErrorContains(t, err, "no such queue")

	api.On("GetQueueUrl", mock.Anything, mock.Anything).Return(&sqs.GetQueueUrlOutput{QueueUrl: aws.String("u")}, nil)
	api.On("SendMessage", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))
	err = pub.Publish(context.Background(), "t", "k", []byte("{}"))
	assert.ErrorContains(t, err, "throttled")
}
