package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"Mansoor88-6/consent-analytics-agent/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleBatch() models.UploadRequest {
	return models.UploadRequest{
		Events: []models.AnalyticsEvent{{
			Type:        models.EventTrack,
			Name:        "signup",
			AnonymousID: "anon-1",
			MessageID:   "msg-1",
			Timestamp:   "2024-01-01T00:00:00Z",
		}},
		SentAt:  "2024-01-01T00:00:01Z",
		Version: "1.0.0",
	}
}

func TestAPIClient_Send(t *testing.T) {
	var got models.UploadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/events/batch", r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL, "key-1", time.Second, zap.NewNop())
	require.NoError(t, c.Send(context.Background(), sampleBatch()))
	assert.Equal(t, sampleBatch(), got)
}

func TestAPIClient_SendErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", http.StatusUnauthorized, func(t *testing.T, err error) {
			var target *AuthError
			require.ErrorAs(t, err, &target)
			assert.Equal(t, http.StatusUnauthorized, target.StatusCode)
		}},
		{"rate limited", http.StatusTooManyRequests, func(t *testing.T, err error) {
			var target *RateLimitError
			require.ErrorAs(t, err, &target)
		}},
		{"bad request", http.StatusBadRequest, func(t *testing.T, err error) {
			var target *BadRequestError
			require.ErrorAs(t, err, &target)
		}},
		{"server error", http.StatusBadGateway, func(t *testing.T, err error) {
			var target *BackendError
			require.ErrorAs(t, err, &target)
			assert.Contains(t, target.Error(), "502")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewAPIClient(srv.URL, "", time.Second, zap.NewNop())
			tt.check(t, c.Send(context.Background(), sampleBatch()))
		})
	}
}

func TestAPIClient_EmptyBatch(t *testing.T) {
	c := NewAPIClient("http://127.0.0.1:1", "", time.Second, zap.NewNop())
	assert.Error(t, c.Send(context.Background(), models.UploadRequest{}))
}

func TestAPIClient_HealthCheck(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL, "", time.Second, zap.NewNop())
	require.NoError(t, c.HealthCheck(context.Background()))

	healthy.Store(false)
	assert.Error(t, c.HealthCheck(context.Background()))
}

type fakeSQS struct {
	input *sqs.SendMessageInput
	err   error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQSUploader_Send(t *testing.T) {
	fake := &fakeSQS{}
	u := NewSQSUploader(fake, "https://sqs.local/queue", zap.NewNop())

	require.NoError(t, u.Send(context.Background(), sampleBatch()))
	assert.Equal(t, "https://sqs.local/queue", aws.ToString(fake.input.QueueUrl))

	var body models.UploadRequest
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(fake.input.MessageBody)), &body))
	assert.Equal(t, sampleBatch(), body)

	fake.err = errors.New("throttled")
	assert.Error(t, u.Send(context.Background(), sampleBatch()))
}
