package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(_ context.Context, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func TestHub_DeliversInOrderPerSubscriber(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()

	rec := &recorder{}
	_, err := hub.Subscribe(TopicStorage, rec.handle)
	require.NoError(t, err)

	ctx := context.Background()
	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, hub.Publish(ctx, TopicStorage, Message{TabID: "tab-1", Key: "consent", Value: v}))
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	msgs := rec.snapshot()
	assert.Equal(t, "a", msgs[0].Value)
	assert.Equal(t, "b", msgs[1].Value)
	assert.Equal(t, "c", msgs[2].Value)
	assert.Equal(t, TopicStorage, msgs[0].Topic)
	assert.False(t, msgs[0].SentAt.IsZero())
}

func TestHub_TopicsAreIsolated(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()

	storageRec, consentRec := &recorder{}, &recorder{}
	_, err := hub.Subscribe(TopicStorage, storageRec.handle)
	require.NoError(t, err)
	_, err = hub.Subscribe(TopicConsent, consentRec.handle)
	require.NoError(t, err)

	require.NoError(t, hub.Publish(context.Background(), TopicConsent, Message{TabID: "tab-1"}))

	require.Eventually(t, func() bool { return len(consentRec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, storageRec.snapshot())
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()

	rec := &recorder{}
	unsubscribe, err := hub.Subscribe(TopicStorage, rec.handle)
	require.NoError(t, err)
	unsubscribe()
	unsubscribe()

	require.NoError(t, hub.Publish(context.Background(), TopicStorage, Message{}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestHub_PanickingHandlerIsContained(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()

	rec := &recorder{}
	_, err := hub.Subscribe(TopicStorage, func(ctx context.Context, msg Message) {
		if msg.Value == "boom" {
			panic("bad payload")
		}
		rec.handle(ctx, msg)
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, TopicStorage, Message{Value: "boom"}))
	require.NoError(t, hub.Publish(ctx, TopicStorage, Message{Value: "ok"}))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_Closed(t *testing.T) {
	hub := NewHub(zap.NewNop())
	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close())

	assert.ErrorIs(t, hub.Publish(context.Background(), TopicStorage, Message{}), ErrClosed)
	_, err := hub.Subscribe(TopicStorage, func(context.Context, Message) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRedisChannel_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sender := NewRedisChannel(client, "test", zap.NewNop())
	receiver := NewRedisChannel(client, "test", zap.NewNop())
	defer sender.Close()
	defer receiver.Close()

	rec := &recorder{}
	_, err := receiver.Subscribe(TopicConsent, rec.handle)
	require.NoError(t, err)

	err = sender.Publish(context.Background(), TopicConsent, Message{TabID: "tab-a", Value: `{"necessary":true}`})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := rec.snapshot()[0]
	assert.Equal(t, "tab-a", msg.TabID)
	assert.Equal(t, TopicConsent, msg.Topic)
	assert.Equal(t, `{"necessary":true}`, msg.Value)
}

func TestRedisChannel_Closed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ch := NewRedisChannel(client, "test", zap.NewNop())
	require.NoError(t, ch.Close())

	assert.ErrorIs(t, ch.Publish(context.Background(), TopicStorage, Message{}), ErrClosed)
}
