package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned when publishing or subscribing on a closed channel
var ErrClosed = errors.New("broadcast channel closed")

// Hub is an in-process Channel. Each subscriber gets its own mailbox
// goroutine, so delivery is asynchronous but ordered per subscriber.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*subscription
	nextID uint64
	closed bool
	logger *zap.Logger
	wg     sync.WaitGroup
}

type subscription struct {
	handler Handler
	mu      sync.Mutex
	pending []Message
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewHub creates an in-process broadcast hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[uint64]*subscription),
		logger: logger,
	}
}

// Publish delivers the message to every subscriber of the topic
func (h *Hub) Publish(ctx context.Context, topic string, msg Message) error {
	msg.Topic = topic
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	for _, sub := range h.subs[topic] {
		sub.enqueue(msg)
	}
	return nil
}

// Subscribe registers a handler for the topic
func (h *Hub) Subscribe(topic string, handler Handler) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	h.nextID++
	id := h.nextID
	sub := &subscription{
		handler: handler,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[uint64]*subscription)
	}
	h.subs[topic][id] = sub

	h.wg.Add(1)
	go h.deliverLoop(topic, sub)

	return func() {
		h.mu.Lock()
		delete(h.subs[topic], id)
		h.mu.Unlock()
		sub.stop()
	}, nil
}

// Close stops every subscriber
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for _, subs := range h.subs {
		for _, sub := range subs {
			sub.stop()
		}
	}
	h.subs = make(map[string]map[uint64]*subscription)
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}

func (h *Hub) deliverLoop(topic string, sub *subscription) {
	defer h.wg.Done()

	for {
		select {
		case <-sub.done:
			return
		case <-sub.notify:
		}

		for {
			msg, ok := sub.next()
			if !ok {
				break
			}
			select {
			case <-sub.done:
				return
			default:
			}
			dispatch(h.logger, topic, sub.handler, msg)
		}
	}
}

func (s *subscription) enqueue(msg Message) {
	s.mu.Lock()
	s.pending = append(s.pending, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) next() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Message{}, false
	}
	msg := s.pending[0]
	s.pending = s.pending[1:]
	return msg, true
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// dispatch runs a handler and keeps panics from escaping the delivery goroutine
func dispatch(logger *zap.Logger, topic string, handler Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Broadcast handler panicked",
				zap.String("topic", topic),
				zap.Any("panic", r),
			)
		}
	}()
	handler(context.Background(), msg)
}
