package consumer

import (
	"context"
	"sync"

	"wisefido-sync/internal/models"
	rediscommon "wisefido-sync/internal/redis"

	"github.com/stretchr/testify/mock"
)

// MockSyncController is a mock implementation of SyncController
type MockSyncController struct {
	mock.Mock
}

func (m *MockSyncController) HandleAppWillEnterForeground(ctx context.Context) {
	m.Called(ctx)
}

func (m *MockSyncController) HandleAppDidBecomeActive(ctx context.Context) {
	m.Called(ctx)
}

func (m *MockSyncController) HandleRemoteNotification(ctx context.Context, payload []byte) bool {
	args := m.Called(ctx, payload)
	return args.Bool(0)
}

func (m *MockSyncController) ManualSync(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSyncController) Reset() {
	m.Called()
}

func (m *MockSyncController) Cancel() {
	m.Called()
}

func (m *MockSyncController) Subscribe() (<-chan models.SyncStatus, func()) {
	args := m.Called()
	return args.Get(0).(<-chan models.SyncStatus), args.Get(1).(func())
}

// fakeMQTT 记录订阅与发布
type fakeMQTT struct {
	mu           sync.Mutex
	handlers     map[string]func(topic string, payload []byte) error
	published    []publishedMessage
	unsubscribed []string
	publishErr   error
}

type publishedMessage struct {
	topic    string
	retained bool
	payload  []byte
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{handlers: map[string]func(string, []byte) error{}}
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler func(topic string, payload []byte) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTT) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topics...)
	for _, topic := range topics {
		delete(f.handlers, topic)
	}
	return nil
}

func (f *fakeMQTT) Publish(topic string, _ byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMessage{topic: topic, retained: retained, payload: payload})
	return nil
}

func (f *fakeMQTT) deliver(topic string, payload []byte) error {
	f.mu.Lock()
	handler := f.handlers[topic]
	f.mu.Unlock()
	return handler(topic, payload)
}

func (f *fakeMQTT) messages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMessage(nil), f.published...)
}

// fakeStream 逐批返回预置消息，之后阻塞到 ctx 结束
type fakeStream struct {
	mu      sync.Mutex
	batches [][]rediscommon.StreamMessage
	readErr []error
	acked   []string
}

func (f *fakeStream) EnsureGroup(context.Context) error { return nil }

func (f *fakeStream) Read(ctx context.Context) ([]rediscommon.StreamMessage, error) {
	f.mu.Lock()
	if len(f.readErr) > 0 {
		err := f.readErr[0]
		f.readErr = f.readErr[1:]
		f.mu.Unlock()
		return nil, err
	}
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return batch, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeStream) Ack(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeStream) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}
