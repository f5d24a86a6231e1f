package mqtt

import "sync"

// Message is a publish recorded by FakeClient.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// FakeClient records publishes and lets tests inject incoming messages.
type FakeClient struct {
	mu sync.Mutex

	Published []Message

	// PublishError, if set, is returned by Publish.
	PublishError error

	Connected bool
	Closed    bool

	handlers map[string][]Handler
}

func NewFakeClient() *FakeClient {
	return &FakeClient{Connected: true, handlers: make(map[string][]Handler)}
}

func (f *FakeClient) Publish(topic string, payload []byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PublishError != nil {
		return f.PublishError
	}
	f.Published = append(f.Published, Message{Topic: topic, Payload: payload, Retained: retained})
	return nil
}

func (f *FakeClient) Subscribe(topics []string, handler Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range topics {
		f.handlers[t] = append(f.handlers[t], handler)
	}
	return nil
}

// Deliver invokes every handler subscribed to topic.
func (f *FakeClient) Deliver(topic string, payload []byte) {
	f.mu.Lock()
	handlers := append([]Handler(nil), f.handlers[topic]...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
}

// Subscribed reports whether any handler listens on topic.
func (f *FakeClient) Subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[topic]) > 0
}

// LastOn returns the most recent publish to topic.
func (f *FakeClient) LastOn(topic string) (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.Published) - 1; i >= 0; i-- {
		if f.Published[i].Topic == topic {
			return f.Published[i], true
		}
	}
	return Message{}, false
}

func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
