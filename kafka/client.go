package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/GoCodeAlone/forgeit/jsoncmp"
)

// DefaultAwaitTimeout bounds consume calls that set no timeout of their own.
const DefaultAwaitTimeout = 10 * time.Second

// Client is the test-facing Kafka facade.
type Client struct {
	port    Messaging
	timeout time.Duration
}

// NewClient wraps m. A zero timeout uses DefaultAwaitTimeout.
func NewClient(m Messaging, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	return &Client{port: m, timeout: timeout}
}

// Messaging returns the underlying port.
func (c *Client) Messaging() Messaging { return c.port }

// Publish starts a message for topic.
func (c *Client) Publish(topic string) *PublishBuilder {
	return &PublishBuilder{client: c, msg: Message{Topic: topic}}
}

// Consume starts a read from topic.
func (c *Client) Consume(topic string) *ConsumeBuilder {
	return &ConsumeBuilder{client: c, topic: topic, timeout: c.timeout}
}

// PublishBuilder assembles one record.
type PublishBuilder struct {
	client *Client
	msg    Message
	err    error
}

// Key sets the record key.
func (b *PublishBuilder) Key(key string) *PublishBuilder {
	b.msg.Key = []byte(key)
	return b
}

// Header adds a record header.
func (b *PublishBuilder) Header(key, value string) *PublishBuilder {
	if b.msg.Headers == nil {
		b.msg.Headers = make(map[string]string)
	}
	b.msg.Headers[key] = value
	return b
}

// Payload sets the record value. []byte and string are sent as-is, anything
// else is JSON encoded.
func (b *PublishBuilder) Payload(v any) *PublishBuilder {
	switch val := v.(type) {
	case []byte:
		b.msg.Value = val
	case string:
		b.msg.Value = []byte(val)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			b.err = fmt.Errorf("kafka: encode payload for %q: %w", b.msg.Topic, err)
			return b
		}
		b.msg.Value = data
	}
	return b
}

// Send publishes the record and returns it with its partition and offset.
func (b *PublishBuilder) Send(ctx context.Context) (*Message, error) {
	if b.err != nil {
		return nil, b.err
	}
	msg := b.msg
	if err := b.client.port.Send(ctx, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ConsumeBuilder describes the record a test waits for.
type ConsumeBuilder struct {
	client  *Client
	topic   string
	filters []func(*Message) bool
	timeout time.Duration
}

// Key only accepts records with key.
func (b *ConsumeBuilder) Key(key string) *ConsumeBuilder {
	return b.Where(func(m *Message) bool { return string(m.Key) == key })
}

// Header only accepts records carrying header key with value.
func (b *ConsumeBuilder) Header(key, value string) *ConsumeBuilder {
	return b.Where(func(m *Message) bool { return m.Headers[key] == value })
}

// Where only accepts records fn accepts.
func (b *ConsumeBuilder) Where(fn func(*Message) bool) *ConsumeBuilder {
	b.filters = append(b.filters, fn)
	return b
}

// Within overrides the await timeout.
func (b *ConsumeBuilder) Within(d time.Duration) *ConsumeBuilder {
	b.timeout = d
	return b
}

func (b *ConsumeBuilder) match(m *Message) bool {
	for _, f := range b.filters {
		if !f(m) {
			return false
		}
	}
	return true
}

// Await blocks until a matching record arrives or the timeout passes.
func (b *ConsumeBuilder) Await(ctx context.Context) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.client.port.Await(ctx, b.topic, b.match)
}

// Decode awaits a record and JSON decodes its value into target.
func (b *ConsumeBuilder) Decode(ctx context.Context, target any) error {
	msg, err := b.Await(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(msg.Value, target); err != nil {
		return fmt.Errorf("kafka: decode record from %q: %w", b.topic, err)
	}
	return nil
}

// ExpectJSON awaits a record and compares its value with expected,
// ignoring the given jq paths.
func (b *ConsumeBuilder) ExpectJSON(ctx context.Context, expected any, ignore ...string) error {
	msg, err := b.Await(ctx)
	if err != nil {
		return err
	}
	if err := jsoncmp.Compare(expected, msg.Value, ignore...); err != nil {
		return fmt.Errorf("kafka: record on %q: %w", b.topic, err)
	}
	return nil
}
