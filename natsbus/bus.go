package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/forgeit/jsoncmp"
	"github.com/nats-io/nats.go"
)

// Msg is a message seen on a subject.
type Msg struct {
	Subject string
	Data    []byte
}

// Transport is the connection a Bus publishes and subscribes through.
type Transport interface {
	Publish(subject string, data []byte) error
	// Subscribe delivers every message on subject (wildcards allowed) to fn
	// until the returned cancel func is called.
	Subscribe(subject string, fn func(Msg)) (cancel func() error, err error)
	Flush() error
	Close()
}

// natsTransport adapts *nats.Conn.
type natsTransport struct {
	conn *nats.Conn
}

// Connect dials url with the given client name.
func Connect(url, name string) (Transport, error) {
	conn, err := nats.Connect(url, nats.Name(name))
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect to %s: %w", url, err)
	}
	return &natsTransport{conn: conn}, nil
}

func (t *natsTransport) Publish(subject string, data []byte) error {
	return t.conn.Publish(subject, data)
}

func (t *natsTransport) Subscribe(subject string, fn func(Msg)) (func() error, error) {
	sub, err := t.conn.Subscribe(subject, func(m *nats.Msg) {
		fn(Msg{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (t *natsTransport) Flush() error { return t.conn.Flush() }

func (t *natsTransport) Close() { t.conn.Close() }

// Bus is the test-facing NATS facade.
type Bus struct {
	transport Transport
	timeout   time.Duration

	mu         sync.Mutex
	recordings []*Recording
}

// NewBus wraps t. A zero timeout defaults to ten seconds.
func NewBus(t Transport, timeout time.Duration) *Bus {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Bus{transport: t, timeout: timeout}
}

// Publish sends v to subject. []byte and string are sent as-is, anything
// else is JSON encoded.
func (b *Bus) Publish(subject string, v any) error {
	var data []byte
	switch val := v.(type) {
	case []byte:
		data = val
	case string:
		data = []byte(val)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return fmt.Errorf("natsbus: encode message for %q: %w", subject, err)
		}
	}
	if err := b.transport.Publish(subject, data); err != nil {
		return fmt.Errorf("natsbus: publish to %q: %w", subject, err)
	}
	return b.transport.Flush()
}

// Record starts capturing messages on subject. Recordings end on Reset.
func (b *Bus) Record(subject string) (*Recording, error) {
	r := &Recording{subject: subject, timeout: b.timeout, notify: make(chan struct{})}
	cancel, err := b.transport.Subscribe(subject, r.add)
	if err != nil {
		return nil, fmt.Errorf("natsbus: subscribe to %q: %w", subject, err)
	}
	r.cancel = cancel
	if err := b.transport.Flush(); err != nil {
		_ = cancel()
		return nil, fmt.Errorf("natsbus: flush subscription %q: %w", subject, err)
	}
	b.mu.Lock()
	b.recordings = append(b.recordings, r)
	b.mu.Unlock()
	return r, nil
}

// Reset stops every recording.
func (b *Bus) Reset() error {
	b.mu.Lock()
	recs := b.recordings
	b.recordings = nil
	b.mu.Unlock()
	var first error
	for _, r := range recs {
		if err := r.Stop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recording holds the messages seen on a subject.
type Recording struct {
	subject string
	timeout time.Duration
	cancel  func() error

	mu       sync.Mutex
	messages []Msg
	notify   chan struct{}
	stopped  bool
}

func (r *Recording) add(m Msg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
	close(r.notify)
	r.notify = make(chan struct{})
}

// Messages returns what was recorded so far.
func (r *Recording) Messages() []Msg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Msg(nil), r.messages...)
}

// Stop ends the subscription. Recorded messages stay readable.
func (r *Recording) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()
	return r.cancel()
}

// Await returns the first recorded message accepted by match, waiting up to
// the bus timeout.
func (r *Recording) Await(ctx context.Context, match func(Msg) bool) (Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	seen := 0
	for {
		r.mu.Lock()
		msgs := r.messages[seen:]
		notify := r.notify
		r.mu.Unlock()
		for _, m := range msgs {
			if match == nil || match(m) {
				return m, nil
			}
		}
		seen += len(msgs)
		select {
		case <-ctx.Done():
			return Msg{}, fmt.Errorf("natsbus: no matching message on %q: %w", r.subject, ctx.Err())
		case <-notify:
		}
	}
}

// ExpectJSON awaits a message equal to expected once the ignored jq paths
// are removed.
func (r *Recording) ExpectJSON(ctx context.Context, expected any, ignore ...string) error {
	_, err := r.Await(ctx, func(m Msg) bool {
		return jsoncmp.Equal(expected, m.Data, ignore...)
	})
	return err
}
