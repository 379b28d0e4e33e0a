package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/modular"
	"github.com/IBM/sarama"
)

// Message is a record sent to or read from a topic.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
}

// Messaging is the port the Kafka installer registers on the bridge.
type Messaging interface {
	// Send publishes msg synchronously.
	Send(ctx context.Context, msg *Message) error
	// Await returns the first record on topic accepted by match, reading
	// from the oldest retained offset.
	Await(ctx context.Context, topic string, match func(*Message) bool) (*Message, error)
}

// saramaMessaging implements Messaging with a sync producer and a consumer.
type saramaMessaging struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
}

func newSaramaMessaging(producer sarama.SyncProducer, consumer sarama.Consumer) *saramaMessaging {
	return &saramaMessaging{producer: producer, consumer: consumer}
}

func (m *saramaMessaging) Send(_ context.Context, msg *Message) error {
	pm := &sarama.ProducerMessage{
		Topic: msg.Topic,
		Value: sarama.ByteEncoder(msg.Value),
	}
	if msg.Key != nil {
		pm.Key = sarama.ByteEncoder(msg.Key)
	}
	for k, v := range msg.Headers {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	partition, offset, err := m.producer.SendMessage(pm)
	if err != nil {
		return fmt.Errorf("kafka: send to topic %q: %w", msg.Topic, err)
	}
	msg.Partition, msg.Offset = partition, offset
	return nil
}

func (m *saramaMessaging) Await(ctx context.Context, topic string, match func(*Message) bool) (*Message, error) {
	partitions, err := m.consumer.Partitions(topic)
	if err != nil {
		return nil, fmt.Errorf("kafka: partitions of %q: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	records := make(chan *sarama.ConsumerMessage)
	var wg sync.WaitGroup
	var consumers []sarama.PartitionConsumer
	defer func() {
		cancel()
		for _, pc := range consumers {
			pc.AsyncClose()
		}
		wg.Wait()
	}()

	for _, p := range partitions {
		pc, err := m.consumer.ConsumePartition(topic, p, sarama.OffsetOldest)
		if err != nil {
			return nil, fmt.Errorf("kafka: consume %s/%d: %w", topic, p, err)
		}
		consumers = append(consumers, pc)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case rec, ok := <-pc.Messages():
					if !ok {
						return
					}
					select {
					case records <- rec:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("kafka: no matching record on %q: %w", topic, ctx.Err())
		case rec := <-records:
			msg := fromConsumerMessage(rec)
			if match == nil || match(msg) {
				return msg, nil
			}
		}
	}
}

func fromConsumerMessage(rec *sarama.ConsumerMessage) *Message {
	msg := &Message{
		Topic:     rec.Topic,
		Key:       rec.Key,
		Value:     rec.Value,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	}
	if len(rec.Headers) > 0 {
		msg.Headers = make(map[string]string, len(rec.Headers))
		for _, h := range rec.Headers {
			if h != nil {
				msg.Headers[string(h.Key)] = string(h.Value)
			}
		}
	}
	return msg
}

// LoggingMessaging logs every call before delegating to Next.
type LoggingMessaging struct {
	Next   Messaging
	Logger modular.Logger
}

func (l *LoggingMessaging) Send(ctx context.Context, msg *Message) error {
	err := l.Next.Send(ctx, msg)
	if err != nil {
		l.Logger.Error("Kafka send failed", "topic", msg.Topic, "error", err)
		return err
	}
	l.Logger.Debug("Kafka message sent", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
	return nil
}

func (l *LoggingMessaging) Await(ctx context.Context, topic string, match func(*Message) bool) (*Message, error) {
	l.Logger.Debug("Awaiting Kafka record", "topic", topic)
	msg, err := l.Next.Await(ctx, topic, match)
	if err != nil {
		l.Logger.Warn("Kafka await failed", "topic", topic, "error", err)
		return nil, err
	}
	l.Logger.Debug("Kafka record received", "topic", topic, "partition", msg.Partition, "offset", msg.Offset)
	return msg, nil
}
