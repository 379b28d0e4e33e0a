package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/forgeit/bridge"
	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/forgeit/host"
	"github.com/GoCodeAlone/forgeit/install"
	"github.com/GoCodeAlone/modular"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryMessaging is an in-process topic log.
type memoryMessaging struct {
	mu     sync.Mutex
	cond   *sync.Cond
	topics map[string][]*Message
}

func newMemoryMessaging() *memoryMessaging {
	m := &memoryMessaging{topics: make(map[string][]*Message)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *memoryMessaging) Send(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.Offset = int64(len(m.topics[msg.Topic]))
	cp := *msg
	m.topics[msg.Topic] = append(m.topics[msg.Topic], &cp)
	m.cond.Broadcast()
	return nil
}

func (m *memoryMessaging) Await(ctx context.Context, topic string, match func(*Message) bool) (*Message, error) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	seen := 0
	for {
		for ; seen < len(m.topics[topic]); seen++ {
			if msg := m.topics[topic][seen]; match(msg) {
				return msg, nil
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.cond.Wait()
	}
}

func TestClientPublishAndExpectJSON(t *testing.T) {
	client := NewClient(newMemoryMessaging(), time.Second)
	ctx := context.Background()

	_, err := client.Publish("orders").Key("o-1").Payload(map[string]any{"id": "x", "total": 3}).Send(ctx)
	require.NoError(t, err)
	_, err = client.Publish("orders").Key("o-2").Header("type", "created").Payload(`{"id":"y","total":5}`).Send(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Consume("orders").Key("o-2").ExpectJSON(ctx, map[string]any{"total": 5}, ".id"))

	var got struct{ Total int }
	require.NoError(t, client.Consume("orders").Header("type", "created").Decode(ctx, &got))
	assert.Equal(t, 5, got.Total)

	err = client.Consume("orders").Key("o-1").ExpectJSON(ctx, map[string]any{"id": "x", "total": 4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `record on "orders"`)
}

func TestClientAwaitTimesOut(t *testing.T) {
	client := NewClient(newMemoryMessaging(), 0)
	start := time.Now()
	_, err := client.Consume("empty").Within(50 * time.Millisecond).Await(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), DefaultAwaitTimeout)
}

func TestClientPayloadEncodeError(t *testing.T) {
	client := NewClient(newMemoryMessaging(), 0)
	_, err := client.Publish("t").Payload(make(chan int)).Send(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode payload")
}

func TestSaramaMessagingSend(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"a":1}` {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})
	m := newSaramaMessaging(producer, mocks.NewConsumer(t, nil))

	msg := &Message{Topic: "events", Key: []byte("k"), Value: []byte(`{"a":1}`), Headers: map[string]string{"h": "v"}}
	require.NoError(t, m.Send(context.Background(), msg))
	require.NoError(t, producer.Close())
}

func TestSaramaMessagingAwaitMatches(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{"events": {0}})
	pc := consumer.ExpectConsumePartition("events", 0, sarama.OffsetOldest)
	pc.YieldMessage(&sarama.ConsumerMessage{Topic: "events", Key: []byte("a"), Value: []byte("first")})
	pc.YieldMessage(&sarama.ConsumerMessage{
		Topic:   "events",
		Key:     []byte("b"),
		Value:   []byte("second"),
		Headers: []*sarama.RecordHeader{{Key: []byte("h"), Value: []byte("v")}},
	})

	m := newSaramaMessaging(nil, consumer)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := m.Await(ctx, "events", func(m *Message) bool { return string(m.Key) == "b" })
	require.NoError(t, err)
	assert.Equal(t, "second", string(msg.Value))
	assert.Equal(t, "events", msg.Topic)
	assert.Equal(t, map[string]string{"h": "v"}, msg.Headers)
}

func TestSaramaMessagingAwaitUnknownTopic(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{"events": {0}})
	_, err := newSaramaMessaging(nil, consumer).Await(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `partitions of "missing"`)
}

type fakeAdmin struct {
	topics   map[string]sarama.TopicDetail
	failures int
	deleted  map[string]map[int32]int64
}

func (f *fakeAdmin) ListTopics() (map[string]sarama.TopicDetail, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("broker not available")
	}
	return f.topics, nil
}

func (f *fakeAdmin) DeleteRecords(topic string, offsets map[int32]int64) error {
	if f.deleted == nil {
		f.deleted = make(map[string]map[int32]int64)
	}
	f.deleted[topic] = offsets
	return nil
}

type fakeOffsets map[string]map[int32]int64

func (f fakeOffsets) Partitions(topic string) ([]int32, error) {
	var out []int32
	for p := range f[topic] {
		out = append(out, p)
	}
	return out, nil
}

func (f fakeOffsets) GetOffset(topic string, partition int32, _ int64) (int64, error) {
	return f[topic][partition], nil
}

func TestTopicCleanerTruncatesUserTopics(t *testing.T) {
	admin := &fakeAdmin{
		topics:   map[string]sarama.TopicDetail{"orders": {}, "empty": {}, "__consumer_offsets": {}},
		failures: 1,
	}
	offsets := fakeOffsets{
		"orders":             {0: 4, 1: 0},
		"empty":              {0: 0},
		"__consumer_offsets": {0: 9},
	}
	cleaner := NewTopicCleaner(admin, offsets, discardLogger(), 3, time.Millisecond)

	require.NoError(t, cleaner.Clean(context.Background()))
	assert.Equal(t, map[string]map[int32]int64{"orders": {0: 4}}, admin.deleted)
}

func TestTopicCleanerGivesUp(t *testing.T) {
	admin := &fakeAdmin{failures: 5}
	cleaner := NewTopicCleaner(admin, fakeOffsets{}, discardLogger(), 2, time.Millisecond)

	err := cleaner.Clean(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 3, admin.failures)
}

func TestLoadSettings(t *testing.T) {
	_, err := LoadSettings(config.NewEnvironment(map[string]any{"forgeit.modules.kafka.mode": "external"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bootstrap-servers")

	_, err = LoadSettings(config.NewEnvironment(map[string]any{"forgeit.modules.kafka.mode": "sideways"}))
	require.Error(t, err)

	s, err := LoadSettings(config.NewEnvironment(map[string]any{
		"forgeit.modules.kafka.mode":              "EXTERNAL",
		"forgeit.modules.kafka.bootstrap-servers": "a:9092,b:9092",
		"forgeit.modules.kafka.sasl.mechanism":    "scram-sha-512",
	}))
	require.NoError(t, err)
	assert.Equal(t, ModeExternal, s.Mode)
	assert.Equal(t, []string{"a:9092", "b:9092"}, s.BootstrapServers)

	cfg, err := s.saramaConfig()
	require.NoError(t, err)
	assert.True(t, cfg.Net.SASL.Enable)
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), cfg.Net.SASL.Mechanism)
	assert.NotNil(t, cfg.Net.SASL.SCRAMClientGeneratorFunc())

	s.SASLMechanism = "GSSAPI"
	_, err = s.saramaConfig()
	require.Error(t, err)
}

func newContainer(t *testing.T, props map[string]any) *host.Container {
	t.Helper()
	app := modular.NewStdApplication(modular.NewStdConfigProvider(nil), discardLogger())
	return host.NewContainer(app, config.NewEnvironment(props))
}

type adapter struct {
	KafkaSupport
}

func TestInstallerExternalLifecycle(t *testing.T) {
	c := newContainer(t, map[string]any{
		"forgeit.modules.kafka.mode":              "external",
		"forgeit.modules.kafka.bootstrap-servers": "broker:9092",
	})
	mem := newMemoryMessaging()
	closed := 0
	dials := 0
	inst := &Installer{Dial: func(_ context.Context, _ *host.Container, s Settings) (*Connection, error) {
		dials++
		assert.Equal(t, []string{"broker:9092"}, s.BootstrapServers)
		return &Connection{Messaging: mem, Close: func() error { closed++; return nil }}, nil
	}}
	ctx := context.Background()

	require.NoError(t, inst.Install(ctx, install.NewContext(c)))
	require.NoError(t, inst.Install(ctx, install.NewContext(c)))
	assert.True(t, c.Components().Has(ComponentName))

	a := adapter{KafkaSupport{Scoped: c}}
	_, err := a.Kafka()
	require.ErrorIs(t, err, bridge.ErrNotInitialized)

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, 1, dials)

	client, err := a.Kafka()
	require.NoError(t, err)
	_, err = client.Publish("t").Payload("x").Send(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Reset(ctx))

	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, 1, closed)
	_, err = a.Kafka()
	require.ErrorIs(t, err, bridge.ErrShutdown)
}

func TestInstallerDisabled(t *testing.T) {
	c := newContainer(t, map[string]any{"forgeit.modules.kafka.enabled": "false"})
	inst := &Installer{Dial: func(context.Context, *host.Container, Settings) (*Connection, error) {
		t.Fatal("dial must not be called")
		return nil, nil
	}}
	require.NoError(t, inst.Install(context.Background(), install.NewContext(c)))
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, bridge.Uninitialized, Port.State(c.Scope()))
}

func TestInstallerDialFailureFailsStart(t *testing.T) {
	c := newContainer(t, map[string]any{
		"forgeit.modules.kafka.mode":              "external",
		"forgeit.modules.kafka.bootstrap-servers": "broker:9092",
	})
	inst := &Installer{Dial: func(context.Context, *host.Container, Settings) (*Connection, error) {
		return nil, errors.New("connection refused")
	}}
	require.NoError(t, inst.Install(context.Background(), install.NewContext(c)))
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	require.NoError(t, c.Stop(context.Background()))
}

func TestBrokerSpecAdvertisesHostPort(t *testing.T) {
	spec := brokerSpec("apache/kafka:3.7.0", 21000)
	assert.Equal(t, 9092, spec.ContainerPort)
	assert.Equal(t, 21000, spec.HostPort)
	assert.Equal(t, "PLAINTEXT://localhost:21000", spec.Env["KAFKA_ADVERTISED_LISTENERS"])
}
