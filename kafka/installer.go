package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/forgeit/host"
	"github.com/GoCodeAlone/forgeit/install"
	"github.com/GoCodeAlone/forgeit/servicecontainer"
	"github.com/IBM/sarama"
)

// ComponentName is the component the Kafka installer registers.
const ComponentName = "forgeit.kafka"

const brokerPort = 9092

// Connection is a live Kafka connection.
type Connection struct {
	Messaging Messaging
	// Cleaner truncates topics on reset. Nil disables cleanup.
	Cleaner *TopicCleaner
	Close   func() error
}

// DialFunc connects to the brokers in s.
type DialFunc func(ctx context.Context, c *host.Container, s Settings) (*Connection, error)

// Installer installs KafkaSupport: a broker (internal mode) and the client
// published on Port.
type Installer struct {
	// Dial overrides how the installer connects. Defaults to sarama.
	Dial DialFunc
}

var _ install.Installer = (*Installer)(nil)

func (i *Installer) Capability() string { return Name }

func (i *Installer) Install(ctx context.Context, ic *install.Context) error {
	if ic.Components().Has(ComponentName) {
		return nil
	}
	c := ic.Container()
	settings, err := LoadSettings(ic.Environment())
	if err != nil {
		return err
	}
	if !settings.Enabled {
		c.Logger().Info("Kafka module disabled", "container", c.ID())
		return ic.Components().Register(ComponentName, settings)
	}

	var svc *servicecontainer.Spec
	if settings.Mode == ModeInternal {
		mgr, err := servicecontainer.For(c)
		if err != nil {
			return err
		}
		port, err := mgr.AllocatePort("kafka")
		if err != nil {
			return err
		}
		spec := brokerSpec(settings.Image, port)
		svc = &spec
		settings.BootstrapServers = []string{"localhost:" + strconv.Itoa(port)}
		c.Publish(map[string]string{
			config.ModuleKey(module, "bootstrap-servers"): strings.Join(settings.BootstrapServers, ","),
		})
		c.OnStart("kafka-broker", func(ctx context.Context) error {
			_, err := mgr.Start(ctx, *svc)
			return err
		})
	}

	if err := ic.Components().Register(ComponentName, settings); err != nil {
		return err
	}

	dial := i.Dial
	if dial == nil {
		dial = dialSarama
	}
	var conn *Connection
	c.OnStart(ComponentName, func(ctx context.Context) error {
		var err error
		if conn, err = dial(ctx, c, settings); err != nil {
			return fmt.Errorf("kafka: connect to %v: %w", settings.BootstrapServers, err)
		}
		Port.Register(c.Scope(), NewClient(&LoggingMessaging{Next: conn.Messaging, Logger: c.Logger()}, settings.AwaitTimeout))
		c.Logger().Info("Kafka client ready", "container", c.ID(), "brokers", settings.BootstrapServers)
		return nil
	})
	c.OnReset(ComponentName, func(ctx context.Context) error {
		if conn == nil || conn.Cleaner == nil {
			return nil
		}
		return conn.Cleaner.Clean(ctx)
	})
	c.OnStop(ComponentName, func(context.Context) error {
		Port.Clear(c.Scope())
		if conn == nil || conn.Close == nil {
			return nil
		}
		return conn.Close()
	})
	return nil
}

// brokerSpec is a single-node KRaft broker advertising localhost:hostPort.
func brokerSpec(image string, hostPort int) servicecontainer.Spec {
	return servicecontainer.Spec{
		Name:          "kafka",
		Image:         image,
		ContainerPort: brokerPort,
		HostPort:      hostPort,
		Env: map[string]string{
			"KAFKA_NODE_ID":                                  "1",
			"KAFKA_PROCESS_ROLES":                            "broker,controller",
			"KAFKA_LISTENERS":                                "PLAINTEXT://:9092,CONTROLLER://:9093",
			"KAFKA_ADVERTISED_LISTENERS":                     "PLAINTEXT://localhost:" + strconv.Itoa(hostPort),
			"KAFKA_CONTROLLER_LISTENER_NAMES":                "CONTROLLER",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":           "CONTROLLER:PLAINTEXT,PLAINTEXT:PLAINTEXT",
			"KAFKA_CONTROLLER_QUORUM_VOTERS":                 "1@localhost:9093",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR":         "1",
			"KAFKA_TRANSACTION_STATE_LOG_REPLICATION_FACTOR": "1",
			"KAFKA_TRANSACTION_STATE_LOG_MIN_ISR":            "1",
			"KAFKA_AUTO_CREATE_TOPICS_ENABLE":                "true",
		},
	}
}

func dialSarama(_ context.Context, c *host.Container, s Settings) (*Connection, error) {
	cfg, err := s.saramaConfig()
	if err != nil {
		return nil, err
	}
	client, err := sarama.NewClient(s.BootstrapServers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		_ = consumer.Close()
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &Connection{
		Messaging: newSaramaMessaging(producer, consumer),
		Cleaner:   NewTopicCleaner(admin, client, c.Logger(), s.CleanupAttempts, s.CleanupRetryDelay),
		Close: func() error {
			// The admin owns the client and closes it last.
			return errors.Join(producer.Close(), consumer.Close(), admin.Close())
		},
	}, nil
}
