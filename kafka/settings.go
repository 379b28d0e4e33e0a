package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/forgeit/config"
	"github.com/IBM/sarama"
)

const module = "kafka"

// Mode selects who provides the broker.
type Mode string

const (
	// ModeInternal starts a broker container per harness container.
	ModeInternal Mode = "internal"
	// ModeExternal connects to BootstrapServers.
	ModeExternal Mode = "external"
)

// Settings is the Kafka module configuration read from
// forgeit.modules.kafka.*.
type Settings struct {
	Enabled           bool
	Mode              Mode
	BootstrapServers  []string
	Image             string
	ClientID          string
	AwaitTimeout      time.Duration
	CleanupAttempts   int
	CleanupRetryDelay time.Duration

	SASLMechanism string
	SASLUser      string
	SASLPassword  string
}

// LoadSettings reads the module settings from env.
func LoadSettings(env *config.Environment) (Settings, error) {
	s := Settings{
		Enabled:           env.Bool(config.ModuleKey(module, "enabled"), true),
		Mode:              Mode(strings.ToLower(env.String(config.ModuleKey(module, "mode"), string(ModeInternal)))),
		BootstrapServers:  env.Strings(config.ModuleKey(module, "bootstrap-servers")),
		Image:             env.String(config.ModuleKey(module, "image"), "apache/kafka:3.7.0"),
		ClientID:          env.String(config.ModuleKey(module, "client-id"), "forgeit"),
		AwaitTimeout:      env.Duration(config.ModuleKey(module, "await-timeout"), 10*time.Second),
		CleanupAttempts:   env.Int(config.ModuleKey(module, "cleanup-attempts"), 3),
		CleanupRetryDelay: env.Duration(config.ModuleKey(module, "cleanup-retry-delay"), 2*time.Second),
		SASLMechanism:     strings.ToUpper(env.String(config.ModuleKey(module, "sasl.mechanism"), "")),
		SASLUser:          env.String(config.ModuleKey(module, "sasl.user"), ""),
		SASLPassword:      env.String(config.ModuleKey(module, "sasl.password"), ""),
	}

	switch s.Mode {
	case ModeInternal:
	case ModeExternal:
		if len(s.BootstrapServers) == 0 {
			return s, fmt.Errorf("kafka: external mode requires %s", config.ModuleKey(module, "bootstrap-servers"))
		}
	default:
		return s, fmt.Errorf("kafka: unknown mode %q", s.Mode)
	}
	return s, nil
}

// saramaConfig builds the client configuration for s.
func (s Settings) saramaConfig() (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = s.ClientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	switch mech := sarama.SASLMechanism(s.SASLMechanism); mech {
	case "":
	case sarama.SASLTypePlaintext, sarama.SASLTypeSCRAMSHA256, sarama.SASLTypeSCRAMSHA512:
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = mech
		cfg.Net.SASL.User = s.SASLUser
		cfg.Net.SASL.Password = s.SASLPassword
		cfg.Net.SASL.SCRAMClientGeneratorFunc = scramGenerator(mech)
	default:
		return nil, fmt.Errorf("kafka: unsupported SASL mechanism %q", s.SASLMechanism)
	}
	return cfg, nil
}
