package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/IBM/sarama"
)

// topicAdmin is the part of sarama.ClusterAdmin the cleaner needs.
type topicAdmin interface {
	ListTopics() (map[string]sarama.TopicDetail, error)
	DeleteRecords(topic string, partitionOffsets map[int32]int64) error
}

// offsetReader is the part of sarama.Client the cleaner needs.
type offsetReader interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partitionID int32, time int64) (int64, error)
}

// TopicCleaner truncates every user topic so tests start from empty logs.
type TopicCleaner struct {
	admin      topicAdmin
	offsets    offsetReader
	logger     modular.Logger
	attempts   int
	retryDelay time.Duration
}

// NewTopicCleaner creates a cleaner retrying up to attempts times.
func NewTopicCleaner(admin topicAdmin, offsets offsetReader, logger modular.Logger, attempts int, retryDelay time.Duration) *TopicCleaner {
	if attempts < 1 {
		attempts = 1
	}
	return &TopicCleaner{admin: admin, offsets: offsets, logger: logger, attempts: attempts, retryDelay: retryDelay}
}

// Clean deletes all records of all non-internal topics.
func (c *TopicCleaner) Clean(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err = c.cleanOnce(); err == nil {
			return nil
		}
		if attempt == c.attempts {
			break
		}
		c.logger.Warn("Kafka cleanup failed; retrying", "attempt", attempt, "of", c.attempts, "error", err)
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(c.retryDelay):
		}
	}
	return fmt.Errorf("kafka: cleanup failed after %d attempts: %w", c.attempts, err)
}

func (c *TopicCleaner) cleanOnce() error {
	topics, err := c.admin.ListTopics()
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}
	names := make([]string, 0, len(topics))
	for name := range topics {
		if strings.HasPrefix(name, "__") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, topic := range names {
		partitions, err := c.offsets.Partitions(topic)
		if err != nil {
			return fmt.Errorf("partitions of %q: %w", topic, err)
		}
		ends := make(map[int32]int64, len(partitions))
		for _, p := range partitions {
			end, err := c.offsets.GetOffset(topic, p, sarama.OffsetNewest)
			if err != nil {
				return fmt.Errorf("end offset of %s/%d: %w", topic, p, err)
			}
			if end > 0 {
				ends[p] = end
			}
		}
		if len(ends) == 0 {
			continue
		}
		if err := c.admin.DeleteRecords(topic, ends); err != nil {
			return fmt.Errorf("delete records of %q: %w", topic, err)
		}
		c.logger.Debug("Kafka topic truncated", "topic", topic, "partitions", len(ends))
	}
	return nil
}
