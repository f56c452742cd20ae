package signal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

const kafkaRetryDelay = 5 * time.Second

// KafkaFeed consumes signal reports from a Kafka topic through a consumer
// group and applies them to a board.
type KafkaFeed struct {
	group  sarama.ConsumerGroup
	topic  string
	board  *Board
	logger *slog.Logger
}

// NewKafkaFeed joins groupID on the given brokers.
func NewKafkaFeed(brokers []string, groupID, topic string, board *Board, logger *slog.Logger) (*KafkaFeed, error) {
	config := sarama.NewConfig()
	config.ClientID = "trafficmind-gateway"
	config.Version = sarama.V2_6_0_0
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("creating Kafka consumer group: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaFeed{group: group, topic: topic, board: board, logger: logger}, nil
}

// Run consumes until ctx is done, rejoining the group after errors.
func (f *KafkaFeed) Run(ctx context.Context) {
	handler := &feedHandler{board: f.board}
	for {
		if err := f.group.Consume(ctx, []string{f.topic}, handler); err != nil {
			f.logger.Warn("kafka signal feed error", "topic", f.topic, "error", err, "retry_in", kafkaRetryDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(kafkaRetryDelay):
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Close leaves the consumer group.
func (f *KafkaFeed) Close() error {
	return f.group.Close()
}

// feedHandler implements sarama.ConsumerGroupHandler.
type feedHandler struct {
	board *Board
}

func (h *feedHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *feedHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *feedHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			applyPayload(h.board, msg.Value, SourceKafka)
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}
