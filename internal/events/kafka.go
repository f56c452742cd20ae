package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
)

// KafkaPublisher appends events to a single Kafka topic. The bus topic goes in
// a "topic" header and the task or intersection in the message key, so a
// partition carries one task's events in order.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher creates a synchronous producer that waits for all replicas.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.ClientID = "trafficmind-gateway"
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("creating Kafka producer: %w", err)
	}
	return newKafkaPublisher(producer, topic), nil
}

func newKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("topic"), Value: []byte(topic)},
		},
	}
	if key := partitionKey(event); key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("sending to Kafka topic %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("closing Kafka producer: %w", err)
	}
	return nil
}

func partitionKey(event any) string {
	switch e := event.(type) {
	case ViolationDetected:
		return e.TaskID
	case *ViolationDetected:
		return e.TaskID
	case TaskStatusChanged:
		return e.TaskID
	case TaskComplete:
		return e.TaskID
	case TaskError:
		return e.TaskID
	case TrafficUpdate:
		return fmt.Sprintf("intersection-%d", e.IntersectionID)
	}
	return ""
}
