// Package bus connects the engine to a watermill message bus: inbound
// commands are dispatched to the controller and node launches are published
// for external launchers.
package bus

import (
	"errors"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topics.
const (
	CommandsTopic   = "opflow.commands"
	ExecutionsTopic = "opflow.executions"
)

// Metadata keys.
const (
	MetadataCommandType = "command_type"
	MetadataActor       = "actor"
	MetadataMessageType = "message_type"
)

// NewGoChannelPubSub returns an in-process pub/sub usable as both publisher
// and subscriber.
func NewGoChannelPubSub(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            1000,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, logger)
}

// KafkaConfig configures NewKafkaPubSub.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	OTELEnabled   bool
}

// NewKafkaPubSub creates a Kafka publisher and a consumer-group subscriber.
func NewKafkaPubSub(cfg KafkaConfig, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	if len(cfg.Brokers) == 0 || cfg.Brokers[0] == "" {
		return nil, nil, errors.New("kafka brokers are not configured")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "opflow"
	}

	subConfig := kafka.DefaultSaramaSubscriberConfig()
	subConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	subscriber, err := kafka.NewSubscriber(kafka.SubscriberConfig{
		Brokers:               cfg.Brokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: subConfig,
		ConsumerGroup:         cfg.ConsumerGroup,
		OTELEnabled:           cfg.OTELEnabled,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	pubConfig := sarama.NewConfig()
	pubConfig.Producer.Return.Successes = true
	publisher, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:               cfg.Brokers,
		Marshaler:             kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: pubConfig,
		OTELEnabled:           cfg.OTELEnabled,
	}, logger)
	if err != nil {
		_ = subscriber.Close()
		return nil, nil, err
	}
	return publisher, subscriber, nil
}
