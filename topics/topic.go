// Package topics is the canonical source of Topic objects for one
// application instance: registered input topics plus the changelog and
// repartition topics derived from them. It validates partition-count and
// compaction invariants and creates missing internal topics.
package topics

import (
	"reflect"

	"github.com/MarxKrontalPartner/quix-streams/serde"
)

// Kind classifies why a Topic exists, for logging and validation.
type Kind int

const (
	// KindInput is a topic the application declared as a source.
	KindInput Kind = iota
	// KindChangelog is a derived, compacted changelog topic for a store.
	KindChangelog
	// KindRepartition is a derived, short-retention re-keying topic.
	KindRepartition
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindChangelog:
		return "changelog"
	case KindRepartition:
		return "repartition"
	default:
		return "unknown"
	}
}

// TopicConfig is an immutable value describing how a topic should be
// created. Two TopicConfigs are equal when all fields are equal.
type TopicConfig struct {
	NumPartitions     int32
	ReplicationFactor int16
	// ExtraConfig holds broker config keys (e.g. "cleanup.policy",
	// "retention.ms") to their string values.
	ExtraConfig map[string]string
}

// Equal reports whether c and other describe the same topic configuration.
func (c TopicConfig) Equal(other TopicConfig) bool {
	if c.NumPartitions != other.NumPartitions || c.ReplicationFactor != other.ReplicationFactor {
		return false
	}
	return reflect.DeepEqual(c.ExtraConfig, other.ExtraConfig)
}

// Topic is a logical Kafka topic plus everything this application needs to
// produce to or consume from it. A zero-value Topic is not usable; use
// NewInputTopic / the Manager's derivation methods to construct one.
type Topic struct {
	Name string
	Kind Kind

	// Create, if non-nil, is the configuration this application will
	// create the topic with if it does not already exist. A nil Create
	// means the topic is assumed externally managed.
	Create *TopicConfig

	// Broker is filled in by Manager.ValidateAll after inspecting the
	// cluster; it is the config actually observed on the broker.
	Broker *TopicConfig

	KeySerializer     serde.Serializer
	ValueSerializer   serde.Serializer
	KeyDeserializer   serde.Deserializer
	ValueDeserializer serde.Deserializer

	TimestampExtractor TimestampExtractor
}

// TimestampExtractor derives a Row timestamp (epoch ms) from a raw record.
// A nil extractor means "use the Kafka record timestamp".
type TimestampExtractor func(key, value []byte, kafkaTimestampMs int64) int64

// CanProduce reports whether this Topic has the serializers needed to
// produce to it.
func (t *Topic) CanProduce() bool {
	return t.KeySerializer != nil && t.ValueSerializer != nil
}

// CanConsume reports whether this Topic has the deserializers needed to
// consume from it.
func (t *Topic) CanConsume() bool {
	return t.KeyDeserializer != nil && t.ValueDeserializer != nil
}

// NewInputTopic declares a topic this application consumes from (and may
// also produce to, if serializers are supplied). create may be nil if the
// topic is externally managed.
func NewInputTopic(name string, create *TopicConfig, keySer serde.Serializer, valSer serde.Serializer, keyDeser serde.Deserializer, valDeser serde.Deserializer, ts TimestampExtractor) *Topic {
	return &Topic{
		Name:               name,
		Kind:               KindInput,
		Create:             create,
		KeySerializer:      keySer,
		ValueSerializer:    valSer,
		KeyDeserializer:    keyDeser,
		ValueDeserializer:  valDeser,
		TimestampExtractor: ts,
	}
}
