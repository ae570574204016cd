// Package model holds the wire- and pipeline-level value types shared
// across the runtime: the deserialized Row a pipeline operates on, and the
// ChangelogRecord shape written to (and replayed from) changelog topics.
package model

import "fmt"

// TopicPartition identifies a single partition of a topic. It is comparable
// and usable as a map key.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
}

// Header is a single ordered (name, value) pair carried by a Row or
// ChangelogRecord, mirroring Kafka record headers.
type Header struct {
	Key   string
	Value []byte
}

// Row is the deserialized payload a pipeline callable operates on. It is
// immutable from the pipeline's perspective: transforms consume a Row and
// yield new Row values rather than mutating in place.
type Row struct {
	// Value is the deserialized, structured payload. Its concrete type is
	// whatever the source topic's deserializer produced.
	Value any
	// Key is the raw message key. Kafka keys are opaque bytes; any
	// structure is a convention between producer and consumer, not
	// something this layer interprets.
	Key []byte
	// Headers are the ordered headers attached to the source message.
	Headers []Header
	// TimestampMs is the row's timestamp in epoch milliseconds, as
	// produced by the topic's timestamp extractor (default: Kafka's own
	// record timestamp).
	TimestampMs int64

	// Routing metadata, filled in by the processing loop.
	SourceTopic     string
	SourcePartition int32
	SourceOffset    int64
}

// TopicPartition returns the routing TopicPartition this Row was consumed
// from.
func (r Row) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.SourceTopic, Partition: r.SourcePartition}
}

// HeaderValue returns the value of the first header named key, if present.
func (r Row) HeaderValue(key string) ([]byte, bool) {
	for _, h := range r.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return nil, false
}
