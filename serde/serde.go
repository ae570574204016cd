// Package serde is the serialization layer: value/key (de)serializers and
// the deserialize-result sum type that lets a deserializer distinguish a
// successful value, a fan-out of several values, an explicit "ignore this
// message", and a hard failure.
package serde

import "github.com/MarxKrontalPartner/quix-streams/model"

// Context carries the metadata a (de)serializer may need beyond the raw
// bytes: the topic and partition the message belongs to, its headers, and
// — for deserialization only — the raw key (a value deserializer may need
// the key to pick a schema, e.g. schema-registry subject naming).
type Context struct {
	Topic     string
	Partition int32
	Headers   []model.Header
	// Key is only populated when deserializing a value; nil otherwise.
	Key []byte
}

// Serializer turns a structured value into wire bytes.
type Serializer interface {
	Serialize(value any, ctx Context) ([]byte, error)
}

// Deserializer turns wire bytes into one or more structured values, or
// signals that the message should be ignored. Exactly one of the Result's
// outcomes applies; see Result.
type Deserializer interface {
	Deserialize(data []byte, ctx Context) Result
}

// SerializerFunc adapts a plain function to a Serializer.
type SerializerFunc func(value any, ctx Context) ([]byte, error)

// Serialize implements Serializer.
func (f SerializerFunc) Serialize(value any, ctx Context) ([]byte, error) { return f(value, ctx) }

// DeserializerFunc adapts a plain function to a Deserializer.
type DeserializerFunc func(data []byte, ctx Context) Result

// Deserialize implements Deserializer.
func (f DeserializerFunc) Deserialize(data []byte, ctx Context) Result { return f(data, ctx) }
