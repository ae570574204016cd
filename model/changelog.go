package model

import "encoding/binary"

// Required changelog record header names.
const (
	HeaderSourceTopic     = "__source_topic"
	HeaderSourcePartition = "__source_partition"
	HeaderSourceOffset    = "__source_offset"
	HeaderPrefix          = "__prefix"
)

// ChangelogRecord is the wire shape written to, and replayed from, a
// changelog topic. Key is the composite store key (including its sub-store
// prefix byte); Value is nil to represent a tombstone (key deletion).
type ChangelogRecord struct {
	Key             []byte
	Value           []byte // nil means delete
	SourceTopic     string
	SourcePartition int32
	SourceOffset    int64
	Prefix          byte
}

// IsDelete reports whether this record represents a tombstone.
func (c ChangelogRecord) IsDelete() bool {
	return c.Value == nil
}

// Headers renders the record's routing metadata as Kafka record headers.
func (c ChangelogRecord) Headers() []Header {
	partBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(partBuf, uint32(c.SourcePartition))
	offBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(offBuf, uint64(c.SourceOffset))
	return []Header{
		{Key: HeaderSourceTopic, Value: []byte(c.SourceTopic)},
		{Key: HeaderSourcePartition, Value: partBuf},
		{Key: HeaderSourceOffset, Value: offBuf},
		{Key: HeaderPrefix, Value: []byte{c.Prefix}},
	}
}

// SourceOffsetFromHeaders extracts the __source_offset header value, if
// present, from a raw header slice. Used by recovery to re-derive the input
// watermark.
func SourceOffsetFromHeaders(headers []Header) (int64, bool) {
	for _, h := range headers {
		if h.Key == HeaderSourceOffset && len(h.Value) == 8 {
			return int64(binary.BigEndian.Uint64(h.Value)), true
		}
	}
	return 0, false
}

// SourcePartitionFromHeaders extracts the __source_partition header value.
func SourcePartitionFromHeaders(headers []Header) (int32, bool) {
	for _, h := range headers {
		if h.Key == HeaderSourcePartition && len(h.Value) == 4 {
			return int32(binary.BigEndian.Uint32(h.Value)), true
		}
	}
	return 0, false
}

// PrefixFromHeaders extracts the __prefix header byte.
func PrefixFromHeaders(headers []Header) (byte, bool) {
	for _, h := range headers {
		if h.Key == HeaderPrefix && len(h.Value) == 1 {
			return h.Value[0], true
		}
	}
	return 0, false
}
