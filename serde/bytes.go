package serde

// BytesSerializer passes []byte values through unchanged. Any other
// concrete type is a programming error in the caller.
type BytesSerializer struct{}

func (BytesSerializer) Serialize(value any, _ Context) ([]byte, error) {
	b, ok := value.([]byte)
	if !ok {
		return nil, errUnsupportedType("BytesSerializer", value)
	}
	return b, nil
}

// BytesDeserializer yields the raw message bytes unchanged, with no
// interpretation. A nil message body deserializes to a nil []byte, not a
// skip — callers that want to treat tombstones specially should check
// len(data) == 0 themselves.
type BytesDeserializer struct{}

func (BytesDeserializer) Deserialize(data []byte, _ Context) Result {
	return OK(data)
}
