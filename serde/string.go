package serde

// StringSerializer encodes a string value as UTF-8 bytes.
type StringSerializer struct{}

func (StringSerializer) Serialize(value any, _ Context) ([]byte, error) {
	s, ok := value.(string)
	if !ok {
		return nil, errUnsupportedType("StringSerializer", value)
	}
	return []byte(s), nil
}

// StringDeserializer decodes message bytes as a UTF-8 string.
type StringDeserializer struct{}

func (StringDeserializer) Deserialize(data []byte, _ Context) Result {
	return OK(string(data))
}
