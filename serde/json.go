package serde

import (
	"encoding/json"
	"fmt"
)

// ExpandMode controls how JSONDeserializer treats a top-level JSON array.
type ExpandMode int

const (
	// ExpandNever deserializes the whole payload as a single value, even
	// if it happens to be a JSON array.
	ExpandNever ExpandMode = iota
	// ExpandArrays fans a top-level JSON array out into one value per
	// element.
	ExpandArrays
)

// JSONSerializer marshals values to JSON. No topic gets it by default: a
// topic uses it only when it is passed in as that topic's serializer.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(value any, _ Context) ([]byte, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json serialize: %w", err)
	}
	return b, nil
}

// JSONDeserializer unmarshals JSON message bytes into a generic Go value
// (map[string]any for an object, []any, string, float64, bool or nil
// otherwise); with ExpandArrays a top-level array is fanned out into one
// value per element, each becoming its own Row. An empty body yields a
// single nil value. Malformed JSON yields Fail, never a skip — operators wanting
// skip-on-malformed behavior should wrap this deserializer (see
// SkipOnError).
type JSONDeserializer struct {
	Expand ExpandMode
}

func (d JSONDeserializer) Deserialize(data []byte, _ Context) Result {
	if len(data) == 0 {
		return OK(nil)
	}
	if d.Expand == ExpandArrays {
		var arr []json.RawMessage
		if err := json.Unmarshal(data, &arr); err == nil {
			values := make([]any, 0, len(arr))
			for _, raw := range arr {
				var v any
				if err := json.Unmarshal(raw, &v); err != nil {
					return Fail(fmt.Errorf("json deserialize array element: %w", err))
				}
				values = append(values, v)
			}
			return OKMany(values)
		}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return Fail(fmt.Errorf("json deserialize: %w", err))
	}
	return OK(v)
}

// SkipOnError wraps a Deserializer so that any Fail outcome is downgraded
// to Skip, implementing the operator-opt-in "skip and count" policy.
// onSkip, if non-nil, is invoked with the error for counting
// or logging before the message is ignored.
func SkipOnError(d Deserializer, onSkip func(error)) Deserializer {
	return DeserializerFunc(func(data []byte, ctx Context) Result {
		res := d.Deserialize(data, ctx)
		if res.Outcome == OutcomeFail {
			if onSkip != nil {
				onSkip(res.Err)
			}
			return Skip()
		}
		return res
	})
}

func errUnsupportedType(serializer string, value any) error {
	return fmt.Errorf("%s: unsupported value type %T", serializer, value)
}
