// Package serialization provides the serializers used when whole messages,
// rather than raw payloads, are sent as the AMQP body.
package serialization

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// ErrNilValue is returned when asked to serialize nil.
var ErrNilValue = errors.New("serialization: nil value")

// Provider turns values into bytes and back.
type Provider interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
	ContentType() string
}

// JSON serializes with json-iterator in standard-library compatible mode.
type JSON struct {
	api jsoniter.API
}

// NewJSON returns a JSON provider.
func NewJSON() *JSON {
	return &JSON{api: jsoniter.ConfigCompatibleWithStandardLibrary}
}

func (j *JSON) ContentType() string { return "application/json" }

func (j *JSON) Serialize(v any) ([]byte, error) {
	if v == nil {
		return nil, ErrNilValue
	}
	data, err := j.api.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialization: marshal: %w", err)
	}
	return data, nil
}

func (j *JSON) Deserialize(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("serialization: unmarshal: empty input")
	}
	if err := j.api.Unmarshal(data, v); err != nil {
		return fmt.Errorf("serialization: unmarshal: %w", err)
	}
	return nil
}
