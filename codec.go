package relay

import (
	"errors"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
)

// Codec is the Strategy for encoding/decoding messages on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default codec. Messages travel as JSON objects with
// ISO-8601 timestamps, matching what the dashboard expects on the socket.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return f(), nil
}

// DecodeData projects a message's open Data payload into a typed value by
// round-tripping it through the codec. Handlers use this when they know the
// concrete shape behind a message type.
func DecodeData[T any](c Codec, msg *Message) (T, error) {
	var v T
	if c == nil {
		c = JSONCodec{}
	}
	raw, err := c.Marshal(msg.Data)
	if err != nil {
		return v, err
	}
	if err := c.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	return v, nil
}
