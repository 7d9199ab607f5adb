package ttcn3

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// Codec transforms a structured value into its encoded form and back.
// Codecs are applied by codec template wrappers: encoding on send
// valuation, decoding before matching the wrapped template.
type Codec interface {
	Encode(value interface{}) (interface{}, error)
	Decode(encoded interface{}) (interface{}, error)
}

var (
	codecsMu sync.RWMutex
	codecs   = map[string]Codec{}
)

// RegisterCodec makes a codec available to codec template wrappers under
// the given name. Registering a second codec under the same name replaces
// the first.
func RegisterCodec(name string, c Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[name] = c
}

func lookupCodec(name string) (Codec, error) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("no codec registered under %q", name)
	}
	return c, nil
}

func init() {
	RegisterCodec("json", jsonCodec{})
	RegisterCodec("base64", base64Codec{})
	RegisterCodec("hex", hexCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Encode(value interface{}) (interface{}, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return string(b), nil
}

func (jsonCodec) Decode(encoded interface{}) (interface{}, error) {
	raw, err := asBytes(encoded)
	if err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	return v, nil
}

type base64Codec struct{}

func (base64Codec) Encode(value interface{}) (interface{}, error) {
	raw, err := asBytes(value)
	if err != nil {
		return nil, fmt.Errorf("base64 encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (base64Codec) Decode(encoded interface{}) (interface{}, error) {
	s, ok := encoded.(string)
	if !ok {
		return nil, fmt.Errorf("base64 decode: expected string, got %T", encoded)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return string(b), nil
}

type hexCodec struct{}

func (hexCodec) Encode(value interface{}) (interface{}, error) {
	raw, err := asBytes(value)
	if err != nil {
		return nil, fmt.Errorf("hex encode: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func (hexCodec) Decode(encoded interface{}) (interface{}, error) {
	s, ok := encoded.(string)
	if !ok {
		return nil, fmt.Errorf("hex decode: expected string, got %T", encoded)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("hex decode: %w", err)
	}
	return string(b), nil
}

func asBytes(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case json.RawMessage:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("expected string or bytes, got %T", v)
	}
}
