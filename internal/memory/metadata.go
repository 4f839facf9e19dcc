package memory

import (
	"encoding/json"
	"fmt"
)

const maxMetadataKeyLen = 64

// Reserved keys are written by the indexes themselves.
var reservedMetadataKeys = map[string]bool{
	"namespace":   true,
	"source_text": true,
	"seq":         true,
}

// Metadata annotates a MemoryRecord. Values are limited to strings, booleans, numbers, and
// flat lists or string-keyed maps of those, so every backend can round-trip them as JSON.
type Metadata map[string]any

// Validate enforces the schema described on Metadata.
func (m Metadata) Validate() error {
	for k, v := range m {
		if k == "" || len(k) > maxMetadataKeyLen {
			return Validationf("metadata key %q must be 1-%d characters", k, maxMetadataKeyLen)
		}
		if reservedMetadataKeys[k] {
			return Validationf("metadata key %q is reserved", k)
		}
		if err := checkMetadataValue(v, true); err != nil {
			return Validationf("metadata %q: %v", k, err)
		}
	}
	return nil
}

func checkMetadataValue(v any, allowNested bool) error {
	switch val := v.(type) {
	case string, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return nil
	case []any:
		if !allowNested {
			return fmt.Errorf("nested collections are not supported")
		}
		for _, item := range val {
			if err := checkMetadataValue(item, false); err != nil {
				return err
			}
		}
		return nil
	case []string:
		if !allowNested {
			return fmt.Errorf("nested collections are not supported")
		}
		return nil
	case map[string]any:
		if !allowNested {
			return fmt.Errorf("nested collections are not supported")
		}
		for _, item := range val {
			if err := checkMetadataValue(item, false); err != nil {
				return err
			}
		}
		return nil
	case map[string]string:
		if !allowNested {
			return fmt.Errorf("nested collections are not supported")
		}
		return nil
	case nil:
		return fmt.Errorf("null values are not supported")
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}

// MarshalJSON always emits an object, never null.
func (m Metadata) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(map[string]any(m))
}

// ParseMetadata decodes stored JSON. Empty input yields empty metadata.
func ParseMetadata(data []byte) (Metadata, error) {
	md := Metadata{}
	if len(data) == 0 {
		return md, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	for k, v := range raw {
		md[k] = v
	}
	return md, nil
}
