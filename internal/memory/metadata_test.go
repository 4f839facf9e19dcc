package memory

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadata_Validate(t *testing.T) {
	tests := []struct {
		name    string
		md      Metadata
		wantErr bool
	}{
		{"nil", nil, false},
		{"scalars", Metadata{"topic": "physics", "year": 1905, "weight": 0.5, "pinned": true}, false},
		{"flat list", Metadata{"tags": []any{"a", 1, true}}, false},
		{"string list", Metadata{"tags": []string{"a", "b"}}, false},
		{"flat map", Metadata{"source": map[string]any{"kind": "chat"}}, false},
		{"nested list", Metadata{"tags": []any{[]any{"a"}}}, true},
		{"nested map", Metadata{"source": map[string]any{"inner": map[string]any{"x": 1}}}, true},
		{"null value", Metadata{"x": nil}, true},
		{"struct value", Metadata{"x": struct{}{}}, true},
		{"empty key", Metadata{"": "x"}, true},
		{"long key", Metadata{strings.Repeat("k", 65): "x"}, true},
		{"reserved key", Metadata{"namespace": "other"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.md.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMetadata_NilMarshalsAsObject(t *testing.T) {
	var md Metadata
	data, err := json.Marshal(md)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestParseMetadata(t *testing.T) {
	md, err := ParseMetadata(nil)
	require.NoError(t, err)
	assert.Empty(t, md)

	md, err = ParseMetadata([]byte(`{"topic":"physics","year":1905}`))
	require.NoError(t, err)
	assert.Equal(t, "physics", md["topic"])
	assert.Equal(t, float64(1905), md["year"])

	_, err = ParseMetadata([]byte(`[1,2]`))
	assert.Error(t, err)
}
