package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractObject(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"plain", `{"a":1}`, `{"a":1}`, true},
		{"prose", "Here you go: {\"a\":{\"b\":2}} thanks", `{"a":{"b":2}}`, true},
		{"fence", "```json\n{\"recommendation\":\"BUY\",\"list\":[1,2]}\n```", `{"recommendation":"BUY","list":[1,2]}`, true},
		{"brace in string", `{"r":"use } carefully"}`, `{"r":"use } carefully"}`, true},
		{"unbalanced", `{"a":1`, "", false},
		{"empty", "  ", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractObject(tc.raw)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExtractArray(t *testing.T) {
	got, ok := ExtractArray("items: [\"a\", \"b\"]")
	assert.True(t, ok)
	assert.Equal(t, `["a", "b"]`, got)
}
