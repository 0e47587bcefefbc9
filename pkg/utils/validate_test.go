package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name" validate:"required"`
	Count int    `json:"count" validate:"min=1"`
}

func TestValidateArguments(t *testing.T) {
	t.Run("should decode a map into a struct", func(t *testing.T) {
		out, err := ValidateArguments[sample](map[string]any{"name": "a", "count": 2})
		require.NoError(t, err)
		assert.Equal(t, sample{Name: "a", Count: 2}, out)
	})

	t.Run("should describe failed rules", func(t *testing.T) {
		_, err := ValidateArguments[sample](map[string]any{"count": 0})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sample.Name")
		assert.Contains(t, err.Error(), "min=1")
	})

	t.Run("should reject values of the wrong shape", func(t *testing.T) {
		_, err := ParseArguments[sample](map[string]any{"count": "many"})
		assert.Error(t, err)
	})
}
