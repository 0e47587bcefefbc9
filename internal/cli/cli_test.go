package cli

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	t.Run("should register every command", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range rootCmd.Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"serve", "worker", "migrate", "sync"} {
			assert.True(t, names[want], want)
		}
	})

	t.Run("should require tenant and integration for sync", func(t *testing.T) {
		_, err := execute("sync", "--tenant", uuid.NewString())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "integration")
	})

	t.Run("should reject malformed ids before connecting", func(t *testing.T) {
		_, err := execute("sync", "--tenant", "acme", "--integration", uuid.NewString())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid --tenant")
	})

	t.Run("should reject positional arguments", func(t *testing.T) {
		_, err := execute("serve", "now")
		assert.Error(t, err)
	})
}
