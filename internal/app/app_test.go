package app

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casedesk/internal/config"
)

func TestOpenUsesDefaultsWithoutConfigFile(t *testing.T) {
	a, err := Open(context.Background(), t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, config.Default(), a.Config)
	loops, err := a.Loops()
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.Equal(t, "balancer", loops[0].Name)
}

func TestLoopsIncludeRelayWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	yml := "relay:\n  enabled: true\n  brokers: [\"localhost:9092\"]\n  topic: cases\nbalancer:\n  enabled: false\n"
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(yml), 0o644))

	a, err := Open(context.Background(), dir, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	loops, err := a.Loops()
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.Equal(t, "relay", loops[0].Name)
	assert.True(t, loops[0].RunAtStart)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("assignment:\n  default_strategy: FASTEST\n"), 0o644))
	_, err := Open(context.Background(), dir, zerolog.Nop())
	assert.Error(t, err)
}
