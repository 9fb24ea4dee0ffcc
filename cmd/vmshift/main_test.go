package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmshift/internal/errkind"
)

func TestUnknownFlagIsConfigurationError(t *testing.T) {
	rootCmd.SetArgs([]string{"--no-such-flag"})
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.True(t, errkind.Configuration(err))
}

func TestBadFlagValueIsConfigurationError(t *testing.T) {
	rootCmd.SetArgs([]string{"--port", "not-a-number"})
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.True(t, errkind.Configuration(err))
}
