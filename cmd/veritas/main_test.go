package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-agent/veritas/pkg/config"
)

func TestBuildCard_DefaultConfig(t *testing.T) {
	card := buildCard(config.Default())

	assert.Equal(t, "veritas", card.Name)
	assert.NotEmpty(t, card.Version)
	assert.True(t, card.Capabilities.Streaming)

	// Discovery must advertise at least one skill even when the
	// operator configures none.
	require.NotEmpty(t, card.Skills)
	assert.NotEmpty(t, card.Skills[0].ID)
	assert.NotEmpty(t, card.Skills[0].Name)
}

func TestBuildExtendedCard_AddsDetail(t *testing.T) {
	cfg := config.Default()
	card := buildExtendedCard(cfg)
	assert.Contains(t, card.Description, cfg.Model.Model)
}
