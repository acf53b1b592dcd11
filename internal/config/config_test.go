package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsOutriggerDefaultsToLegacyID(t *testing.T) {
	cfg := New()
	assert.True(t, cfg.IsOutrigger(OutriggerID))
	assert.False(t, cfg.IsOutrigger(1))
}

func TestWithOutriggerIDsReplacesPredicate(t *testing.T) {
	cfg := New().WithOutriggerIDs(7, 9)
	assert.True(t, cfg.IsOutrigger(7))
	assert.True(t, cfg.IsOutrigger(9))
	assert.False(t, cfg.IsOutrigger(OutriggerID))
}

func TestNumPolHonorsSinglePol(t *testing.T) {
	cfg := New()
	assert.Equal(t, 4, cfg.NumPol(4))

	cfg.SinglePol = true
	assert.Equal(t, 1, cfg.NumPol(4))
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := New()
	cfg.GridSize = 0
	var cerr *ConfigError
	require.ErrorAs(t, cfg.Validate(0), &cerr)
}

func TestValidateRejectsGridSmallerThanAntennaExtent(t *testing.T) {
	cfg := New()
	cfg.GridSize = 8
	var cerr *ConfigError
	require.ErrorAs(t, cfg.Validate(100), &cerr)
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	cfg := New()
	require.NoError(t, cfg.Validate(1))
}
