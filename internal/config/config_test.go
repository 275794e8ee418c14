package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SIGNER_KEY", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ENV", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultKeeperInterval, cfg.KeeperInterval)
	assert.Equal(t, DefaultKeeperCallTimeout, cfg.KeeperCallTimeout)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_KeeperOverrides(t *testing.T) {
	t.Setenv("KEEPER_INTERVAL", "5s")
	t.Setenv("KEEPER_CALL_TIMEOUT", "2s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.KeeperInterval)
	assert.Equal(t, 2*time.Second, cfg.KeeperCallTimeout)
}

func TestValidate_ProductionRequiresSecrets(t *testing.T) {
	cfg := &Config{
		Env:               "production",
		KeeperInterval:    time.Minute,
		KeeperCallTimeout: time.Second,
		MinEscrowDuration: time.Minute,
		MaxEscrowDuration: time.Hour,
	}
	assert.Error(t, cfg.Validate(), "production without SIGNER_KEY must fail")

	cfg.SignerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	assert.Error(t, cfg.Validate(), "production without ADMIN_SECRET must fail")

	cfg.AdminSecret = "s3cret"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_SignerKeyFormat(t *testing.T) {
	cfg := &Config{
		Env:               "development",
		SignerKey:         "not-hex",
		KeeperInterval:    time.Minute,
		KeeperCallTimeout: time.Second,
		MinEscrowDuration: time.Minute,
		MaxEscrowDuration: time.Hour,
	}
	assert.Error(t, cfg.Validate())

	// 0x prefix accepted
	cfg.SignerKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_DurationBounds(t *testing.T) {
	cfg := &Config{
		Env:               "development",
		KeeperInterval:    time.Minute,
		KeeperCallTimeout: time.Second,
		MinEscrowDuration: time.Hour,
		MaxEscrowDuration: time.Minute, // max < min
	}
	assert.Error(t, cfg.Validate())

	cfg.KeeperInterval = 0
	assert.Error(t, cfg.Validate())
}
