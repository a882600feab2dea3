package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Server:   ServerConfig{Environment: "development"},
		Database: DatabaseConfig{Driver: "postgres", URL: "postgres://localhost/slots"},
		JWT:      JWTConfig{Secret: "secret"},
		Payment:  PaymentConfig{Provider: "sandbox", SettleConcurrency: 4},
		Booking:  BookingConfig{AuthorizeRetries: 2},
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid configuration", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("postgres requires a URL", func(t *testing.T) {
		cfg := validConfig()
		cfg.Database.URL = ""
		assert.EqualError(t, cfg.Validate(), "DATABASE_URL is required")
	})

	t.Run("memory store is refused in production", func(t *testing.T) {
		cfg := validConfig()
		cfg.Database.Driver = "memory"
		cfg.Server.Environment = "production"
		assert.Error(t, cfg.Validate())
	})

	t.Run("omise requires keys", func(t *testing.T) {
		cfg := validConfig()
		cfg.Payment.Provider = "omise"
		assert.Error(t, cfg.Validate())

		cfg.Payment.OmisePublicKey = "pkey_test"
		cfg.Payment.OmiseSecretKey = "skey_test"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := validConfig()
		cfg.Payment.Provider = "stripe"
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing JWT secret", func(t *testing.T) {
		cfg := validConfig()
		cfg.JWT.Secret = ""
		assert.EqualError(t, cfg.Validate(), "JWT_SECRET is required")
	})
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_DURATION", "45s")
	t.Setenv("TEST_BAD_DURATION", "soon")
	t.Setenv("TEST_SLICE", " a, b ,,c ")
	t.Setenv("TEST_INT", "x")

	assert.Equal(t, 45*time.Second, getEnvAsDuration("TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvAsDuration("TEST_BAD_DURATION", time.Second))
	assert.Equal(t, []string{"a", "b", "c"}, getEnvAsSlice("TEST_SLICE", nil))
	assert.Equal(t, 7, getEnvAsInt("TEST_INT", 7))
	assert.Equal(t, "fallback", getEnv("TEST_MISSING_KEY", "fallback"))
}
