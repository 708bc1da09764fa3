package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/config"
	"github.com/iliyamo/expert-settlement/internal/database"
)

func TestInitializeServicesOnSQLite(t *testing.T) {
	for _, k := range []string{"REDIS_HOST", "REDIS_PORT", "REDIS_ADDR"} {
		t.Setenv(k, "")
	}
	cfg := config.Config{
		DBDriver:        database.DriverSQLite,
		DBPath:          filepath.Join(t.TempDir(), "app.db"),
		StripeSecretKey: "sk_test_unused",
		Settlement:      config.SettlementConfig{}.Normalize(),
		Idempotency:     config.IdempotencyConfig{TTL: time.Minute},
	}

	s, err := InitializeServices(cfg, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	assert.Nil(t, s.Publisher)
	assert.Nil(t, s.Redis)
	require.NotNil(t, s.Booking)

	// Nothing is due on a fresh database.
	results, err := s.Scheduler.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestInitializeServicesRejectsUnknownDriver(t *testing.T) {
	_, err := InitializeServices(config.Config{DBDriver: "oracle"}, zap.NewNop())
	assert.Error(t, err)
}
