package observability_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/workspace-broker/internal/adapter/observability"
	"github.com/fairyhunter13/workspace-broker/internal/config"
)

func TestSetupLogger_LevelPerProfile(t *testing.T) {
	t.Parallel()

	dev := observability.SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "workspace-broker"})
	assert.True(t, dev.Enabled(context.Background(), slog.LevelDebug))

	prod := observability.SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "workspace-broker"})
	assert.False(t, prod.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, prod.Enabled(context.Background(), slog.LevelInfo))
}
