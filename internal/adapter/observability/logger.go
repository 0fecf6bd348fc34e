package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/workspace-broker/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Every record carries
// the service name and environment so broker, scheduler, and integrator
// logs can be filtered per deployment.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// Dev runs at debug with source locations; other profiles stay at
	// the info default.
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
