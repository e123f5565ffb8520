package defrag

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/elee1766/godefrag/pkg/config"
	"github.com/elee1766/godefrag/pkg/volume"
)

var Module = fx.Module("defrag",
	fx.Provide(Provide),
)

// Provide builds an Engine from config. Any running session is stopped
// when the app shuts down.
func Provide(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, open volume.Opener) *Engine {
	e := New(Options{
		Logger:              logger,
		Open:                open,
		NumFilteredClusters: cfg.NumFilteredClusters,
		StopTimeout:         cfg.StopTimeout,
		SpaceHogBytes:       cfg.SpaceHogBytes,
		ReadRetries:         cfg.ReadRetries,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return e.Close()
		},
	})
	return e
}
