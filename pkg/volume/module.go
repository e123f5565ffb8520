package volume

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/elee1766/godefrag/pkg/config"
)

var Module = fx.Module("volume",
	fx.Provide(
		ProvideJournal,
		ProvideOpener,
	),
)

// ProvideJournal opens the move journal under cfg.JournalDir.
func ProvideJournal(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*Journal, error) {
	j, err := OpenJournal(cfg.JournalDir)
	if err != nil {
		return nil, err
	}
	logger.With("component", "journal").Debug("move journal opened", "dir", cfg.JournalDir)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return j.Close()
		},
	})
	return j, nil
}

func ProvideOpener(cfg *config.Config, logger *slog.Logger, journal *Journal) Opener {
	return NewOpener(logger, journal, cfg.Writable)
}
