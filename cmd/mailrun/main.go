package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"forum-digest/internal/app"
	"forum-digest/internal/infra/config"
	applog "forum-digest/internal/infra/log"
	"forum-digest/internal/infra/metrics"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("mailrun: не удалось инициализировать зависимости")
		os.Exit(1)
	}

	report, err := a.Pipeline.Run(ctx)
	if cerr := a.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("mailrun: ошибка при закрытии ресурсов")
	}
	if err != nil {
		logger.Error().Err(err).Str("run", report.RunID).Msg("mailrun: проход завершился ошибкой")
		os.Exit(1)
	}
	logger.Info().
		Str("run", report.RunID).
		Bool("skipped", report.Skipped).
		Int("selected", report.Selected).
		Int("sent", report.Sent).
		Int("failed", report.Failed).
		Int("queued", report.Queued).
		Int("digests", report.Digest.Sent).
		Dur("duration", report.Duration).
		Msg("mailrun: проход завершён")
}
