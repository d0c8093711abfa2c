package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"forum-digest/internal/app"
	"forum-digest/internal/infra/config"
	httpserver "forum-digest/internal/infra/http"
	applog "forum-digest/internal/infra/log"
	"forum-digest/internal/infra/metrics"
	"forum-digest/internal/usecase/schedule"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := schedule.LoadLocation(cfg.TZ)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: некорректный часовой пояс")
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось инициализировать зависимости")
	}
	defer a.Close()

	run := func(ctx context.Context) (any, error) {
		return a.Pipeline.Run(context.WithoutCancel(ctx))
	}

	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})),
	)
	if _, err := c.AddFunc(cfg.Scheduler.Cron, func() {
		report, err := a.Pipeline.Run(context.Background())
		if err != nil {
			logger.Error().Err(err).Str("run", report.RunID).Msg("scheduler: проход завершился ошибкой")
			return
		}
		logger.Info().
			Str("run", report.RunID).
			Bool("skipped", report.Skipped).
			Int("sent", report.Sent).
			Int("queued", report.Queued).
			Int("digests", report.Digest.Sent).
			Dur("duration", report.Duration).
			Msg("scheduler: проход завершён")
	}); err != nil {
		logger.Fatal().Err(err).Str("spec", cfg.Scheduler.Cron).Msg("scheduler: некорректное расписание")
	}

	if cfg.Scheduler.MetricsAddr != "" {
		metrics.StartServer(ctx, logger, cfg.Scheduler.MetricsAddr)
	}

	srv := httpserver.NewServer(logger, httpserver.Options{
		AdminToken: cfg.Scheduler.AdminToken,
		Run:        run,
		Health:     a.Health,
	})
	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("scheduler: HTTP сервер остановлен")
			stop()
		}
	}()

	c.Start()
	logger.Info().Str("spec", cfg.Scheduler.Cron).Str("tz", loc.String()).Msg("scheduler: запущен")

	<-ctx.Done()
	logger.Info().Msg("scheduler: остановка, ждём текущий проход")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("scheduler: ошибка остановки HTTP сервера")
	}
	<-c.Stop().Done()
}

// cronLogger направляет сообщения cron в zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("scheduler: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("scheduler: " + msg)
}
