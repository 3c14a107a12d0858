package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/vigilguard/vigil"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := vigil.LoadConfig(*configPath)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := vigil.NewLogger(cfg.LogLevel, os.Stderr)

	guard, err := vigil.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("guard setup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := guard.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("guard start failed")
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
	})
	app.Use(vigil.Middleware(guard, vigil.MiddlewareOptions{TrustProxy: cfg.TrustProxy}))
	vigil.RegisterAdmin(app.Group("/vigil"), guard)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.All("/echo", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"method": c.Method(),
			"path":   c.Path(),
			"query":  string(c.Request().URI().QueryString()),
		})
	})

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: guard.MetricsHandler(),
		}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("listening")
		if err := app.Listen(cfg.Listen); err != nil {
			log.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("metrics shutdown failed")
		}
	}
	guard.Stop()
}
