// Command stream-gateway runs the camera streaming gateway for a single
// camera, bridging the upstream WebSocket driver to any number of
// plain-TCP H.264 viewers.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/eufylive/stream-gateway/pkg/gateway"
	"github.com/eufylive/stream-gateway/pkg/httpapi"
	"github.com/eufylive/stream-gateway/pkg/upstream/fakedriver"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	cfg, err := gateway.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	driverURL := os.Getenv("STREAM_GATEWAY_UPSTREAM_URL")
	if driverURL == "" {
		log.Fatal().Msg("STREAM_GATEWAY_UPSTREAM_URL is required: no production upstream driver is wired into this build, point it at a driver speaking the protocol described in pkg/upstream/fakedriver")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	driver, err := fakedriver.Dial(ctx, driverURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", driverURL).Msg("failed to dial upstream driver")
	}
	defer driver.Close() //nolint:errcheck

	server := gateway.NewServer(cfg, driver, driver)
	server.OnError(func(err error) {
		log.Error().Err(err).Msg("gateway error")
	})

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start gateway")
	}

	statsPort := os.Getenv("STREAM_GATEWAY_STATS_PORT")
	if statsPort == "" {
		statsPort = "9090"
	}
	statsServer := &http.Server{
		Addr:    ":" + statsPort,
		Handler: httpapi.NewHandler(server),
	}
	go func() {
		if err := statsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("stats server error")
		}
	}()

	log.Info().Int("port", cfg.Port).Str("stats_port", statsPort).Msg("stream gateway running")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	statsServer.Close() //nolint:errcheck
	if err := server.Stop(); err != nil {
		log.Error().Err(err).Msg("error stopping gateway")
	}
}
