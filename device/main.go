package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"signagehub/device/agent"
)

func main() {
	serverURL := flag.String("server", envOr("SIGNAGEHUB_SERVER_URL", "wss://localhost:8443"), "Gateway base URL")
	token := flag.String("token", os.Getenv("SIGNAGEHUB_DEVICE_TOKEN"), "Persistent device token")
	contentDir := flag.String("content-dir", "content", "Local content cache directory")
	captureCmd := flag.String("capture-cmd", "", "Command producing one JPEG on stdout (space separated)")
	fps := flag.Int("fps", 5, "Screencast frame rate")
	insecure := flag.Bool("insecure-tls", true, "Accept self-signed gateway certificates")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := zerolog.InfoLevel
	if *debug {
		logLevel = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(logLevel).
		With().Timestamp().Logger()

	if *token == "" {
		log.Fatal().Msg("device token required (-token or SIGNAGEHUB_DEVICE_TOKEN)")
	}
	if err := os.MkdirAll(*contentDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("create content dir")
	}

	var source agent.FrameSource
	if *captureCmd != "" {
		source = &agent.ExecSource{Command: strings.Fields(*captureCmd)}
	}

	a := agent.New(agent.Options{
		ServerURL:     *serverURL,
		Token:         *token,
		ContentDir:    *contentDir,
		FrameInterval: time.Second / time.Duration(max(*fps, 1)),
		Source:        source,
		InsecureTLS:   *insecure,
		Logger:        log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("server", *serverURL).Msg("agent starting")
	if err := a.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("agent stopped")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
