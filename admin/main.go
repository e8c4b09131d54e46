package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"signagehub/admin/console"
)

func main() {
	serverURL := flag.String("server", envOr("SIGNAGEHUB_SERVER_URL", "wss://localhost:8443"), "Gateway base URL")
	token := flag.String("token", "", "Admin access token (skips login)")
	login := flag.String("login", "", "Login as username:password to obtain a token")
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

	accessToken := *token
	if accessToken == "" && *login != "" {
		var err error
		accessToken, err = fetchToken(*serverURL, *login, *insecure)
		if err != nil {
			log.Fatal().Err(err).Msg("login")
		}
	}
	if accessToken == "" {
		log.Fatal().Msg("credentials required (-token or -login user:pass)")
	}

	c := console.New(console.Options{
		ServerURL:   *serverURL,
		Token:       accessToken,
		InsecureTLS: *insecure,
		Out:         os.Stdout,
		Logger:      log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx, os.Stdin); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("console stopped")
	}
}

// fetchToken exchanges credentials for an access token at the
// control-plane login endpoint.
func fetchToken(serverURL, login string, insecure bool) (string, error) {
	username, password, ok := strings.Cut(login, ":")
	if !ok {
		return "", fmt.Errorf("expected username:password")
	}

	httpURL := strings.Replace(strings.Replace(serverURL, "wss://", "https://", 1), "ws://", "http://", 1)
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})

	client := &http.Client{Timeout: 10 * time.Second}
	if insecure {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	resp, err := client.Post(httpURL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed: %s", resp.Status)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
