package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"signagehub/server/api"
	"signagehub/server/cert"
	"signagehub/server/config"
	"signagehub/server/server"
	"signagehub/server/store"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	listen := flag.String("listen", "", "Listen address (overrides config)")
	addDevice := flag.String("add-device", "", "Provision a device as id:name:token and exit")
	addAdmin := flag.String("add-admin", "", "Create an admin user as username:password and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := zerolog.InfoLevel
	if *debug {
		logLevel = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(logLevel).
		With().Timestamp().Logger()

	// Errors surface here, after every deferred cleanup in run has
	// finished. log.Fatal inside run would skip the store's event-log
	// drain via os.Exit.
	if err := run(log, *configPath, *listen, *addDevice, *addAdmin, *debug); err != nil {
		log.Error().Err(err).Msg("gateway exited")
		os.Exit(1)
	}
}

func run(log zerolog.Logger, configPath, listen, addDevice, addAdmin string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listen != "" {
		cfg.Listen = listen
	}

	st, err := store.Open(cfg.DBPath, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if addDevice != "" {
		if err := provisionDevice(st, addDevice); err != nil {
			return fmt.Errorf("provision device: %w", err)
		}
		log.Info().Msg("device provisioned")
		return nil
	}
	if addAdmin != "" {
		if err := createAdmin(st, addAdmin); err != nil {
			return fmt.Errorf("create admin: %w", err)
		}
		log.Info().Msg("admin created")
		return nil
	}

	auth := server.NewAuthenticator(st, server.JWTConfig{
		Secret:   []byte(cfg.JWT.Secret),
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
	})

	gw := server.NewServer(server.Options{
		Registry:    server.NewRegistry(),
		Auth:        auth,
		Playlists:   st,
		Screenshots: st,
		Events:      st,
		DisplayConfig: server.ConfigUpdate{
			DisplayWidth:  cfg.Display.Width,
			DisplayHeight: cfg.Display.Height,
			KioskMode:     cfg.Display.KioskMode,
		},
		Logger: log,
	})

	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.New(gw, st, auth, log).Register(router)
	router.GET("/ws/device", gin.WrapF(gw.HandleDeviceConnection))
	router.GET("/ws/admin", gin.WrapF(gw.HandleAdminConnection))

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: router,
	}

	if cfg.TLS.Disabled {
		log.Info().Str("listen", cfg.Listen).Msg("gateway starting (plain HTTP)")
		err = srv.ListenAndServe()
	} else {
		certPath, keyPath := cfg.TLS.Cert, cfg.TLS.Key
		if certPath == "" {
			certPath, keyPath = "cert.pem", "key.pem"
		}
		tlsCert, certErr := cert.LoadOrGenerateCert(certPath, keyPath)
		if certErr != nil {
			return fmt.Errorf("setup TLS: %w", certErr)
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*tlsCert},
			MinVersion:   tls.VersionTLS12,
		}
		log.Info().Str("listen", cfg.Listen).Str("cert", certPath).Msg("gateway starting")
		err = srv.ListenAndServeTLS("", "")
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}

func provisionDevice(st *store.Store, spec string) error {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("expected id:name:token, got %q", spec)
	}
	return st.ProvisionDevice(context.Background(), parts[0], parts[1], parts[2])
}

func createAdmin(st *store.Store, spec string) error {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expected username:password, got %q", spec)
	}
	return st.CreateAdmin(context.Background(), parts[0], parts[1])
}
