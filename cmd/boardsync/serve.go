package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"boardsync/api"
	"boardsync/config"
	"boardsync/events"
	"boardsync/logging"
	"boardsync/service"
	"boardsync/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the event stream",
	RunE:  runServe,
}

func newAuth(c config.Config) (api.Authenticator, error) {
	if err := c.ValidateAuth(); err != nil {
		return nil, err
	}
	if strings.EqualFold(c.Auth.LocalMode, "hs256") {
		log.Warn("using shared secret authentication")
		return api.NewSharedSecretAuth([]byte(c.Auth.SharedSecret), c.Auth.Audience, ""), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth.Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, c.Auth.Audience, "https://"+c.Auth.Domain+"/", c.Auth.JWKSCacheTTL), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := logging.NewTracerProvider(logger)
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	auth, err := newAuth(cfg)
	if err != nil {
		return err
	}

	hub := events.NewHub(cfg.Stream.ClientBuffer)
	var (
		pub     service.Publisher = events.NewLocalPublisher(hub)
		deduper api.Deduper
	)
	rc, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
		backend = storage.NewCache(backend, rc, cfg.Redis.CacheTTL)
		pub = events.NewRedisPublisher(rc, cfg.Redis.EventsChannel)
		go events.Subscribe(ctx, rc, cfg.Redis.EventsChannel, hub)
		deduper = api.NewRedisDeduper(rc, cfg.Redis.DeduperTTL)
	} else {
		log.Warn("no redis configured, events stay in this instance and creates are not deduplicated")
	}

	orders := service.NewOrderAssigner(backend)
	tasks := service.NewTaskService(backend, orders, pub)
	tasks.BackfillOnRead = cfg.BackfillOnRead
	lists := service.NewListService(backend, tasks, pub)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.HeaderIdempotencyKey},
	}))
	e.Use(echoprometheus.NewMiddleware("boardsync"))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, api.Config{
		Tasks:     tasks,
		Lists:     lists,
		Auth:      auth,
		Hub:       hub,
		Deduper:   deduper,
		Logger:    logger,
		Keepalive: cfg.Stream.Keepalive,
	})

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		errCh <- e.Start(cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
