// Command server runs the messenger bridge HTTP API.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-messenger-bridge/internal/auth"
	"github.com/tbourn/go-messenger-bridge/internal/config"
	"github.com/tbourn/go-messenger-bridge/internal/events"
	httpapi "github.com/tbourn/go-messenger-bridge/internal/http"
	"github.com/tbourn/go-messenger-bridge/internal/http/handlers"
	"github.com/tbourn/go-messenger-bridge/internal/matrix"
	"github.com/tbourn/go-messenger-bridge/internal/observability"
	"github.com/tbourn/go-messenger-bridge/internal/repo"
	"github.com/tbourn/go-messenger-bridge/internal/services"
	"github.com/tbourn/go-messenger-bridge/internal/sysutil"
	"github.com/tbourn/go-messenger-bridge/internal/vault"
)

const (
	shutdownGrace = 15 * time.Second
	purgeInterval = time.Hour
)

func main() {
	// .env is optional; real deployments use the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	version := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), "dev")
	sysutil.ConfigureLogging(sysutil.LogOptions{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: cfg.OTEL.ServiceName,
		Version: version,
	})
	if cfg.UsesDevSecrets() {
		log.Warn().Msg("using development secrets; set SECRET_KEY, ENCRYPTION_KEY and MESSENGER_SERVICE_TOKEN")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, version); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg config.Config, version string) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, cfg.Env)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	if err := observability.InstrumentDB(db); err != nil {
		return err
	}

	go purgeIdempotency(ctx, db)

	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	if n, err := v.MigrateIdentityMappings(ctx, db); err != nil {
		return err
	} else if n > 0 {
		log.Info().Int("rows", n).Msg("sealed plaintext credentials")
	}

	tokens, err := auth.NewTokenIssuer(cfg.Auth.SecretKey, cfg.Auth.AccessTokenTTL)
	if err != nil {
		return err
	}
	mx, err := matrix.NewClient(matrix.Config{
		HomeserverURL: cfg.Matrix.HomeserverURL,
		ServerName:    cfg.Matrix.ServerName,
		Timeout:       cfg.Matrix.Timeout,
		LongTimeout:   cfg.Matrix.LongTimeout,
	})
	if err != nil {
		return err
	}

	broker := events.NewBroker(cfg.Events.QueueSize)
	prov := &services.ProvisioningService{DB: db, Matrix: mx, Vault: v}
	rooms := &services.RoomTopologyManager{DB: db, Matrix: mx, Credentials: prov}
	resolver := &services.IdentityResolver{
		DB:          db,
		Hub:         auth.NewHubValidator(cfg.Auth.HubSecretKey, cfg.Auth.HubIssuer),
		Tokens:      tokens,
		Provisioner: prov,
	}
	router := &services.NotificationRouter{
		DB:              db,
		Matrix:          mx,
		Rooms:           rooms,
		Credentials:     prov,
		BotName:         cfg.Matrix.BotName,
		DefaultTenantID: cfg.DefaultTenantID,
	}
	directory := &services.DirectoryService{
		DB:          db,
		Matrix:      mx,
		Credentials: prov,
		Vault:       v,
		Rooms:       rooms,
		Streams:     broker,
		BotName:     cfg.Matrix.BotName,
		ClientPort:  cfg.Matrix.ClientPort,
	}
	messages := &services.MessageService{DB: db, Matrix: mx, Credentials: prov, Broker: broker}

	// Until the bot exists, notifications are logged as failed with
	// ErrBotUnavailable.
	if _, err := prov.ProvisionBot(ctx, cfg.Matrix.BotName, "Notification Bot"); err != nil {
		log.Warn().Err(err).Str("bot", cfg.Matrix.BotName).Msg("notification bot not provisioned at startup")
	}

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, httpapi.Deps{
		Deps: handlers.Deps{
			Login:         resolver,
			Messages:      messages,
			Directory:     directory,
			Access:        prov,
			Notifications: router,
			Events:        broker,
		},
		Resolver: resolver,
		DB:       db,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Str("homeserver", cfg.Matrix.HomeserverURL).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(sctx)
}

// purgeIdempotency drops expired Idempotency-Key records until ctx ends.
func purgeIdempotency(ctx context.Context, db *gorm.DB) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, now.UTC())
			if err != nil {
				log.Warn().Err(err).Msg("idempotency purge failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("rows", n).Msg("expired idempotency keys purged")
			}
		}
	}
}
