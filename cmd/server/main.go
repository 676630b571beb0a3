package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/callfold/internal/auction"
	"github.com/kiliankoe/callfold/internal/config"
	"github.com/kiliankoe/callfold/internal/events"
	"github.com/kiliankoe/callfold/internal/httpapi"
	"github.com/kiliankoe/callfold/internal/identity"
	"github.com/kiliankoe/callfold/internal/media"
	"github.com/kiliankoe/callfold/internal/media/cloudinary"
	"github.com/kiliankoe/callfold/internal/store"
	"github.com/kiliankoe/callfold/internal/store/redisstore"
	"github.com/kiliankoe/callfold/internal/ws"
)

const version = "v1.0.0-dev"

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
		portFlag    = flag.String("port", "", "Port to listen on (overrides PORT env var)")
	)
	flag.BoolVar(showHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Parse()

	if *showHelp {
		fmt.Printf(`callfold - live CALL/FOLD auction server

Usage: %s [options]

Options:
  -h, --help      Show this help message
  -v, --version   Show version information
  --port PORT     Port to listen on (default: 8080 or PORT env var)

Environment Variables:
  PORT                      Port to listen on (default: 8080)
  CORS_ORIGINS              Allowed origins, comma separated (default: *)
  STORE_BACKEND             "memory" or "redis" (default: memory)
  REDIS_ADDR                Redis address (default: localhost:6379)
  REDIS_PASSWORD, REDIS_DB  Redis credentials and database
  REDIS_KEY                 Key holding the auction document
  NATS_URL                  Publish auction events to NATS (optional)
  ADMIN_ACCOUNTS            Organizer logins as email=password, comma separated
  ADMIN_IDS                 Organizer allow-list (emails or ids)
  SESSION_TTL               Session lifetime (default: 12h)
  CLOUDINARY_CLOUD_NAME     Cloudinary cloud for item images
  CLOUDINARY_UPLOAD_PRESET  Unsigned upload preset
  CALL_MODE                 "free" or "windowed" (default: free)
  RAISE_POLICY              "rearm", "fold-non-callers" or "keep" (default: rearm)
  TIE_BREAK                 "timestamp" or "order" (default: timestamp)
  TIMER_SECONDS             Default response window (default: 30)
  SERVER_SWEEP              Auto-fold on the server as well (default: false)
  POLICY_FILE               YAML file overriding the policy settings

Examples:
  %s                  Start server with default settings
  %s --port 3000      Start server on port 3000
`, os.Args[0], os.Args[0], os.Args[0])
		return
	}

	if *showVersion {
		fmt.Printf("callfold %s\n", version)
		return
	}

	// zerolog setup (human-friendly console)
	zerolog.TimeFieldFormat = time.RFC3339
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log.Logger = log.Output(cw)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if *portFlag != "" {
		cfg.Port = *portFlag
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer closeStore()

	pub, nc := openEvents(cfg)
	if nc != nil {
		defer func() {
			if err := nc.Drain(); err != nil {
				log.Warn().Err(err).Msg("failed to drain NATS connection")
			}
		}()
	}

	var uploader media.Uploader = media.Disabled{}
	if cfg.UploadsEnabled() {
		cl, err := cloudinary.New(media.Config{
			CloudName:    cfg.Cloudinary.CloudName,
			UploadPreset: cfg.Cloudinary.UploadPreset,
			BaseURL:      cfg.Cloudinary.BaseURL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("invalid cloudinary configuration")
		}
		uploader = cl
	} else {
		log.Warn().Msg("cloudinary not configured, auctions cannot be started")
	}

	clock := clockwork.NewRealClock()
	ctrl := auction.NewController(st, uploader, pub, clock, cfg.Policy)
	registry := auction.NewRegistry(st, clock, pub)
	admins := identity.NewAccountProvider(cfg.AdminAccounts)
	authz := identity.NewAllowList(cfg.AdminIDs)
	if authz.Len() == 0 {
		log.Warn().Msg("ADMIN_IDS is empty, nobody can sign in as organizer")
	}

	// Gin setup with custom logger (skip /socket.io noise)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/socket.io") || path == "/health" {
			return
		}
		log.Info().Str("method", c.Request.Method).Str("path", path).Int("status", c.Writer.Status()).Dur("dur", time.Since(start)).Msg("http")
	})
	corsCfg := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 0 || cfg.CORSOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORSOrigins
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	r.Use(cors.New(corsCfg))

	// Healthcheck
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC(), "store": cfg.StoreBackend})
	})

	sock := ws.New(ws.Deps{
		Controller: ctrl,
		Registry:   registry,
		Store:      st,
		Clock:      clock,
		Sessions:   identity.NewSessions(clock, cfg.SessionTTL),
		Guests:     identity.GuestProvider{},
		Admins:     admins,
		Authz:      authz,
	})
	io, err := sock.Mount(ctx, r)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to mount socket server")
	}
	defer io.Close()
	defer sock.Close()

	feed := ws.NewFeed(ws.DefaultFeedConfig())
	if err := feed.Start(ctx, st); err != nil {
		log.Fatal().Err(err).Msg("failed to start auction feed")
	}
	defer feed.Close()
	feed.Mount(r, "/ws/auction")

	api := &httpapi.API{Controller: ctrl, Admins: admins, Authz: authz}
	api.Register(r)

	if cfg.Policy.ServerSweep {
		sweeper := auction.NewSweeper(st, clock)
		go func() {
			if err := sweeper.Run(ctx); err != nil {
				log.Error().Err(err).Msg("auto-fold sweeper stopped")
			}
		}()
	}

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("port", cfg.Port).Str("store", cfg.StoreBackend).Str("callMode", string(cfg.Policy.CallMode)).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		rs, err := redisstore.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redisstore.WithKey(cfg.Redis.Key))
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("addr", cfg.Redis.Addr).Str("key", cfg.Redis.Key).Msg("using redis store")
		return rs, func() { _ = rs.Close() }, nil
	default:
		m := store.NewMemory()
		log.Info().Msg("using in-memory store")
		return m, func() { _ = m.Close() }, nil
	}
}

func openEvents(cfg config.Config) (events.Publisher, *nats.Conn) {
	if cfg.NATSURL == "" {
		return events.Noop{}, nil
	}
	pub, nc, err := events.Connect(cfg.NATSURL)
	if err != nil {
		log.Warn().Err(err).Msg("NATS unavailable, auction events disabled")
		return events.Noop{}, nil
	}
	log.Info().Str("url", cfg.NATSURL).Msg("publishing auction events to NATS")
	return pub, nc
}
