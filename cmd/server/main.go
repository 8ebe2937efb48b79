package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/api"
	"github.com/npezzotti/go-chatrelay/internal/auth"
	"github.com/npezzotti/go-chatrelay/internal/cache"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/redis/go-redis/v9"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	params         config.Params
	allowedOrigins stringSliceFlag
	configFile     string
)

func main() {
	flag.StringVar(&params.ServerAddr, "addr", "localhost:8000", "server address")
	flag.StringVar(&params.DatabaseDSN, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&params.SigningKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&params.RedisAddr, "redis-addr", "", "redis address for the room cache, disabled when empty")
	flag.DurationVar(&params.RoomCacheTTL, "room-cache-ttl", cache.DefaultRoomTTL, "how long a known room is cached")
	flag.Int64Var(&params.MaxMessageSize, "max-message-size", 0, "maximum inbound frame size in bytes, 0 for no limit")
	flag.BoolVar(&params.Migrate, "migrate", false, "apply database migrations on startup")
	flag.StringVar(&configFile, "config", "", "optional YAML config file")
	flag.Parse()

	logger := log.New(os.Stderr, "[go-chat] ", log.LstdFlags)

	params.AllowedOrigins = allowedOrigins
	if configFile != "" {
		fileParams, err := config.ReadFile(configFile)
		if err != nil {
			logger.Fatal("config:", err)
		}

		explicit := make(map[string]bool)
		flag.Visit(func(f *flag.Flag) {
			explicit[f.Name] = true
		})
		params.Fill(fileParams, explicit)
	}

	cfg, err := config.NewConfig(params)
	if err != nil {
		logger.Fatal("config:", err)
	}

	if cfg.Migrate {
		if err := database.Migrate(cfg.DatabaseDSN, logger); err != nil {
			logger.Fatal("migrate:", err)
		}
	}

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	var rooms server.RoomDirectory = dbConn
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Printf("redis ping: %v, room lookups fall back to the database", err)
		}
		cancel()

		rooms = cache.NewRoomCache(rdb, dbConn, cfg.RoomCacheTTL, logger)
		logger.Printf("room cache enabled at %s (ttl %s)", cfg.RedisAddr, cfg.RoomCacheTTL)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	gw := server.NewGateway(logger, server.GatewayConfig{
		Validator:      auth.NewJWTValidator(cfg.SigningKey),
		Rooms:          rooms,
		Store:          dbConn,
		Users:          dbConn,
		Stats:          statsUpdater,
		MaxMessageSize: cfg.MaxMessageSize,
	})

	srv := api.NewGoChatApp(mux, logger, gw, dbConn, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	if err := gw.Shutdown(shutDownCtx); err != nil {
		logger.Println("gateway shutdown:", err)
	}

	logger.Println("shutdown complete")
}
