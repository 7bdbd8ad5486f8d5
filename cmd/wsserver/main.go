// Command wsserver runs the agora live server: the websocket gateway, the
// HTTP API and the notification trigger consumer.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agoranews/agora-live/internal/auth"
	"github.com/agoranews/agora-live/internal/chat"
	"github.com/agoranews/agora-live/internal/config"
	"github.com/agoranews/agora-live/internal/gateway"
	"github.com/agoranews/agora-live/internal/httpapi"
	"github.com/agoranews/agora-live/internal/logging"
	"github.com/agoranews/agora-live/internal/messaging"
	"github.com/agoranews/agora-live/internal/moderation"
	"github.com/agoranews/agora-live/internal/notify"
	"github.com/agoranews/agora-live/internal/presence"
	"github.com/agoranews/agora-live/internal/ratelimit"
	"github.com/agoranews/agora-live/internal/session"
	"github.com/agoranews/agora-live/internal/storage/postgres"
	"github.com/agoranews/agora-live/internal/topic"
	"github.com/agoranews/agora-live/internal/ws"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "wsserver",
		Short: "agora live websocket and notification server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("server-name", defaults.GetString("server.name"), "Instance name recorded in sessions (defaults to hostname)")
	cmd.PersistentFlags().String("database-url", defaults.GetString("database.url"), "Postgres connection URL")
	cmd.PersistentFlags().String("redis-addr", defaults.GetString("redis.addr"), "Redis address")
	cmd.PersistentFlags().String("nats-url", defaults.GetString("nats.url"), "NATS URL (empty disables the broadcast subscription)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("worker-pool", defaults.GetInt("ws.worker_pool"), "Max concurrent websocket read workers")
	cmd.PersistentFlags().Int("max-connections", defaults.GetInt("ws.max_connections"), "Max concurrent websocket connections")
	cmd.PersistentFlags().String("signing-secret", "", "Identity token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "server.name", "server-name")
	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "redis.addr", "redis-addr")
	bindFlag(cmd, "nats.url", "nats-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "ws.worker_pool", "worker-pool")
	bindFlag(cmd, "ws.max_connections", "max-connections")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	serverName := appConfig.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "ws-1"
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := postgres.Open(signalCtx, appConfig.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(db); err != nil {
		return err
	}
	store := postgres.NewStore(db)

	// --- Redis ---
	redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddr})
	defer redisClient.Close()
	pingCtx, cancel := context.WithTimeout(signalCtx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis ping %s: %w", appConfig.RedisAddr, err)
	}
	sessions := session.NewStore(redisClient, serverName)
	limiter := ratelimit.NewLimiter(redisClient, logger)

	// --- Auth ---
	verifier, err := auth.NewTokenVerifier(auth.VerifierConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
	})
	if err != nil {
		return err
	}
	gate := auth.NewGate(verifier, appConfig.CookieName)

	// --- Live gateway ---
	gw := gateway.New(presence.NewRegistry(), presence.NewRooms(), logger, gateway.Config{
		EventTimeout: appConfig.EventTimeout,
	})
	chatService := chat.NewService(store, store, gw, logger, chat.Config{
		MaxLength: appConfig.MaxMessageLen,
		Policy:    moderation.DefaultPolicy(),
	})
	gw.SetChat(chatService)
	gw.SetLimiter(limiter)
	gw.SetSessions(sessions)

	dispatcher := ws.NewMessageDispatcher(nil, logger)
	gw.Register(dispatcher)

	wsConfig := ws.DefaultServerConfig()
	wsConfig.WorkerPoolSize = appConfig.WorkerPoolSize
	wsConfig.MaxConnections = appConfig.MaxConnections
	wsConfig.ReadTimeout = appConfig.ReadTimeout
	wsConfig.WriteTimeout = appConfig.WriteTimeout

	server := ws.NewServer(wsConfig, logger, gate, sessions, dispatcher.Dispatch)
	dispatcher.SetSender(server)
	gw.SetSender(server)
	server.SetOnConnect(gw.OnConnect)
	server.SetOnDisconnect(gw.OnDisconnect)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Shutdown() //nolint:errcheck

	// --- Notifications ---
	fanout := notify.NewFanout(store, gw, logger)
	trigger := notify.NewTrigger(fanout, appConfig.TriggerQueue, 0, logger)

	if appConfig.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = appConfig.NATSURL
		natsConfig.Name = "agora-live-" + serverName
		natsClient, err := messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		if err := natsClient.SubscribeNotifications(func(job notify.Job) {
			if err := trigger.Enqueue(job); err != nil {
				logger.Warn("broadcast job rejected", zap.String("type", job.Type), zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	// --- HTTP ---
	handler, err := httpapi.NewHTTPHandler(httpapi.Dependencies{
		WebSocket:      server.HandleUpgrade,
		Authenticator:  gate,
		Trigger:        trigger,
		Topics:         topic.NewService(store, appConfig.ViewCooldown, logger),
		History:        chatService,
		InternalSecret: appConfig.InternalSecret,
		AllowOrigins:   appConfig.AllowOrigins,
		HealthChecks: map[string]func(context.Context) error{
			"postgres": store.Ping,
			"redis":    sessions.Ping,
		},
		Connections: server.Connections().Count,
		Uptime:      server.Uptime,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		trigger.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("server_name", serverName))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
