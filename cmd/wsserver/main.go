package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/scholaris/realtime/internal/chat"
	"github.com/scholaris/realtime/internal/config"
	"github.com/scholaris/realtime/internal/delivery"
	"github.com/scholaris/realtime/internal/eventbus"
	"github.com/scholaris/realtime/internal/hub"
	"github.com/scholaris/realtime/internal/logging"
	"github.com/scholaris/realtime/internal/messaging"
	"github.com/scholaris/realtime/internal/metrics"
	"github.com/scholaris/realtime/internal/moderation"
	"github.com/scholaris/realtime/internal/mute"
	"github.com/scholaris/realtime/internal/presence"
	"github.com/scholaris/realtime/internal/ratelimit"
	"github.com/scholaris/realtime/internal/relay"
	"github.com/scholaris/realtime/internal/session"
	"github.com/scholaris/realtime/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	conf, err := config.Load(".")
	if err != nil {
		logging.New("main", true).Fatal("failed to load config", err)
	}
	loggers := newLoggerFactory(conf)
	logger := loggers("main")

	if err := run(conf, loggers); err != nil {
		logger.Fatal("server stopped", err)
	}
	logger.Info("shutdown complete")
}

// newLoggerFactory returns component loggers that report to Rollbar when a
// token is configured.
func newLoggerFactory(conf *config.Config) func(component string) logging.Logger {
	return func(component string) logging.Logger {
		std := logging.New(component, conf.Debug)
		if conf.RollbarToken == "" {
			return std
		}
		rl := logging.NewRollbarLogger(std, logging.RollbarOptions{
			Token:       conf.RollbarToken,
			Environment: conf.Env,
			ServerHost:  conf.NodeName,
		})
		rl.Enable(true)
		return rl
	}
}

func run(conf *config.Config, loggers func(string) logging.Logger) error {
	logger := loggers("main")
	ctx := context.Background()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: conf.RedisAddr})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return errors.Wrapf(err, "connect redis %s", conf.RedisAddr)
	}

	// --- Message store ---
	var store chat.Store
	switch conf.Chat.Store {
	case "memory":
		logger.Warn("using in-memory message store; messages are lost on restart")
		store = chat.NewMemoryStore()
	default:
		db, err := openDatabase(ctx, conf.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		store = chat.NewCachedStore(chat.NewPostgresStore(db), rdb, conf.Chat.CacheTTL, loggers("chat"))
	}

	// --- Core ---
	bus := eventbus.New(loggers("eventbus"))
	typing := presence.NewTypingTimers(bus, conf.Typing.Timeout, loggers("typing"))
	registry := presence.NewRegistry(bus, typing, loggers("presence"))

	var filter *moderation.Filter
	if conf.Moderation.Filter {
		filter = moderation.NewFilter(moderation.WithAllowedHosts(conf.Moderation.AllowedHosts...))
	}
	chatSvc := chat.NewService(store, bus, filter, loggers("chat"))

	// --- Transport ---
	sessions := session.NewStore(rdb, conf.NodeName)
	limiter := ratelimit.NewLimiter(rdb, loggers("ratelimit"))

	serverConfig := ws.ServerConfig{
		ListenAddr:     conf.Server.ListenAddr,
		NodeName:       conf.NodeName,
		WorkerPoolSize: conf.Server.WorkerPoolSize,
		MaxConnections: conf.Server.MaxConnections,
		ReadTimeout:    conf.Server.ReadTimeout,
		WriteTimeout:   conf.Server.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: conf.Heartbeat.Interval,
			Timeout:  conf.Heartbeat.Timeout,
		},
	}
	dispatcher := ws.NewMessageDispatcher(nil, loggers("dispatcher"))
	server := ws.NewServer(serverConfig, ws.HeaderAuthenticator{}, sessions, dispatcher.Dispatch, loggers("ws"))
	dispatcher.SetSender(server)
	server.SetConnectLimiter(limiter)

	// --- Delivery ---
	deliveryHandler := delivery.New(bus, store, server, loggers("delivery"))
	if err := deliveryHandler.Start(ctx); err != nil {
		return errors.Wrap(err, "start delivery handler")
	}

	// --- Cluster relay ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = conf.NATSURL
	natsConfig.Name = "realtime-" + conf.NodeName
	natsClient, err := messaging.NewNATSClient(natsConfig, loggers("nats"))
	if err != nil {
		logger.Warn("nats unavailable, running without cluster relay", err)
	} else {
		defer natsClient.Close()
		rel := relay.New(bus, natsClient, conf.NodeName, loggers("relay"))
		rel.SetPresence(registry)
		if err := rel.Start(ctx); err != nil {
			return errors.Wrap(err, "start relay")
		}
	}

	// --- Client actions ---
	opts := hub.Options{Limiter: limiter, Sessions: sessions}
	if conf.Moderation.Mute {
		opts.Mutes = mute.NewStore(rdb)
	}
	h := hub.New(chatSvc, registry, bus, server.Connections(), dispatcher, opts, loggers("hub"))
	h.Register()
	server.SetOnConnect(h.OnConnect)
	server.SetOnDisconnect(h.OnDisconnect)

	e := server.HTTP()
	h.RegisterRoutes(e.Group("/v1"))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	logger.Info("realtime server starting", logging.Fields{
		"env":             conf.Env,
		"node":            conf.NodeName,
		"listen_addr":     conf.Server.ListenAddr,
		"worker_pool":     conf.Server.WorkerPoolSize,
		"max_connections": conf.Server.MaxConnections,
		"typing_timeout":  conf.Typing.Timeout.String(),
		"chat_store":      conf.Chat.Store,
		"redis_addr":      conf.RedisAddr,
		"nats_url":        conf.NATSURL,
	})

	// Graceful shutdown: close client connections first so presence and
	// typing events are published, then drain the bus.
	stopped := make(chan error, 1)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", logging.Fields{"signal": sig.String()})

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var shutdownErr error
		if err := server.Shutdown(ctx); err != nil {
			shutdownErr = errors.Wrap(err, "shutdown server")
		}
		if err := bus.Wait(ctx); err != nil {
			logger.Warn("event handlers still running at shutdown", err)
		}
		_ = deliveryHandler.Stop(ctx)
		stopped <- shutdownErr
	}()

	if err := server.Start(); err != nil {
		return errors.Wrap(err, "serve")
	}
	return <-stopped
}

func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := chat.OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open message store")
	}
	if err := chat.Migrate(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate message store")
	}
	return db, nil
}
