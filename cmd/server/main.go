package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"sma_chat/internal/config"
	"sma_chat/internal/repository/credential"
	"sma_chat/internal/service/auth"
	redisSvc "sma_chat/internal/service/redis"
	"sma_chat/internal/service/server"
	"sma_chat/internal/utils/log"
)

var configFile string

var serveFlags = map[string]string{
	"addr":            "addr",
	"host":            "host",
	"tls_cert":        "tls-cert",
	"tls_key":         "tls-key",
	"self_signed":     "self-signed",
	"store":           "store",
	"mongo.uri":       "mongo-uri",
	"mongo.database":  "mongo-database",
	"redis.addr":      "redis-addr",
	"redis.password":  "redis-password",
	"redis.db":        "redis-db",
	"send_buffer":     "send-buffer",
	"log.level":       "log-level",
	"log.development": "log-dev",
}

func main() {
	root := &cobra.Command{
		Use:          "sma-server",
		Short:        "Relay for end-to-end encrypted chat",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./sma-server.yaml or ~/.sma/sma-server.yaml)")
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept client connections and relay messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.New("sma-server", configFile)
			if err := config.BindFlags(v, cmd.Flags(), serveFlags); err != nil {
				return err
			}
			cfg, err := config.LoadServer(v)
			if err != nil {
				return err
			}
			if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.String("addr", "", "listen address (default localhost:9000)")
	f.String("host", "", "host name put in a generated certificate")
	f.String("tls-cert", "", "TLS certificate file")
	f.String("tls-key", "", "TLS private key file")
	f.Bool("self-signed", false, "write a self-signed certificate to --tls-cert/--tls-key if they do not exist")
	f.String("store", "", "credential store: memory, mongo or redis (default memory)")
	f.String("mongo-uri", "", "MongoDB connection URI")
	f.String("mongo-database", "", "MongoDB database name")
	f.String("redis-addr", "", "Redis address")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database number")
	f.Int("send-buffer", 0, "frames queued per connection before it is dropped")
	f.String("log-level", "", "debug, info, warn or error")
	f.Bool("log-dev", false, "human readable development logs")
	return cmd
}

func serve(ctx context.Context, cfg *config.ServerConfig) error {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	authn, err := auth.NewAuthenticator(store)
	if err != nil {
		return err
	}

	tlsConfig, err := loadTLS(cfg)
	if err != nil {
		return err
	}
	if tlsConfig == nil {
		log.Warn("serving without TLS, put a terminating proxy in front")
	}

	srv := server.NewHttpServer(authn, server.Options{
		Addr:         cfg.Addr,
		TLSConfig:    tlsConfig,
		SendBuffer:   cfg.SendBuffer,
		MaxFrameSize: cfg.MaxFrameSize,
	})
	return srv.Run(ctx)
}

func loadTLS(cfg *config.ServerConfig) (*tls.Config, error) {
	if cfg.TLSCert == "" {
		return nil, nil
	}
	if cfg.SelfSigned {
		_, err := os.Stat(cfg.TLSCert)
		if errors.Is(err, fs.ErrNotExist) {
			if err := server.GenerateSelfSigned(cfg.Host, cfg.TLSCert, cfg.TLSKey); err != nil {
				return nil, fmt.Errorf("generate certificate: %w", err)
			}
			log.Info("wrote self-signed certificate", zap.String("cert", cfg.TLSCert), zap.String("host", cfg.Host))
		} else if err != nil {
			return nil, err
		}
	}
	return server.TLSConfig(cfg.TLSCert, cfg.TLSKey)
}

func openStore(ctx context.Context, cfg *config.ServerConfig) (credential.Store, func(), error) {
	switch cfg.Store {
	case config.StoreMongo:
		client, err := initMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() { _ = client.Disconnect(context.Background()) }

		ctx, cancel := context.WithTimeout(ctx, cfg.Mongo.Timeout)
		defer cancel()
		store, err := credential.NewMongoStore(ctx, client.Database(cfg.Mongo.Database))
		if err != nil {
			disconnect()
			return nil, nil, err
		}
		log.Info("using mongo credential store", zap.String("database", cfg.Mongo.Database))
		return store, disconnect, nil

	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		svc := redisSvc.NewRedis(rdb)
		if err := svc.Ping(ctx); err != nil {
			_ = svc.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		log.Info("using redis credential store", zap.String("addr", cfg.Redis.Addr))
		return credential.NewRedisStore(svc), func() { _ = svc.Close() }, nil

	default:
		log.Warn("using in-memory credential store, accounts are lost on restart")
		return credential.NewMemoryStore(), func() {}, nil
	}
}

func initMongo(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
