package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"sma_chat/internal/config"
	"sma_chat/internal/history"
	"sma_chat/internal/protocol/handshake"
	"sma_chat/internal/service/app"
	"sma_chat/internal/utils/log"
)

var (
	configFile string
	cfg        *config.ClientConfig
)

var clientFlags = map[string]string{
	"server":            "server",
	"ca_cert":           "ca-cert",
	"insecure":          "insecure",
	"data_dir":          "data-dir",
	"password":          "password",
	"handshake_timeout": "handshake-timeout",
	"log.level":         "log-level",
	"log.file":          "log-file",
}

func main() {
	root := &cobra.Command{
		Use:          "sma-client",
		Short:        "End-to-end encrypted chat client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := config.New("sma-client", configFile)
			if err := config.BindFlags(v, cmd.Flags(), clientFlags); err != nil {
				return err
			}
			var err error
			if cfg, err = config.LoadClient(v); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return err
			}
			// the chat UI owns the terminal
			if cfg.Log.File == "" {
				cfg.Log.File = filepath.Join(cfg.DataDir, "client.log")
			}
			return log.InitFile(cfg.Log.Level, cfg.Log.File)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Sync()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default ./sma-client.yaml or ~/.sma/sma-client.yaml)")
	pf.String("server", "", "relay URL (default wss://localhost:9000/ws)")
	pf.String("ca-cert", "", "PEM file with the relay's certificate authority")
	pf.Bool("insecure", false, "skip relay certificate verification")
	pf.String("data-dir", "", "local account and history directory (default ~/.sma)")
	pf.StringP("password", "p", "", "account password (or SMA_PASSWORD, prompted when empty)")
	pf.Duration("handshake-timeout", 0, "how long a send waits for the peer's key (default 30s)")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("log-file", "", "log file (default <data-dir>/client.log)")

	root.AddCommand(registerCmd(), chatCmd(), deleteCmd(), historyCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func password() (string, error) {
	if cfg.Password != "" {
		return cfg.Password, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("password required (--password or SMA_PASSWORD)")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	cfg.Password = string(b)
	return cfg.Password, nil
}

func newVault() *history.Vault {
	return history.NewVault(cfg.DataDir)
}

// connect dials the relay and starts the listener. The listener stops when
// ctx is done or the connection drops.
func connect(ctx context.Context) (*app.Client, error) {
	tlsConfig, err := app.TLSConfig(cfg.CACert, cfg.Insecure)
	if err != nil {
		return nil, err
	}
	conn, err := app.Dial(ctx, cfg.Server, tlsConfig)
	if err != nil {
		return nil, err
	}
	c := app.NewClient(conn, newVault(), handshake.Options{
		Timeout:   cfg.HandshakeTimeout,
		QueueSize: cfg.QueueSize,
	})
	go func() {
		if err := c.Listen(ctx); err != nil && ctx.Err() == nil {
			log.Warn("relay connection closed", zap.Error(err))
		}
	}()
	return c, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}
