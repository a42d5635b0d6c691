package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/matt0x6f/cascade-relay/internal/config"
	"github.com/matt0x6f/cascade-relay/internal/constants"
	"github.com/matt0x6f/cascade-relay/internal/logger"
	"github.com/matt0x6f/cascade-relay/internal/relay"
	"github.com/matt0x6f/cascade-relay/internal/security"
	"github.com/matt0x6f/cascade-relay/internal/server"
	"github.com/matt0x6f/cascade-relay/internal/storage"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "cascade-relay",
		Short:         "Multi-user IRC relay",
		Long:          `Keeps IRC networks connected for every configured user and fans their events out to attached devices.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		configPath string
		jsonLogs   bool
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonLogs {
				logger.SetOutput(os.Stderr)
			}
			return serve(configPath)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "relay.toml", "Path to the TOML configuration file")
	serveCmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "Log JSON lines instead of console text")

	hashCmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for a user's password_hash",
		Long:  `Hash a password given as argument, or read from stdin, for use as password_hash in the configuration.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := argOrStdin(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}

	keychainCmd := &cobra.Command{
		Use:   "keychain",
		Short: "Manage network passwords in the OS keychain",
	}
	keychainCmd.AddCommand(&cobra.Command{
		Use:   "set <user> <network>",
		Short: "Store a network password read from stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := argOrStdin(nil, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return security.NewKeychain().StorePassword(security.Account(args[0], args[1]), password)
		},
	}, &cobra.Command{
		Use:   "delete <user> <network>",
		Short: "Remove a stored network password",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return security.NewKeychain().DeletePassword(security.Account(args[0], args[1]))
		},
	})

	rootCmd.AddCommand(serveCmd, hashCmd, keychainCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func argOrStdin(args []string, in io.Reader) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return err
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		return err
	}

	if dir := filepath.Dir(cfg.Database); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := storage.NewStorage(cfg.Database, constants.HistoryBufferSize, constants.HistoryFlushInterval)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Log.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := relay.New(cfg, db)
	r.Start(ctx)
	logger.Log.Info().Int("users", len(cfg.Users)).Str("listen", cfg.Listen).Msg("Relay started")

	srv := server.New(r, server.Options{Metrics: cfg.Metrics, CORSOrigin: cfg.CORSOrigin})
	err = srv.Run(ctx, cfg.Listen)

	logger.Log.Info().Msg("Shutting down")
	r.Shutdown("Relay shutting down")
	return err
}
