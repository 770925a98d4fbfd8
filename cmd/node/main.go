package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/beacon-chat/beacon-chat/internal/config"
	"github.com/beacon-chat/beacon-chat/internal/crypto/payload"
	"github.com/beacon-chat/beacon-chat/internal/logging"
	"github.com/beacon-chat/beacon-chat/internal/presence"
	"github.com/beacon-chat/beacon-chat/internal/server"
	"github.com/beacon-chat/beacon-chat/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	logEncoding := flag.String("log-encoding", "json", "Log encoding (json|console)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, *logEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	secret, err := cfg.EncryptionKey()
	if err != nil {
		logger.Fatal("encryption key unavailable", zap.Error(err))
	}
	cipher, err := payload.New(cfg.Encryption.Scheme, secret)
	if err != nil {
		logger.Fatal("init payload cipher", zap.Error(err))
	}

	st, err := store.NewSQLite(cfg.Database.Path)
	if err != nil {
		logger.Fatal("open conversation store", zap.Error(err), zap.String("path", cfg.Database.Path))
	}
	defer st.Close()
	logger.Info("conversation store ready", zap.String("path", cfg.Database.Path))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := presence.NewRegistry()
	srv := server.NewNodeServer(cfg, logger, reg, st, cipher)

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}
