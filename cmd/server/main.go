package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/pagechat/internal/handlers"
	"github.com/MegaGrindStone/pagechat/internal/relay"
	"github.com/MegaGrindStone/pagechat/internal/services"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Window the page hosts open their tabs in.
const mainWindowID = 1

func main() {
	// A missing .env is fine, the environment may already be set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:          "pagechat",
		Short:        "Chat assistant that can read the page you are looking at",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config.yaml (default <user config dir>/pagechat/config.yaml)")

	key := &cobra.Command{
		Use:   "key",
		Short: "Manage the stored OpenAI API key",
	}
	key.AddCommand(
		&cobra.Command{
			Use:   "set <api-key>",
			Short: "Store the API key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withOpenAI(cmd.Context(), cfgPath, func(o *services.OpenAI) error {
					return o.SetAPIKey(cmd.Context(), args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove the stored API key",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withOpenAI(cmd.Context(), cfgPath, func(o *services.OpenAI) error {
					return o.ClearAPIKey(cmd.Context())
				})
			},
		},
	)
	root.AddCommand(key)

	return root
}

type setup struct {
	cfg    config
	store  services.BoltDB
	openAI *services.OpenAI
	logger *slog.Logger
}

func newSetup(ctx context.Context, cfgPath string) (setup, error) {
	if cfgPath == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return setup{}, fmt.Errorf("error getting user config dir: %w", err)
		}
		cfgPath = filepath.Join(cfgDir, "pagechat", "config.yaml")
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return setup{}, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()}))

	store, err := services.NewBoltDB(cfg.storePath(filepath.Dir(cfgPath)))
	if err != nil {
		return setup{}, err
	}

	openAI := services.NewOpenAI(cfg.openAI(), store, logger)
	if _, err := openAI.Initialize(ctx); err != nil {
		_ = store.Close()
		return setup{}, err
	}

	return setup{cfg: cfg, store: store, openAI: openAI, logger: logger}, nil
}

func withOpenAI(ctx context.Context, cfgPath string, fn func(*services.OpenAI) error) error {
	s, err := newSetup(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer s.store.Close()
	return fn(s.openAI)
}

func serve(ctx context.Context, cfgPath string) error {
	s, err := newSetup(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer s.store.Close()

	logger := s.logger
	cfg := s.cfg

	if !s.openAI.Configured() {
		logger.Warn("No API key configured, set one with `pagechat key set` or through the panel")
	}

	hub := relay.NewHub(cfg.Relay.Timeout, logger)
	defer hub.Close()

	var pages handlers.PageHost
	if cfg.Browser.Enabled {
		chrome, err := services.NewChrome(services.ChromeConfig{
			ProfileDir: cfg.Browser.ProfileDir,
			Headless:   cfg.Browser.Headless,
			WindowID:   mainWindowID,
		}, hub, logger)
		if err != nil {
			return err
		}
		defer chrome.Close()
		pages = chrome
	} else {
		pages = services.NewFetcher(hub, mainWindowID, nil, logger)
	}

	m := handlers.NewMain(handlers.Config{
		LLM:              s.openAI,
		Credentials:      s.openAI,
		Content:          relay.New(hub, hub, logger),
		Pages:            pages,
		Tabs:             hub,
		MaxContentLength: cfg.Content.MaxLength,
	}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/messages", m.HandleMessages)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/credential", m.HandleCredential)
	mux.HandleFunc("/tabs", m.HandleTabs)
	mux.HandleFunc("/tabs/activate", m.HandleActivateTab)
	mux.HandleFunc("/sse/messages", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
	return nil
}
