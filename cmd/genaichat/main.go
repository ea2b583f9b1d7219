package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"genaichat/internal/channel"
	"genaichat/internal/config"
	"genaichat/internal/conversation"
	"genaichat/internal/extract"
	"genaichat/internal/ledger"
	"genaichat/internal/provider"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "genaichat",
		Short: "genaichat: chat with Gemini, optionally about a PDF",
		Long:  "genaichat serves a browser chat page (plus terminal and Telegram surfaces) that forwards messages, optionally augmented with text extracted from an uploaded PDF, to Gemini.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnv(resolveConfigPath()); err != nil {
				logger.Warn("cannot load .env", "err", err)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file, .json or .yaml (default: ~/.genaichat/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(extractCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file, falling back to defaults when it does not
// exist yet.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(config.ExpandPath(cfgPath)); !errors.Is(statErr, fs.ErrNotExist) {
		return nil, err
	}

	logger.Warn("config not found, using defaults", "path", cfgPath)
	cfg = config.Defaults()
	cfg.Endpoint.APIKey = config.ExpandEnvVars(cfg.Endpoint.APIKey)
	cfg.Endpoint.ProfileDir = config.ExpandPath(cfg.Endpoint.ProfileDir)
	cfg.Ledger.DBPath = config.ExpandPath(cfg.Ledger.DBPath)
	return cfg, nil
}

// setupLogger replaces the bootstrap logger with one configured from cfg.
// The returned func closes the log file, if any.
func setupLogger(cfg *config.Config) (func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.General.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return closeFn, nil
}

// newRecorder opens the ledger when enabled. A nil store means no ledger.
func newRecorder(cfg *config.Config) (*ledger.Store, conversation.Recorder, error) {
	if !cfg.Ledger.Enabled {
		return nil, nil, nil
	}
	store, err := ledger.Open(cfg.Ledger.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: %w", err)
	}
	return store, store, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Println("Set GEMINI_API_KEY in your environment or in a .env file next to the config.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start interactive chat in the terminal",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prov, err := provider.NewFromConfig(cfg.Endpoint, logger)
	if err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}

	store, recorder, err := newRecorder(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	sessions := conversation.NewRegistry(conversation.RegistryConfig{
		Provider:       prov,
		Extractor:      extract.NewPDF(logger),
		Recorder:       recorder,
		ExtractTimeout: time.Duration(cfg.Documents.ExtractTimeoutSeconds) * time.Second,
		Logger:         logger,
	})
	defer sessions.Close()

	cli := channel.NewCLI(channel.CLIConfig{Sessions: sessions, Logger: logger, Spinner: true})
	return cli.Start(ctx)
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open a browser to sign in to Gemini (browser endpoint mode)",
		Long:  "Opens a visible Chrome window with the configured profile. Cookies are kept for later headless use.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ec := cfg.Endpoint
			ec.Mode = config.ModeBrowser
			p, err := provider.NewFromConfig(ec, logger)
			if err != nil {
				return err
			}

			type loginable interface {
				Login(context.Context) error
			}
			if l, ok := p.(loginable); ok {
				return l.Login(ctx)
			}
			return fmt.Errorf("provider %s does not support browser login", p.Name())
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show endpoint health and ledger totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Info("config", "path", resolveConfigPath(), "mode", cfg.Endpoint.Mode, "model", cfg.Endpoint.Model)

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			prov, err := provider.NewFromConfig(cfg.Endpoint, logger)
			if err != nil {
				logger.Info("provider", "healthy", false, "err", err)
			} else if err := prov.Healthy(ctx); err != nil {
				logger.Info("provider", "name", prov.Name(), "healthy", false, "err", err)
			} else {
				logger.Info("provider", "name", prov.Name(), "healthy", true)
			}

			if !cfg.Ledger.Enabled {
				return nil
			}
			store, err := ledger.Open(cfg.Ledger.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			logger.Info("ledger", "exchanges", stats.Total, "avg_latency_ms", int64(stats.AvgLatencyMs), "outcomes", stats.ByOutcome)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. endpoint.model)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. endpoint.model gemini-2.0-flash)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			value := args[1]
			if strings.Contains(strings.ToLower(args[0]), "key") || strings.Contains(strings.ToLower(args[0]), "token") {
				value = "***"
			}
			logger.Info("config updated", "path", args[0], "value", value, "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.ListPaths(config.Sanitize(cfg)), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
