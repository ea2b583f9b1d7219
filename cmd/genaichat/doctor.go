package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"genaichat/internal/config"
	"genaichat/internal/provider"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your genaichat setup",
		Long: `Verifies that the configuration, the generation endpoint, the ledger
database and the web port are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("genaichat doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			cfg, err := loadConfig()
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			switch cfg.Endpoint.Mode {
			case config.ModeAPI:
				if cfg.Endpoint.APIKey == "" || config.Unresolved(cfg.Endpoint.APIKey) {
					printFail("API key", "GEMINI_API_KEY is not set")
					failed++
				} else {
					printPass("API key", "configured")
					passed++
				}
			case config.ModeBrowser:
				if info, err := os.Stat(cfg.Endpoint.ProfileDir); err != nil || !info.IsDir() {
					printWarn("Chrome profile", fmt.Sprintf("%s missing, run 'genaichat login'", cfg.Endpoint.ProfileDir))
					warned++
				} else {
					printPass("Chrome profile", cfg.Endpoint.ProfileDir)
					passed++
				}
			}

			if p, err := provider.NewFromConfig(cfg.Endpoint, logger); err == nil {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				err := p.Healthy(ctx)
				cancel()
				if err != nil {
					printFail("Endpoint", err.Error())
					failed++
				} else {
					printPass("Endpoint", fmt.Sprintf("%s (%s)", p.Name(), cfg.Endpoint.Model))
					passed++
				}
			}

			if cfg.Ledger.Enabled {
				if err := checkDatabase(cfg.Ledger.DBPath); err != nil {
					printFail("Ledger", err.Error())
					failed++
				} else {
					printPass("Ledger", cfg.Ledger.DBPath)
					passed++
				}
			}

			addr := fmt.Sprintf("%s:%d", cfg.Channels.Web.Host, cfg.Channels.Web.Port)
			if err := checkPort(addr); err != nil {
				printWarn("Web port", fmt.Sprintf("%s may be in use: %v", addr, err))
				warned++
			} else {
				printPass("Web port", addr+" available")
				passed++
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
