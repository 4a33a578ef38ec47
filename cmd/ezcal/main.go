// Package main provides the ezcal CLI: it extracts calendar events from web
// pages and webmail, keeps them in a local store, and serves them over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ezcal/internal/config"
	"ezcal/internal/content"
	"ezcal/internal/datetime"
	"ezcal/internal/extract"
	appLog "ezcal/internal/log"
	"ezcal/internal/notify"
	"ezcal/internal/orchestrator"
	"ezcal/internal/store"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "ezcal",
	Short:         "Extract calendar events from web pages and webmail",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to config file (env: EZCAL_CONFIG, default: ezcal.yaml)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newExtractCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newDedupeCmd())
	rootCmd.AddCommand(newDeleteCmd())
	rootCmd.AddCommand(newClearCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newStateCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ezcal: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// app holds what every command shares: the effective config, the store
// and the notification hub.
type app struct {
	cfg   *config.Config
	loc   *time.Location
	store *store.Store
	hub   *notify.Hub
}

// openApp loads .env and the config, applies the log level and timezone,
// opens the store and seeds credentials from the environment.
func openApp(ctx context.Context) (*app, error) {
	if err := config.LoadEnv(); err != nil {
		return nil, err
	}

	path := config.Path(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	datetime.Location = loc

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	envKeys := map[string]string{
		config.EnvFirecrawlAPIKey: store.KeyFirecrawlAPIKey,
		config.EnvMistralAPIKey:   store.KeyMistralAPIKey,
	}
	for env, v := range config.EnvCredentials() {
		if err := st.SetCredential(ctx, envKeys[env], v); err != nil {
			st.Close()
			return nil, fmt.Errorf("seed %s: %w", env, err)
		}
		appLog.Debug("credential seeded from environment", "env", env)
	}

	appLog.Debug("effective config",
		"config_path", path,
		"listen", cfg.Listen,
		"timezone", loc.String(),
		"db_path", cfg.DBPath,
		"watch_count", len(cfg.Watch),
		"browser", cfg.Browser.RemoteURL != "",
	)

	return &app{cfg: cfg, loc: loc, store: st, hub: notify.NewHub()}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		appLog.Error("close store failed", err)
	}
}

// browser returns the configured tab integration, or nil when none is set.
func (a *app) browser() content.Browser {
	if a.cfg.Browser.RemoteURL == "" {
		return nil
	}
	return content.NewChrome(content.ChromeOptions{
		RemoteURL: a.cfg.Browser.RemoteURL,
		Timeout:   a.cfg.Browser.Timeout(),
	})
}

// newOrchestrator wires the services to the store. browser may be nil.
func (a *app) newOrchestrator(browser content.Browser) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Deps{
		Store:   a.store,
		Fetcher: content.NewFirecrawl(a.cfg.Firecrawl.BaseURL, a.cfg.Firecrawl.Timeout()),
		Extractor: extract.NewClient(extract.Config{
			Endpoint:  a.cfg.Mistral.BaseURL,
			Model:     a.cfg.Mistral.Model,
			Timeout:   a.cfg.Mistral.Timeout(),
			MaxTokens: a.cfg.Mistral.MaxTokens,
		}),
		Browser:      browser,
		Publisher:    a.hub,
		WebmailHosts: a.cfg.WebmailHosts,
	})
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
