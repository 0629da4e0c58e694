package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hays/internal/api"
	"github.com/hays/internal/config"
	"github.com/hays/internal/logger"
	"github.com/hays/internal/session"
	"github.com/hays/internal/startup"
	"github.com/hays/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Terminal client for direct messages",
	Long: `chat keeps the conversation list, the open conversation and unread
counters in sync with the backend over REST and the event channel.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE:          runChat,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the stored session",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

func execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", api.Detail(err))
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.Flags().String("login", "", "username or email to log in with (password from HAYS_PASSWORD or prompt)")
	rootCmd.Flags().String("open", "", "user id or conversation id to open on start")
	rootCmd.Flags().Bool("demo", false, "run against an in-process fake backend")
	rootCmd.PersistentFlags().String("metrics-addr", "", "serve Prometheus metrics on this address (overrides METRICS_ADDR)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (default is config/client.yaml)")

	rootCmd.AddCommand(whoamiCmd, logoutCmd)
}

// loadConfig читает конфиг с учётом глобальных флагов.
func loadConfig(cmd *cobra.Command) *config.Config {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		os.Setenv("CONFIG_PATH", path)
	}
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		cfg.MetricsAddr = addr
	}
	return cfg
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg := loadConfig(cmd)
	login, _ := cmd.Flags().GetString("login")
	open, _ := cmd.Flags().GetString("open")
	demo, _ := cmd.Flags().GetBool("demo")
	ctx := cmd.Context()

	var fake *demoBackend
	if demo {
		fake = startDemo(cfg)
		defer fake.srv.Close()
	}

	store, err := startup.OpenSessionStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("session store close: %v", err)
		}
	}()
	if fake != nil {
		if err := store.SetToken(ctx, fake.token); err != nil {
			logger.Errorf("demo token: %v", err)
		}
	}
	return run(ctx, cfg, store, os.Stdin, os.Stdout, login, open, fake)
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	cfg := loadConfig(cmd)
	ctx := cmd.Context()
	store, err := startup.OpenSessionStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer store.Close()

	client := api.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout)
	sess := newSession(cfg, store, client, nil)
	if !sess.LoggedIn(ctx) {
		fmt.Println("not logged in")
		return nil
	}
	me, err := sess.CurrentUser(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s)\n", me.Username, me.ID)
	if exp, ok := sess.ExpiresAt(ctx); ok {
		fmt.Printf("token expires %s\n", humanize.Time(exp))
	}
	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cfg := loadConfig(cmd)
	ctx := cmd.Context()
	store, err := startup.OpenSessionStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer store.Close()
	newSession(cfg, store, api.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout), nil).Logout(ctx)
	fmt.Println("logged out")
	return nil
}

// newSession связывает менеджер сессии с клиентом API (401/403 сбрасывают токен).
func newSession(cfg *config.Config, store storage.SessionStore, client *api.Client, onInvalid func()) *session.Manager {
	sess := session.New(session.Options{
		Store:         store,
		Backend:       client,
		CacheTTL:      cfg.UserCacheTTL,
		Retries:       cfg.FetchRetries,
		RetryDelay:    cfg.FetchRetryDelay,
		OnInvalidated: onInvalid,
	})
	client.SetSession(sess)
	return sess
}
