package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"meli-leader-bot/auth"
	"meli-leader-bot/config"
	"meli-leader-bot/notify"
	"meli-leader-bot/scraper/mercadolibre"
	"meli-leader-bot/server"
	"meli-leader-bot/services"
	"meli-leader-bot/storage"
	"meli-leader-bot/utils"
)

var (
	// Global flags
	envFile  string
	logLevel string

	// check flags
	dryRun bool

	// token flags
	forceRefresh bool
)

var rootCmd = &cobra.Command{
	Use:   "meli-leader-bot",
	Short: "Watches a Mercado Libre product and reports when its price leader changes",
	Long: `meli-leader-bot polls the competitors of one Mercado Libre catalog product,
finds the cheapest listing and notifies Telegram, WhatsApp or email whenever
the leader changes.

Run without arguments to start the bot (same as "serve").`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the poll scheduler and the HTTP server",
	RunE:  runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a single detection cycle and exit",
	Long: `Runs one cycle against the configured product. With --dry-run the
competitors are fetched and ranked but nothing is stored or sent.`,
	RunE: runCheck,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Show the stored OAuth token status, refreshing it if requested",
	RunE:  runToken,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to the .env file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	checkCmd.Flags().BoolVar(&dryRun, "dry-run", false, "rank competitors without persisting or notifying")
	tokenCmd.Flags().BoolVar(&forceRefresh, "refresh", false, "refresh the access token now")

	rootCmd.AddCommand(serveCmd, checkCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bot holds every component built from the configuration.
type bot struct {
	cfg       *config.Config
	logger    *utils.Logger
	authMgr   *auth.Manager
	store     storage.LeaderStore
	history   storage.HistoryWriter
	resolver  *services.Resolver
	monitor   *services.Monitor
	closeFunc []func() error
}

func (b *bot) Close() {
	for i := len(b.closeFunc) - 1; i >= 0; i-- {
		if err := b.closeFunc[i](); err != nil {
			b.logger.Warn("Close: %v", err)
		}
	}
	_ = b.logger.Sync()
}

func loadConfig() (*config.Config, *utils.Logger) {
	cfg := config.Load(envFile)
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, utils.NewLogger(cfg.LogLevel)
}

func newBot(ctx context.Context) (*bot, error) {
	cfg, logger := loadConfig()
	b := &bot{cfg: cfg, logger: logger}

	if cfg.ProductID == "" {
		return nil, errors.New("PRODUCT_ID is not set")
	}

	logger.Info("=== Mercado Libre leader bot starting ===")
	logger.Info("Config: product %s | endpoint: %s | identity: %s | backend: %s | fetch: %s | every %v",
		cfg.ProductID, cfg.Endpoint, cfg.LeaderIdentity, cfg.StateBackend, cfg.FetchMode, cfg.PollInterval)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	b.store = store
	b.closeFunc = append(b.closeFunc, store.Close)

	if cfg.HistoryCSVPath != "" {
		h, err := storage.NewHistoryLog(cfg.HistoryCSVPath)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open history log: %w", err)
		}
		b.history = h
		b.closeFunc = append(b.closeFunc, h.Close)
	}

	var tokens mercadolibre.TokenSource
	if cfg.OAuthEnabled() {
		b.authMgr = auth.NewManager(cfg, logger)
		tokens = b.authMgr
	} else {
		logger.Warn("APP_ID/CLIENT_SECRET not set, calling the API without a token")
	}

	client := mercadolibre.New(cfg, tokens, logger)
	var source services.CompetitorSource = client
	if cfg.FetchMode == config.FetchModeBrowser {
		source = mercadolibre.NewBrowserFetcher(cfg, logger)
	}

	notifier := notify.NewNotifier(notify.SendersFromConfig(cfg, logger), client, logger)

	b.resolver = services.NewResolver(cfg.TopN, logger)
	b.monitor = services.NewMonitor(cfg, source,
		services.NewNormalizer(client, cfg.MaxConcurrency, cfg.RateLimitMs, logger),
		b.resolver, store, notifier, logger)
	if b.history != nil {
		b.monitor.WithHistory(b.history)
	}
	return b, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *utils.Logger) (storage.LeaderStore, error) {
	switch cfg.StateBackend {
	case config.BackendPostgres:
		s, err := storage.NewPostgresStore(ctx, cfg.DSN(), logger)
		if err != nil {
			logger.Error("Failed to connect to PostgreSQL: %v", err)
			return nil, err
		}
		return s, nil
	case config.BackendSQLite:
		return storage.NewSQLiteStore(ctx, cfg.SQLitePath, logger)
	default:
		return storage.NewJSONStore(cfg.StateFile, logger)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBot(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	scheduler := services.NewScheduler(b.monitor, b.cfg.PollInterval, b.cfg.CycleTimeout, b.logger)

	var authz server.Authorizer
	if b.authMgr != nil {
		authz = b.authMgr
	}
	srv := server.NewServer(b.cfg.Port, server.NewRouter(server.NewApp(b.monitor, scheduler, b.store, authz, b.logger)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		b.logger.Info("Servidor activo en puerto %s", b.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	b.logger.Info("=== Bot stopped ===")
	return err
}

func runCheck(cmd *cobra.Command, args []string) error {
	b, err := newBot(cmd.Context())
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), b.cfg.CycleTimeout)
	defer cancel()

	if dryRun {
		ranking, err := b.monitor.Preview(ctx)
		if err != nil {
			return err
		}
		b.resolver.Print(cmd.OutOrStdout(), ranking)
		return nil
	}

	result, err := b.monitor.RunCycle(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, logger := loadConfig()
	defer func() { _ = logger.Sync() }()

	if !cfg.OAuthEnabled() {
		return errors.New("APP_ID and CLIENT_SECRET must be set")
	}
	mgr := auth.NewManager(cfg, logger)
	out := cmd.OutOrStdout()

	if forceRefresh {
		if _, err := mgr.Refresh(cmd.Context()); err != nil {
			return err
		}
	}

	tok, ok := mgr.Token()
	if !ok {
		fmt.Fprintf(out, "No token stored. Authorize the app at:\n  %s\n", mgr.AuthURL(""))
		return nil
	}
	fmt.Fprintf(out, "User:       %d\n", tok.UserID)
	fmt.Fprintf(out, "Expires at: %s\n", tok.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Refreshable: %t\n", tok.RefreshToken != "")
	return nil
}
