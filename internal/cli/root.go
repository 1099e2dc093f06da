package cli

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/clipwatch/internal/admin"
	"github.com/jo-hoe/clipwatch/internal/api"
	"github.com/jo-hoe/clipwatch/internal/config"
	"github.com/jo-hoe/clipwatch/internal/jobs"
	"github.com/jo-hoe/clipwatch/internal/storage"
	"github.com/jo-hoe/clipwatch/internal/submit"
)

type rootOptions struct {
	configPath  string
	baseURL     string
	adminKey    string
	logLevel    string
	downloadDir string
}

// NewRootCmd creates the clipwatch command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "clipwatch",
		Short: "Track clip generation jobs",
		Long: `clipwatch submits videos to the clip processing service, follows
their progress until they settle and runs admin operations.

Run "clipwatch serve" to expose the same tracking over a local HTTP bridge.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: $CLIPWATCH_CONFIG or config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", "", "Override service.baseUrl")
	rootCmd.PersistentFlags().StringVar(&opts.adminKey, "admin-key", "", "Override service.adminKey")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override server.logLevel (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newSubmitCmd(opts))
	rootCmd.AddCommand(newWatchCmd(opts))
	rootCmd.AddCommand(newBatchCmd(opts))
	rootCmd.AddCommand(newDownloadCmd(opts))
	rootCmd.AddCommand(newAdminCmd(opts))
	return rootCmd
}

// app is the wired object graph shared by every command.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	client   *api.Client
	registry *jobs.Registry
	listing  *jobs.SQLiteListing
	submit   *submit.Service
	admin    *admin.Controller
	saver    *storage.Saver
}

func newApp(opts *rootOptions, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.baseURL != "" {
		cfg.Service.BaseURL = strings.TrimRight(opts.baseURL, "/")
	}
	if opts.adminKey != "" {
		cfg.Service.AdminKey = opts.adminKey
	}
	if opts.logLevel != "" {
		cfg.Server.LogLevel = opts.logLevel
	}
	if opts.downloadDir != "" {
		cfg.Downloads.Dir = opts.downloadDir
	}

	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	listing, err := jobs.NewSQLiteListing(cfg.Listing.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open listing store: %w", err)
	}
	client := api.New(cfg.Service)
	registry := jobs.NewRegistry()
	poll := jobs.PollerOptions{Interval: cfg.Polling.Interval, MaxWait: cfg.Polling.MaxWait}
	return &app{
		cfg:      cfg,
		log:      logger,
		client:   client,
		registry: registry,
		listing:  listing,
		submit:   submit.NewService(logger, client, registry, poll, cfg.Polling.MaxBatchSize),
		admin:    admin.NewController(logger, client, registry, listing),
		saver:    storage.NewSaver(logger, client, cfg.Downloads.Dir, safeInt64(uint64(cfg.Downloads.MaxClipSize))),
	}, nil
}

func (a *app) Close() {
	_ = a.listing.Close()
}

func safeInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
