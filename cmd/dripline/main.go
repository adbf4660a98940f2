package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/dripline/internal/app"
	"github.com/foxzi/dripline/internal/campaign"
	"github.com/foxzi/dripline/internal/clock"
	"github.com/foxzi/dripline/internal/config"
	"github.com/foxzi/dripline/internal/funnel"
	"github.com/foxzi/dripline/internal/store"
)

var (
	cfgFile   string
	envFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dripline",
	Short: "Dripline - funnel scheduler and campaign sender",
	Long:  `Dripline schedules delayed funnel messages and delivers mass campaigns for chat bots.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv(envFile)
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler, API and metrics servers",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run every sweep once and exit",
	Long:  `Requeue stale claims, start due campaigns, send due jobs and pending deliveries, then complete finished campaigns.`,
	RunE:  runRunOnce,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dripline version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with DRIPLINE_* overrides")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, runOnceCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// services gives admin commands the funnel and campaign layers without
// starting the transport, quotas or event publisher
type services struct {
	cfg       *config.Config
	db        *store.DB
	funnel    *funnel.Service
	campaigns *campaign.Engine
}

func openServices(ctx context.Context) (*services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := app.OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	logger := app.SetupLogger(cfg.Logging)
	return &services{
		cfg: cfg,
		db:  db,
		funnel: funnel.NewService(store.NewSequenceRepository(db), store.NewJobRepository(db),
			clock.Real{}, logger, funnel.Options{MaxButtons: cfg.Funnel.MaxButtons}),
		campaigns: campaign.NewEngine(store.NewCampaignRepository(db), store.NewDeliveryRepository(db),
			store.NewSubscriberRepository(db), clock.Real{}, logger),
	}, nil
}

func (s *services) Close() error {
	return s.db.Close()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := app.OpenStore(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Printf("Migrations applied (%s)\n", cfg.Database.Driver)
	return nil
}

func runRunOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()

	return application.RunOnce(cmd.Context())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Database:  %s\n", cfg.Database.Driver)
	fmt.Printf("  Transport: %s (%.1f msg/s per tenant)\n", cfg.Transport.Type, cfg.Transport.RatePerSecond)
	fmt.Printf("  Workers:   %d, batch %d\n", cfg.Scheduler.Workers, cfg.Scheduler.BatchSize)
	if cfg.API.Enabled {
		fmt.Printf("  API:       %s\n", cfg.API.ListenAddr)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:   %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}
	if cfg.Events.Enabled {
		fmt.Printf("  Events:    queue %s\n", cfg.Events.Queue)
	}
	fmt.Printf("  Quotas:    %v\n", cfg.RateLimit.Enabled)

	return nil
}
